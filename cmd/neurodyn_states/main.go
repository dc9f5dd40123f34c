// neurodyn_states reports on and edits the state files saved with the states package.
//
// Usage:
//
//	neurodyn_states [-summary] [-vars] [-prefix=E.] <file.npz|file.h5|file.pkl|file.mat> [more files...]
//
// With more than one file the summary compares them side by side. Files can also be converted to other
// formats (-convert), have variables deleted (-delete_vars) or randomly perturbed (-perturb).
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/gomlx/neurodyn/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagPrefix = flag.String("prefix", "", "Only variables whose key starts with the given prefix are "+
		"considered for the various reports (e.g.: \"E.\" for the variables of the node \"E\").")
	flagSummary  = flag.Bool("summary", false, "Display a summary of the state sizes (for variables under --prefix).")
	flagGlossary = flag.Bool("glossary", true, "Whether to list a glossary of the columns of the reports.")
	flagConvert  = flag.String("convert", "", "Convert the (single) state file to the given file: the format is "+
		"given by its extension.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true).Faint(true)
)

// stateFile is a loaded state file.
type stateFile struct {
	path   string
	keys   []string
	values map[string]*tensors.Tensor
}

func loadStateFile(path string) (*stateFile, error) {
	values, err := states.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &stateFile{path: path, keys: xslices.SortedKeys(values), values: values}, nil
}

// filteredKeys returns the keys that start with --prefix.
func (sf *stateFile) filteredKeys() []string {
	return slices.DeleteFunc(slices.Clone(sf.keys), func(key string) bool {
		return !strings.HasPrefix(key, *flagPrefix)
	})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing state file(s) to read from. See 'neurodyn_states -help'")
		os.Exit(1)
	}
	if len(args) > 1 && (*flagConvert != "" || *flagDeleteVars != "" || *flagPerturbVars != 0) {
		klog.Errorf("-convert, -delete_vars and -perturb only work with one state file, got %d files", len(args))
		os.Exit(1)
	}
	if !*flagSummary && !*flagVars && *flagConvert == "" && *flagDeleteVars == "" && *flagPerturbVars == 0 {
		*flagSummary = true
	}

	files := make([]*stateFile, len(args))
	for ii, path := range args {
		files[ii] = must.M1(loadStateFile(path))
	}
	if *flagDeleteVars != "" {
		must.M(DeleteVars(files[0], strings.Split(*flagDeleteVars, ",")...))
	}
	if *flagPerturbVars != 0 {
		must.M(PerturbVars(files[0], *flagPerturbVars))
	}
	if *flagConvert != "" {
		must.M(states.SaveValues(files[0].keys, files[0].values, *flagConvert))
		fmt.Printf("%d variables converted from %q to %q.\n", len(files[0].keys), files[0].path, *flagConvert)
	}
	if *flagSummary {
		Summary(files, MinimalUniquePaths(args...))
	}
	if *flagVars {
		for _, sf := range files {
			ListVariables(sf)
		}
	}
}
