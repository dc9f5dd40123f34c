package main

import (
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/states"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under --prefix.")
	flagDeleteVars = flag.String("delete_vars", "", "Comma-separated list of prefixes: delete the variables "+
		"whose key starts with any of them, and save the file back.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs float variables under --prefix by <x>: it multiplies the values by 1.0+(RandomUniform(-1, 1)*x), "+
			"and save the file back.")
	flagSeed = flag.Uint64("seed", 42, "Seed used by -perturb.")
)

// variableStats returns the MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value)
// of the values.
func variableStats(values []float64) (mav, rms, maxAV float64) {
	if len(values) == 0 {
		return
	}
	abs := make([]float64, len(values))
	for ii, v := range values {
		abs[ii] = math.Abs(v)
	}
	mav = stat.Mean(abs, nil)
	rms = math.Sqrt(floats.Dot(values, values) / float64(len(values)))
	maxAV = floats.Max(abs)
	return
}

// ListVariables lists the variables of a state file, with their shape and MAV, RMS and MaxAV values.
func ListVariables(sf *stateFile) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in %q", sf.path)))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Key", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, key := range sf.filteredKeys() {
		t := sf.values[key]
		shape := t.Shape()
		var mav, rms, maxAV string
		flat := t.FlatRef()
		hasNaN := floats.HasNaN(flat)
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", shape.DType.ToGo(flat[0]))
		} else if shape.DType.IsFloat() && shape.Size() > 0 {
			m, r, mx := variableStats(flat)
			mav, rms, maxAV = fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", mx)
		}
		table.Row(hasNaN, key, shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	fmt.Println(table.Table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
		fmt.Printf("   ◦ %s\n", italicStyle.Render("Variables with NaN values are highlighted"))
	}
}

// DeleteVars whose keys start with any of the prefixes, and saves the file back.
func DeleteVars(sf *stateFile, prefixes ...string) error {
	var kept []string
	var numDeleted int
	for _, key := range sf.keys {
		deleted := false
		for _, prefix := range prefixes {
			if prefix != "" && strings.HasPrefix(key, prefix) {
				deleted = true
				break
			}
		}
		if deleted {
			delete(sf.values, key)
			numDeleted++
			continue
		}
		kept = append(kept, key)
	}
	if numDeleted == 0 {
		// No changes needed.
		return nil
	}
	sf.keys = kept
	if err := states.SaveValues(sf.keys, sf.values, sf.path); err != nil {
		return err
	}
	fmt.Printf("%d deleted vars with prefixes %q, state file %q saved.\n", numDeleted, prefixes, sf.path)
	return nil
}

// PerturbVars multiplies the float variables under --prefix by 1.0+RandomUniform(-x, x), and saves the file
// back.
func PerturbVars(sf *stateFile, x float64) error {
	if x < 0 || x >= 1 {
		return errors.Errorf("-perturb must be in the range [0, 1), got %g", x)
	}
	perturbation := initializer.Uniform(initializer.NewRNG(*flagSeed), 1-x, 1+x)
	var numUpdates int
	for _, key := range sf.filteredKeys() {
		t := sf.values[key]
		if !t.DType().IsFloat() {
			continue
		}
		factors, err := perturbation.Init(t.Shape())
		if err != nil {
			return err
		}
		values := t.Flat()
		floats.Mul(values, factors.FlatRef())
		sf.values[key] = tensors.FromFloat64s(t.DType(), values, t.Shape().Dimensions...)
		numUpdates++
	}
	if err := states.SaveValues(sf.keys, sf.values, sf.path); err != nil {
		return err
	}
	fmt.Printf("%d variables perturbed, state file %q saved.\n", numUpdates, sf.path)
	return nil
}
