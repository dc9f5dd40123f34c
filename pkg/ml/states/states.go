// Package states saves and loads the variables of models to files.
//
// Variables are keyed by their path within the model (e.g.: "E.V", "layers[0].W"), see model.CollectVariables
// and base.Vars. The file format is selected by the extension of the file name:
//
//   - ".h5", ".hdf5": HDF5 files, one dataset per variable. It requires the `h5dump` and `h5import` binaries,
//     usually installed by the "hdf5-tools" package.
//   - ".npz": NumPy zip archive, one ".npy" file per variable.
//   - ".pkl": Python pickle (protocol 3) of a dict mapping keys to {"dtype": str, "shape": tuple, "data": bytes}.
//     In Python: `np.frombuffer(d["data"], d["dtype"]).reshape(d["shape"])`.
//   - ".mat": MATLAB level 5 MAT-file. MATLAB names can't hold a ".", so it is stored as "--".
//
// Example:
//
//	err := states.Save(myModel, "~/work/lif.npz")
//	...
//	err = states.Load(myModel).Verbose(true).CheckMissing(true).FromFile("~/work/lif.npz")
package states

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/gomlx/neurodyn/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownFormat is returned for file names with an extension not in SupportedFormats.
	ErrUnknownFormat = errors.New("unknown file format")

	// ErrFileNotFound is returned when loading from a file that doesn't exist.
	ErrFileNotFound = errors.New("file not found")
)

// SupportedFormats lists the supported file extensions.
var SupportedFormats = []string{".h5", ".hdf5", ".npz", ".pkl", ".mat"}

// codec reads and writes all values of a file.
type codec interface {
	write(filename string, keys []string, values map[string]*tensors.Tensor) error
	read(filename string) (map[string]*tensors.Tensor, error)
}

func codecFor(filename string) (codec, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".h5", ".hdf5":
		return hdf5Codec{}, nil
	case ".npz":
		return npzCodec{}, nil
	case ".pkl":
		return pickleCodec{}, nil
	case ".mat":
		return matCodec{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "file %q (extension %q), only %v are supported",
			filename, ext, SupportedFormats)
	}
}

// collect the variables of target: either a *model.Collector or any model accepted by model.CollectVariables.
func collect(target any) (*model.Collector, error) {
	if c, ok := target.(*model.Collector); ok {
		return c, nil
	}
	return model.CollectVariables(target)
}

// Save the values of all variables of target into filename, keyed by their path.
//
// The target can be a *model.Collector (e.g.: from base.Vars) or any model accepted by model.CollectVariables.
func Save(target any, filename string) error {
	vars, err := collect(target)
	if err != nil {
		return err
	}
	values := make(map[string]*tensors.Tensor, vars.Len())
	for key, v := range vars.All() {
		values[key] = v.Value()
	}
	return SaveValues(vars.Keys(), values, filename)
}

// SaveValues saves the values, in the order of keys, into filename.
func SaveValues(keys []string, values map[string]*tensors.Tensor, filename string) error {
	c, err := codecFor(filename)
	if err != nil {
		return err
	}
	filename, err = fsutil.ResolvePath(filename)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, found := values[key]; !found {
			return errors.Errorf("no value for key %q", key)
		}
	}
	if err = c.write(filename, keys, values); err != nil {
		return errors.WithMessagef(err, "saving states to %q", filename)
	}
	klog.V(1).Infof("saved %d arrays to %q", len(keys), filename)
	return nil
}

// ReadFile returns all arrays stored in filename, keyed by their names.
// The file existence is checked before its format.
func ReadFile(filename string) (map[string]*tensors.Tensor, error) {
	filename, err := fsutil.ResolvePath(filename)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(filename)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(ErrFileNotFound, "cannot find the file path %q", filename)
	}
	c, err := codecFor(filename)
	if err != nil {
		return nil, err
	}
	values, err := c.read(filename)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading states from %q", filename)
	}
	return values, nil
}

// Loader loads values into the variables of a model. Create it with Load, configure it and then call
// FromFile or FromValues.
type Loader struct {
	target                any
	verbose, checkMissing bool
}

// Load creates a Loader of the variables of target: either a *model.Collector (e.g.: from base.Vars) or any model
// accepted by model.CollectVariables.
func Load(target any) *Loader {
	return &Loader{target: target}
}

// Verbose makes the Loader log every key loaded.
func (l *Loader) Verbose(verbose bool) *Loader {
	l.verbose = verbose
	return l
}

// CheckMissing makes the Loader warn about every variable for which there is no value in the file.
// Missing values are never an error.
func (l *Loader) CheckMissing(checkMissing bool) *Loader {
	l.checkMissing = checkMissing
	return l
}

// FromFile loads the variables from filename. See package documentation for supported formats.
func (l *Loader) FromFile(filename string) error {
	values, err := ReadFile(filename)
	if err != nil {
		return err
	}
	return errors.WithMessagef(l.FromValues(values), "loading states from %q", filename)
}

// FromValues loads the variables from values, keyed by variable path.
//
// Values with a key not matching any variable are skipped. Values must have the dimensions of the variable
// they are loaded into, except for axes of dimension 1, which are ignored (some formats don't keep vectors
// or scalars as such). Values are converted to the dtype of the variable.
//
// If any value can't be loaded, it returns an error and no variable is changed.
func (l *Loader) FromValues(values map[string]*tensors.Tensor) error {
	vars, err := collect(l.target)
	if err != nil {
		return err
	}
	toAssign := make(map[string]*tensors.Tensor, len(values))
	fileKeys := make([]string, 0, len(values))
	for key := range values {
		fileKeys = append(fileKeys, key)
	}
	slices.Sort(fileKeys)
	for _, key := range fileKeys {
		value := values[key]
		v, found := vars.Get(key)
		if !found {
			if l.verbose {
				klog.Infof("skipping %q: no variable with that key", key)
			} else {
				klog.V(1).Infof("skipping %q: no variable with that key", key)
			}
			continue
		}
		converted, err := conformToVariable(key, value, v)
		if err != nil {
			return err
		}
		toAssign[key] = converted
		if l.verbose {
			klog.Infof("loading %q: %s", key, value.Shape())
		} else {
			klog.V(1).Infof("loading %q: %s", key, value.Shape())
		}
	}
	if l.checkMissing {
		for key := range vars.All() {
			if _, found := values[key]; !found {
				klog.Warningf("variable %q is not present in the states loaded", key)
			}
		}
	}
	return vars.Assign(toAssign)
}

// conformToVariable converts value to the shape and dtype of the variable, or returns an error if
// the dimensions don't match.
func conformToVariable(key string, value *tensors.Tensor, v *model.Variable) (*tensors.Tensor, error) {
	want := v.Shape()
	if !slices.Equal(value.Shape().Dimensions, want.Dimensions) {
		if !slices.Equal(squeeze(value.Shape().Dimensions), squeeze(want.Dimensions)) {
			return nil, errors.Errorf("key %q: the shape of the variable is %s, while the stored value has shape %s",
				key, want, value.Shape())
		}
		var err error
		value, err = value.Reshape(want.Dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", key)
		}
	}
	if value.DType() != want.DType {
		value = value.ConvertDType(want.DType)
	}
	return value, nil
}

// squeeze removes the axes of dimension 1.
func squeeze(dimensions []int) []int {
	return slices.DeleteFunc(slices.Clone(dimensions), func(dim int) bool { return dim == 1 })
}
