package states

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifState struct {
	V      *model.Variable
	spike  *model.Variable
	Layers []*layerState
}

type layerState struct {
	W, b *model.Variable
}

func newLIFState() *lifState {
	return &lifState{
		V:     model.MustNewVariable("V", []float32{-65, -60.5, -70}),
		spike: model.MustNewVariable("spike", []int32{0, 1, 0}),
		Layers: []*layerState{{
			W: model.MustNewTrainVar("W", [][]float64{{1, 2, 3}, {4, 5, 6}}),
			b: model.MustNewTrainVar("b", 0.25),
		}},
	}
}

func zeroLIFState() *lifState {
	s := newLIFState()
	s.V.MustSetValue(tensors.Zeros(s.V.Shape()))
	s.spike.MustSetValue(tensors.Zeros(s.spike.Shape()))
	s.Layers[0].W.MustSetValue(tensors.Zeros(s.Layers[0].W.Shape()))
	s.Layers[0].b.MustSetValue(tensors.Zeros(s.Layers[0].b.Shape()))
	return s
}

func requireSameValues(t *testing.T, want, got *lifState) {
	require.True(t, want.V.Value().Equal(got.V.Value()), "V: want %s, got %s", want.V.Value(), got.V.Value())
	require.True(t, want.spike.Value().Equal(got.spike.Value()))
	require.True(t, want.Layers[0].W.Value().Equal(got.Layers[0].W.Value()))
	require.True(t, want.Layers[0].b.Value().Equal(got.Layers[0].b.Value()))
}

func testRoundTrip(t *testing.T, extension string) {
	filename := filepath.Join(t.TempDir(), "lif"+extension)
	saved := newLIFState()
	require.NoError(t, Save(saved, filename))

	loaded := zeroLIFState()
	require.NoError(t, Load(loaded).Verbose(true).CheckMissing(true).FromFile(filename))
	requireSameValues(t, saved, loaded)

	values, err := ReadFile(filename)
	require.NoError(t, err)
	require.Len(t, values, 4)
	require.Contains(t, values, "Layers[0].W")
}

func TestRoundTrip_Npz(t *testing.T) { testRoundTrip(t, ".npz") }

func TestRoundTrip_Pickle(t *testing.T) { testRoundTrip(t, ".pkl") }

func TestRoundTrip_Mat(t *testing.T) {
	testRoundTrip(t, ".mat")

	// MATLAB keeps at least 2 dimensions, in column-major order.
	filename := filepath.Join(t.TempDir(), "matrix.mat")
	require.NoError(t, SaveValues([]string{"a.b"}, map[string]*tensors.Tensor{
		"a.b": tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}}),
	}, filename))
	_, infos, err := scanMatFile(must.M1(os.ReadFile(filename)))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "a--b", infos[0].name)
	assert.Equal(t, []int{2, 3}, infos[0].dimensions)
	values, err := ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, values["a.b"].Value())
}

func TestRoundTrip_HDF5(t *testing.T) {
	if !hasHDF5Tools() {
		t.Skipf("%q or %q not installed, skipping HDF5 tests", H5DumpBinary, H5ImportBinary)
	}
	testRoundTrip(t, ".h5")
}

func TestFormats(t *testing.T) {
	s := newLIFState()
	require.ErrorIs(t, Save(s, filepath.Join(t.TempDir(), "states.json")), ErrUnknownFormat)
	textFile := filepath.Join(t.TempDir(), "states.txt")
	require.NoError(t, os.WriteFile(textFile, []byte("V=1"), 0644))
	require.ErrorIs(t, Load(s).FromFile(textFile), ErrUnknownFormat)
	require.ErrorIs(t, Load(s).FromFile(filepath.Join(t.TempDir(), "missing.npz")), ErrFileNotFound)

	// Existence is checked before the format.
	require.ErrorIs(t, Load(s).FromFile(filepath.Join(t.TempDir(), "missing.txt")), ErrFileNotFound)
}

func TestLoader_FromValues(t *testing.T) {
	s := newLIFState()
	collector, err := model.CollectVariables(s)
	require.NoError(t, err)

	// Unknown keys are skipped, missing keys are only warned about, values are converted to the variable dtype.
	err = Load(collector).CheckMissing(true).FromValues(map[string]*tensors.Tensor{
		"V":       tensors.FromValue([]float64{1, 2, 3}),
		"unknown": tensors.FromValue(1.0),
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, s.V.Value().Value())

	// Axes of dimension 1 are ignored.
	require.NoError(t, Load(s).FromValues(map[string]*tensors.Tensor{
		"Layers[0].b": tensors.FromValue([][]float64{{0.5}}),
		"spike":       tensors.FromValue([][]int32{{1, 1, 1}}),
	}))
	assert.Equal(t, 0.5, tensors.ToScalar[float64](s.Layers[0].b.Value()))
	assert.Equal(t, []int32{1, 1, 1}, s.spike.Value().Value())

	// A shape mismatch fails, and no variable is changed.
	err = Load(s).FromValues(map[string]*tensors.Tensor{
		"V":           tensors.FromValue([]float32{7, 7, 7}),
		"Layers[0].W": tensors.FromValue([]float64{1, 2, 3}),
	})
	require.Error(t, err)
	assert.Equal(t, []float32{1, 2, 3}, s.V.Value().Value())
}

func TestNpyHeader(t *testing.T) {
	descr, dims, fortran, err := parseNpyHeader("{'descr': '>i2', 'fortran_order': True, 'shape': (2, 3), }")
	require.NoError(t, err)
	assert.Equal(t, ">i2", descr)
	assert.Equal(t, []int{2, 3}, dims)
	assert.True(t, fortran)

	st, err := storageForNumpyDescr(descr)
	require.NoError(t, err)
	// Big-endian int16, column-major: [[1, 2, 3], [4, 5, 6]].
	data := []byte{0, 1, 0, 4, 0, 2, 0, 5, 0, 3, 0, 6}
	got, err := st.decode(data, fortran, dims...)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, got.Value())

	_, err = storageForNumpyDescr("<U8")
	require.Error(t, err)
}

func TestPickle_PythonValues(t *testing.T) {
	// pickle.dumps({"x": [[1, 2], [3, 4]], "y": 0.5}, protocol=3)
	data := []byte("\x80\x03}q\x00(X\x01\x00\x00\x00xq\x01]q\x02(]q\x03(K\x01K\x02e]q\x04(K\x03K\x04eeX\x01\x00\x00\x00yq\x05G?\xe0\x00\x00\x00\x00\x00\x00u.")
	filename := filepath.Join(t.TempDir(), "python.pkl")
	require.NoError(t, os.WriteFile(filename, data, 0644))
	values, err := ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}}, values["x"].Value())
	assert.Equal(t, 0.5, tensors.ToScalar[float64](values["y"]))
}

func TestFloat16(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "half.npz")
	half := tensors.FromFloat64s(dtypes.Float16, []float64{0.5, -2, 1e-3}, 3)
	require.NoError(t, SaveValues([]string{"h"}, map[string]*tensors.Tensor{"h": half}, filename))
	values, err := ReadFile(filename)
	require.NoError(t, err)
	require.True(t, values["h"].Shape().Equal(shapes.Make(dtypes.Float16, 3)))
	require.True(t, half.Equal(values["h"]))
}

func hasHDF5Tools() bool {
	for _, tool := range []string{H5DumpBinary, H5ImportBinary} {
		if _, err := exec.LookPath(tool); err != nil {
			return false
		}
	}
	return true
}

// matShape returns the shape of t once stored in a MAT-file: at least 2 dimensions, and no half-precision.
func matShape(t *tensors.Tensor) shapes.Shape {
	dtype := t.DType()
	if dtype == dtypes.Float16 {
		dtype = dtypes.Float32
	}
	dims := t.Shape().Dimensions
	switch len(dims) {
	case 0:
		dims = []int{1, 1}
	case 1:
		dims = []int{1, dims[0]}
	}
	return shapes.Make(dtype, dims...)
}

func TestRoundTrip_DTypesAndRanks(t *testing.T) {
	values := map[string]*tensors.Tensor{
		"scalar":     tensors.FromValue(0.25),
		"empty":      tensors.FromShape(shapes.Make(dtypes.Float32, 0)),
		"empty_2d":   tensors.FromShape(shapes.Make(dtypes.Int32, 2, 0)),
		"half":       tensors.FromFloat64s(dtypes.Float16, []float64{0.5, -2, 1e-3}, 3),
		"int32":      tensors.FromValue([][]int32{{1, -2, 3}, {-4, 5, 6}}),
		"int64":      tensors.FromValue([]int64{1 << 40, -3}),
		"cube":       tensors.FromValue([][][]float64{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}),
		"net.E.V[0]": tensors.FromValue([]float32{-65.5}),
	}
	keys := []string{"scalar", "empty", "empty_2d", "half", "int32", "int64", "cube", "net.E.V[0]"}

	for _, extension := range []string{".npz", ".pkl", ".mat", ".h5"} {
		t.Run(extension, func(t *testing.T) {
			keys := keys
			if extension == ".h5" {
				if !hasHDF5Tools() {
					t.Skip("HDF5 tools not installed")
				}
				require.Error(t, SaveValues([]string{"empty"}, values, filepath.Join(t.TempDir(), "empty.h5")))
				keys = slices.DeleteFunc(slices.Clone(keys), func(key string) bool { return values[key].Size() == 0 })
			}
			filename := filepath.Join(t.TempDir(), "values"+extension)
			require.NoError(t, SaveValues(keys, values, filename))
			loaded, err := ReadFile(filename)
			require.NoError(t, err)
			require.Len(t, loaded, len(keys))
			for _, key := range keys {
				want, got := values[key], loaded[key]
				require.NotNil(t, got, "key %q", key)
				wantShape := want.Shape()
				switch extension {
				case ".mat":
					wantShape = matShape(want)
				case ".h5":
					if wantShape.Rank() == 0 {
						wantShape = shapes.Make(wantShape.DType, 1)
					}
					if wantShape.DType == dtypes.Float16 {
						wantShape.DType = dtypes.Float32
					}
				}
				require.True(t, wantShape.Equal(got.Shape()), "key %q: want shape %s, got %s", key, wantShape, got.Shape())
				assert.Equal(t, want.Flat(), got.Flat(), "key %q", key)
			}
		})
	}
}

func TestCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		filename := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(filename, data, 0644))
		return filename
	}

	t.Run("Pickle", func(t *testing.T) {
		// BINBYTES8 with a length far beyond the data.
		_, err := ReadFile(write("huge.pkl", []byte{0x80, 0x03, 0x8e, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}))
		require.ErrorContains(t, err, "invalid pickle data")

		_, err = ReadFile(write("truncated.pkl", []byte{0x80, 0x03, 'C', 10, 'a', 'b'}))
		require.Error(t, err)
	})

	t.Run("Mat", func(t *testing.T) {
		valid := filepath.Join(dir, "valid.mat")
		require.NoError(t, SaveValues([]string{"x"}, map[string]*tensors.Tensor{
			"x": tensors.FromValue([]float64{1, 2, 3}),
		}, valid))
		contents := must.M1(os.ReadFile(valid))
		corrupt := func(name string, offset int, value uint32) string {
			data := bytes.Clone(contents)
			binary.LittleEndian.PutUint32(data[offset:], value)
			return write(name, data)
		}

		// Top-level element larger than the file.
		_, err := ReadFile(corrupt("element_size.mat", matHeaderSize+4, 0xffffff00))
		require.Error(t, err)

		// Array flags as a small data element of 65535 bytes.
		_, err = ReadFile(corrupt("small_element.mat", matHeaderSize+8, 0xffff0006))
		require.ErrorContains(t, err, "small data element")

		// Negative dimension: the dimensions sub-element follows the 16 bytes of array flags.
		_, err = ReadFile(corrupt("negative_dim.mat", matHeaderSize+8+16+8, 0xffffffff))
		require.ErrorContains(t, err, "dimensions")

		_, err = ReadFile(write("truncated.mat", contents[:100]))
		require.Error(t, err)

		values, err := ReadFile(valid)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{1, 2, 3}}, values["x"].Value())
	})

	t.Run("Npz", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w := must.M1(zw.Create("x.npy"))
		must.M1(w.Write([]byte("\x93NUMPY\x02\x00\xff\xff\xff\xff")))
		require.NoError(t, zw.Close())
		_, err := ReadFile(write("header.npz", buf.Bytes()))
		require.ErrorContains(t, err, "header length")
	})
}

// h5dumpHeaders is the output of `h5dump --header` for a file with 3 datasets.
const h5dumpHeaders = `HDF5 "states.h5" {
DATASET "/Layers[0].W" {
   DATATYPE  H5T_IEEE_F64LE
   DATASPACE  SIMPLE { ( 2, 3 ) / ( 2, 3 ) }
}
DATASET "/count" {
   DATATYPE  H5T_STD_I64BE
   DATASPACE  SCALAR
}
DATASET "/V" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 3 ) / ( 3 ) }
}
}
`

func TestHDF5Headers(t *testing.T) {
	datasets := map[string]*hdf5Dataset{}
	for _, path := range []string{"/Layers[0].W", "/count", "/V"} {
		datasets[path] = &hdf5Dataset{path: path}
	}
	parts := strings.Split(h5dumpHeaders, "DATASET")
	require.Len(t, parts, 4)
	for _, part := range parts[1:] {
		require.NoError(t, parseH5DatasetHeader(part, datasets))
	}
	assert.Equal(t, []int{2, 3}, datasets["/Layers[0].W"].dimensions)
	assert.Equal(t, storage{kind: kindFloat, size: 8, order: binary.LittleEndian}, datasets["/Layers[0].W"].storage)
	assert.Equal(t, []int{}, datasets["/count"].dimensions)
	assert.Equal(t, storage{kind: kindInt, size: 8, order: binary.BigEndian}, datasets["/count"].storage)
	assert.Equal(t, []int{3}, datasets["/V"].dimensions)

	require.Error(t, parseH5DatasetHeader(` "/unknown" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 3 ) / ( 3 ) }
}`, datasets))
	require.Error(t, parseH5DatasetHeader(` "/V" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  NULL
}`, datasets))
}

func TestStorageForH5T(t *testing.T) {
	for h5type, want := range map[string]dtypes.DType{
		"H5T_IEEE_F16LE": dtypes.Float16,
		"H5T_IEEE_F32BE": dtypes.Float32,
		"H5T_STD_I8LE":   dtypes.Int32,
		"H5T_STD_U32LE":  dtypes.Int64,
		"H5T_STD_I64LE":  dtypes.Int64,
	} {
		st, err := storageForH5T(h5type)
		require.NoError(t, err, h5type)
		assert.Equal(t, want, must.M1(st.dtype()), h5type)
	}
	for _, h5type := range []string{"H5T_STRING", "H5T_IEEE_F128LE", "H5T_STD_I64"} {
		_, err := storageForH5T(h5type)
		require.Error(t, err, h5type)
	}
}

func TestH5ImportConfig(t *testing.T) {
	st, config := h5ImportConfig("E.V", tensors.FromFloat64s(dtypes.Float16, []float64{1, 2, 3, 4, 5, 6}, 2, 3))
	assert.Equal(t, storageFor(dtypes.Float32), st)
	assert.Equal(t, "PATH E.V\nINPUT-CLASS FP\nINPUT-SIZE 32\nINPUT-BYTE-ORDER LE\nRANK 2\nDIMENSION-SIZES 2 3\n"+
		"OUTPUT-CLASS FP\nOUTPUT-SIZE 32\nOUTPUT-ARCHITECTURE IEEE\nOUTPUT-BYTE-ORDER LE\n", config)

	st, config = h5ImportConfig("count", tensors.FromScalar(int64(7)))
	assert.Equal(t, storageFor(dtypes.Int64), st)
	assert.Contains(t, config, "INPUT-CLASS IN\nINPUT-SIZE 64\n")
	assert.Contains(t, config, "RANK 1\nDIMENSION-SIZES 1\n")
	assert.Contains(t, config, "OUTPUT-ARCHITECTURE STD\n")
}
