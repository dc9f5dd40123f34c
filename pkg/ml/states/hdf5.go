package states

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// hdf5Codec handles HDF5 files by executing the `h5dump` and `h5import` binaries, from the hdf5-tools package.
//
// Each array is stored as a dataset in the root group, named after its key. Scalars are stored as arrays of
// one element, which Load reshapes back to scalars. Empty arrays can't be written.
type hdf5Codec struct{}

const (
	H5DumpBinary   = "h5dump"
	H5ImportBinary = "h5import"
)

// hdf5Dataset is the metadata about a dataset in an HDF5 file (but not the data itself).
type hdf5Dataset struct {
	path       string
	storage    storage
	dimensions []int
}

var (
	regexpH5Datasets               = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5DatasetHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5DatasetHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5DatasetHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
	regexpH5Type                   = regexp.MustCompile(`^H5T_(IEEE_F|STD_I|STD_U|STD_B)(\d+)(LE|BE)$`)
)

// storageForH5T parses HDF5 predefined types, like H5T_IEEE_F32LE or H5T_STD_I64BE.
func storageForH5T(h5type string) (storage, error) {
	m := regexpH5Type.FindStringSubmatch(h5type)
	if m == nil {
		return storage{}, errors.Errorf("unsupported HDF5 data type %q", h5type)
	}
	bits, _ := strconv.Atoi(m[2])
	st := storage{size: bits / 8, order: binary.LittleEndian}
	switch m[1] {
	case "IEEE_F":
		st.kind = kindFloat
	case "STD_I":
		st.kind = kindInt
	default:
		st.kind = kindUint
	}
	if m[3] == "BE" {
		st.order = binary.BigEndian
	}
	if _, err := st.dtype(); err != nil {
		return storage{}, errors.WithMessagef(err, "HDF5 data type %q", h5type)
	}
	return st, nil
}

func (hdf5Codec) read(filename string) (map[string]*tensors.Tensor, error) {
	contents, err := execH5Tool(H5DumpBinary, "--contents", filename)
	if err != nil {
		return nil, err
	}
	matches := regexpH5Datasets.FindAllStringSubmatch(string(contents), -1)
	if len(matches) == 0 {
		return map[string]*tensors.Tensor{}, nil
	}
	datasets := make(map[string]*hdf5Dataset, len(matches))
	headerArgs := []string{"--header"}
	for _, match := range matches {
		datasets[match[1]] = &hdf5Dataset{path: match[1]}
		headerArgs = append(headerArgs, "--dataset="+match[1])
	}
	headerArgs = append(headerArgs, filename)
	headers, err := execH5Tool(H5DumpBinary, headerArgs...)
	if err != nil {
		return nil, err
	}
	rawDatasetHeaders := strings.Split(string(headers), "DATASET")
	if len(rawDatasetHeaders)-1 != len(datasets) {
		return nil, errors.Errorf("failed to parse dataset headers: expected %d DATASET, got %d",
			len(datasets), len(rawDatasetHeaders)-1)
	}
	for _, part := range rawDatasetHeaders[1:] {
		if err := parseH5DatasetHeader(part, datasets); err != nil {
			return nil, err
		}
	}

	values := make(map[string]*tensors.Tensor, len(datasets))
	for _, ds := range datasets {
		raw, err := ds.load(filename)
		if err != nil {
			return nil, err
		}
		t, err := ds.storage.decode(raw, false, ds.dimensions...)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", ds.path)
		}
		key := strings.ReplaceAll(strings.TrimPrefix(ds.path, "/"), "/", ".")
		values[key] = t
	}
	return values, nil
}

func parseH5DatasetHeader(part string, datasets map[string]*hdf5Dataset) error {
	m := regexpH5DatasetHeaderName.FindStringSubmatch(part)
	if len(m) != 2 {
		return errors.Errorf("failed to parse dataset header %q", part)
	}
	ds, found := datasets[m[1]]
	if !found {
		return errors.Errorf("unknown dataset in header %q", part)
	}
	m = regexpH5DatasetHeaderDataType.FindStringSubmatch(part)
	if len(m) != 2 {
		return errors.Errorf("failed to parse DATATYPE of dataset %q", ds.path)
	}
	var err error
	ds.storage, err = storageForH5T(m[1])
	if err != nil {
		return errors.WithMessagef(err, "dataset %q", ds.path)
	}
	m = regexpH5DatasetHeaderDataSpace.FindStringSubmatch(part)
	if len(m) != 4 {
		return errors.Errorf("failed to parse DATASPACE of dataset %q", ds.path)
	}
	switch m[1] {
	case "SCALAR":
		ds.dimensions = []int{}
	case "SIMPLE":
		for _, dimStr := range strings.Split(m[3], ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return errors.Wrapf(err, "failed to parse DATASPACE of dataset %q", ds.path)
			}
			ds.dimensions = append(ds.dimensions, dim)
		}
	default:
		return errors.Errorf("DATASPACE %q of dataset %q not supported", m[1], ds.path)
	}
	return nil
}

// load the raw contents of the dataset, in the byte order of its storage.
func (ds *hdf5Dataset) load(filename string) ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			klog.Warningf("Failed to remove temporary file %q used to extract HDF5 dataset: %+v", tmpFile.Name(), err)
		}
	}()
	order := "LE"
	if ds.storage.order == binary.BigEndian {
		order = "BE"
	}
	_, err = execH5Tool(H5DumpBinary, "--dataset="+ds.path, "--binary="+order, "--output="+tmpFile.Name(), filename)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read temporary file %q with HDF5 dataset %q", tmpFile.Name(), ds.path)
	}
	return raw, nil
}

func (hdf5Codec) write(filename string, keys []string, values map[string]*tensors.Tensor) error {
	for _, key := range keys {
		if strings.ContainsAny(key, "/ \t\n") {
			return errors.Errorf("key %q can't be used as an HDF5 dataset name", key)
		}
		if values[key].Size() == 0 {
			return errors.Errorf("key %q: h5import can't write the empty array %s", key, values[key].Shape())
		}
	}
	tmpDir, err := os.MkdirTemp("", "hdf5_import")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary directory to write HDF5 file")
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	args := make([]string, 0, 3*len(keys)+2)
	for ii, key := range keys {
		t := values[key]
		dataPath := filepath.Join(tmpDir, fmt.Sprintf("%d.bin", ii))
		configPath := filepath.Join(tmpDir, fmt.Sprintf("%d.conf", ii))
		st, config := h5ImportConfig(key, t)
		if err := os.WriteFile(dataPath, st.encode(t), 0600); err != nil {
			return errors.Wrapf(err, "failed to write temporary data file for key %q", key)
		}
		if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
			return errors.Wrapf(err, "failed to write temporary configuration file for key %q", key)
		}
		args = append(args, dataPath, "-c", configPath)
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove previous file")
	}
	args = append(args, "-o", filename)
	_, err = execH5Tool(H5ImportBinary, args...)
	return err
}

// h5ImportConfig returns the storage of the data file and the h5import configuration for the array.
func h5ImportConfig(key string, t *tensors.Tensor) (storage, string) {
	st := storageFor(t.DType())
	class, architecture := "FP", "IEEE"
	if t.DType().IsInt() {
		class, architecture = "IN", "STD"
	}
	if t.DType() == dtypes.Float16 {
		// h5import doesn't handle half-precision.
		st = storageFor(dtypes.Float32)
	}
	dims := t.Shape().Dimensions
	if len(dims) == 0 {
		dims = []int{1}
	}
	dimStrs := make([]string, len(dims))
	for ii, dim := range dims {
		dimStrs[ii] = strconv.Itoa(dim)
	}
	var config strings.Builder
	fmt.Fprintf(&config, "PATH %s\n", key)
	fmt.Fprintf(&config, "INPUT-CLASS %s\nINPUT-SIZE %d\nINPUT-BYTE-ORDER LE\n", class, 8*st.size)
	fmt.Fprintf(&config, "RANK %d\nDIMENSION-SIZES %s\n", len(dims), strings.Join(dimStrs, " "))
	fmt.Fprintf(&config, "OUTPUT-CLASS %s\nOUTPUT-SIZE %d\nOUTPUT-ARCHITECTURE %s\nOUTPUT-BYTE-ORDER LE\n",
		class, 8*st.size, architecture)
	return st, config.String()
}

// execH5Tool executes one of the HDF5 tools binaries, and handles errors.
func execH5Tool(binary string, args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(binary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q binary in PATH, needed to access HDF5 files -- please "+
			"install package hdf5-tools, which usually holds it", binary)
	}
	klog.V(2).Infof("using %s from %q", binary, binPath)
	cmd := exec.Command(binPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdoutBuf, &stderrBuf
	if err = cmd.Run(); err != nil {
		err = errors.Wrapf(err, "failed executing %q to access HDF5 file", cmd)
		return nil, errors.WithMessagef(err, "STDERR captured:\n%s\n", stderrBuf.String())
	}
	return stdoutBuf.Bytes(), nil
}
