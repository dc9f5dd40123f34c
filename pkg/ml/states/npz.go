package states

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// npzCodec handles NumPy's .npz files: a zip archive with one .npy file per array.
type npzCodec struct{}

func (npzCodec) write(filename string, keys []string, values map[string]*tensors.Tensor) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file")
	}
	zipWriter := zip.NewWriter(file)
	for _, key := range keys {
		npyName := key + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			_ = file.Close()
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := writeNpy(values[key], fileWriter); err != nil {
			_ = file.Close()
			return errors.WithMessagef(err, "failed to write array %q to .npz archive", key)
		}
	}
	if err = zipWriter.Close(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to close zip archive")
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file")
}

func (npzCodec) read(filename string) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.OpenReader(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file as a zip archive")
	}
	defer func() { _ = zipReader.Close() }()

	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			// .npz might contain other metadata files.
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := readNpy(rc, f.UncompressedSize64)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read array %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}

var (
	reNpyDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reNpyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reNpyShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// readNpy reads one array in .npy format, of the given size in bytes.
func readNpy(r io.Reader, size uint64) (*tensors.Tensor, error) {
	preamble := make([]byte, 8)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy magic string")
	}
	if string(preamble[:6]) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	var headerLen int
	switch major := preamble[6]; {
	case major == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case major >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", preamble[6], preamble[7])
	}
	if uint64(headerLen) > size {
		return nil, errors.Errorf("invalid .npy header length %d for %d bytes of data", headerLen, size)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}
	st, err := storageForNumpyDescr(descr)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read array data")
	}
	return st.decode(data, fortranOrder, dims...)
}

// parseNpyHeader extracts descr, shape, and fortran_order from the .npy header, a Python dict literal like
// "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }".
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	m := reNpyDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'descr' in .npy header: %q", header)
		return
	}
	descr = m[1]
	m = reNpyFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in .npy header: %q", header)
		return
	}
	fortranOrder = m[1] == "True"
	m = reNpyShape.FindStringSubmatch(header)
	if len(m) < 2 {
		err = errors.Errorf("could not find 'shape' in .npy header: %q", header)
		return
	}
	dims = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma, as in "(10,)".
			continue
		}
		dim, convErr := strconv.Atoi(part)
		if convErr != nil {
			err = errors.Wrapf(convErr, "invalid dimension %q in .npy header", part)
			return
		}
		dims = append(dims, dim)
	}
	return
}

// storageForNumpyDescr parses NumPy's type descriptions like "<f4", "|b1" or ">i8".
func storageForNumpyDescr(descr string) (storage, error) {
	st := storage{order: binary.LittleEndian}
	if descr == "?" {
		descr = "|b1"
	}
	if len(descr) < 3 {
		return st, errors.Errorf("unsupported NumPy dtype %q", descr)
	}
	switch descr[0] {
	case '<', '|', '=':
	case '>':
		st.order = binary.BigEndian
	default:
		return st, errors.Errorf("unsupported byte order in NumPy dtype %q", descr)
	}
	st.kind = numberKind(descr[1])
	size, err := strconv.Atoi(descr[2:])
	if err != nil {
		return st, errors.Wrapf(err, "unsupported NumPy dtype %q", descr)
	}
	st.size = size
	if _, err := st.dtype(); err != nil {
		return st, errors.WithMessagef(err, "NumPy dtype %q", descr)
	}
	return st, nil
}

// writeNpy writes the array in .npy format version 1.0.
func writeNpy(t *tensors.Tensor, w io.Writer) error {
	dims := t.Shape().Dimensions
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		parts := make([]string, len(dims))
		for ii, dim := range dims {
			parts[ii] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(parts, ", ") + ")"
	}
	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", t.DType().NumpyDescr(), shapeTuple)
	// Preamble (magic, version and header length) plus header must be a multiple of 16, ending with a newline.
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var preamble [10]byte
	copy(preamble[:], "\x93NUMPY\x01\x00")
	binary.LittleEndian.PutUint16(preamble[8:], uint16(header.Len()))
	for _, part := range [][]byte{preamble[:], header.Bytes(), storageFor(t.DType()).encode(t)} {
		if _, err := w.Write(part); err != nil {
			return errors.Wrapf(err, "failed to write .npy data")
		}
	}
	return nil
}
