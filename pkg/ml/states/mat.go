package states

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// matCodec handles MATLAB level 5 MAT-files.
//
// MATLAB stores arrays in column-major order, with at least 2 dimensions: scalars are saved as 1x1 matrices and
// vectors as 1xN row matrices. Keys have their "." replaced by "--", since MATLAB names can't contain ".".
type matCodec struct{}

// MAT-file data types and array classes.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15

	mxDOUBLE_CLASS = 6
	mxSINGLE_CLASS = 7
	mxINT8_CLASS   = 8
	mxUINT8_CLASS  = 9
	mxINT16_CLASS  = 10
	mxUINT16_CLASS = 11
	mxINT32_CLASS  = 12
	mxUINT32_CLASS = 13
	mxINT64_CLASS  = 14
	mxUINT64_CLASS = 15

	matHeaderSize     = 128
	matHeaderTextSize = 116
)

func keyToMatName(key string) string  { return strings.ReplaceAll(key, ".", "--") }
func matNameToKey(name string) string { return strings.ReplaceAll(name, "--", ".") }

// matElementWriter writes MAT-file data elements, padded to 8 bytes. Tags are little-endian if order is nil.
type matElementWriter struct {
	buf   bytes.Buffer
	order binary.ByteOrder
}

func (w *matElementWriter) element(dataType uint32, data []byte) {
	order := w.order
	if order == nil {
		order = binary.LittleEndian
	}
	var tag [8]byte
	order.PutUint32(tag[:4], dataType)
	order.PutUint32(tag[4:], uint32(len(data)))
	w.buf.Write(tag[:])
	w.buf.Write(data)
	if pad := (8 - len(data)%8) % 8; pad > 0 {
		w.buf.Write(make([]byte, pad))
	}
}

// matHeader returns a MAT-file header with the given endian indicator, "IM" for little-endian.
func matHeader(endian string) []byte {
	header := make([]byte, matHeaderSize)
	text := "MATLAB 5.0 MAT-file, Platform: GLNXA64, Created on: " + time.Now().Format(time.ANSIC)
	copy(header, text)
	for ii := len(text); ii < matHeaderTextSize; ii++ {
		header[ii] = ' '
	}
	binary.LittleEndian.PutUint16(header[124:], 0x0100)
	copy(header[126:], endian)
	return header
}

func (matCodec) write(filename string, keys []string, values map[string]*tensors.Tensor) error {
	header := matHeader("IM")

	var file bytes.Buffer
	file.Write(header)
	for _, key := range keys {
		t := values[key]
		class, dataType, dtype := uint32(mxDOUBLE_CLASS), uint32(miDOUBLE), dtypes.Float64
		switch t.DType() {
		case dtypes.Float32, dtypes.Float16:
			class, dataType, dtype = mxSINGLE_CLASS, miSINGLE, dtypes.Float32
		case dtypes.Int32:
			class, dataType, dtype = mxINT32_CLASS, miINT32, dtypes.Int32
		case dtypes.Int64:
			class, dataType, dtype = mxINT64_CLASS, miINT64, dtypes.Int64
		}
		dims := t.Shape().Dimensions
		switch len(dims) {
		case 0:
			dims = []int{1, 1}
		case 1:
			dims = []int{1, dims[0]}
		}

		matrix := &matElementWriter{}
		flags := make([]byte, 8)
		binary.LittleEndian.PutUint32(flags, class)
		matrix.element(miUINT32, flags)
		dimsData := make([]byte, 4*len(dims))
		for ii, dim := range dims {
			binary.LittleEndian.PutUint32(dimsData[4*ii:], uint32(dim))
		}
		matrix.element(miINT32, dimsData)
		matrix.element(miINT8, []byte(keyToMatName(key)))
		colMajor := tensors.FromFloat64s(dtype, rowToColumnMajor(t.FlatRef(), dims), shapes.SizeOf(dims...))
		matrix.element(dataType, storageFor(dtype).encode(colMajor))

		top := &matElementWriter{}
		top.element(miMATRIX, matrix.buf.Bytes())
		file.Write(top.buf.Bytes())
	}
	return errors.Wrapf(os.WriteFile(filename, file.Bytes(), 0644), "failed to write MAT-file")
}

// matArrayInfo is the metadata of an array in a MAT-file, along with its uncompressed miMATRIX element data.
type matArrayInfo struct {
	name       string
	class      uint32
	dimensions []int
	element    []byte
}

func (info *matArrayInfo) dtype() (dtypes.DType, bool) {
	switch info.class {
	case mxDOUBLE_CLASS:
		return dtypes.Float64, true
	case mxSINGLE_CLASS:
		return dtypes.Float32, true
	case mxINT8_CLASS, mxUINT8_CLASS, mxINT16_CLASS, mxUINT16_CLASS, mxINT32_CLASS:
		return dtypes.Int32, true
	case mxUINT32_CLASS, mxINT64_CLASS, mxUINT64_CLASS:
		return dtypes.Int64, true
	}
	return dtypes.InvalidDType, false
}

// scanMatFile lists the arrays of the MAT-file contents, with their names, classes and dimensions.
// It returns the byte order of the file.
func scanMatFile(contents []byte) (binary.ByteOrder, []*matArrayInfo, error) {
	if len(contents) < matHeaderSize {
		return nil, nil, errors.Errorf("not a level 5 MAT-file: only %d bytes", len(contents))
	}
	var order binary.ByteOrder
	switch string(contents[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, nil, errors.Errorf("not a level 5 MAT-file: invalid endian indicator %q", contents[126:128])
	}
	var infos []*matArrayInfo
	err := scanMatElements(contents[matHeaderSize:], order, &infos)
	return order, infos, err
}

func scanMatElements(data []byte, order binary.ByteOrder, infos *[]*matArrayInfo) error {
	pos := 0
	for len(data)-pos >= 8 {
		dataType, numBytes := order.Uint32(data[pos:]), int(order.Uint32(data[pos+4:]))
		start := pos + 8
		if numBytes > len(data)-start {
			return errors.Errorf("MAT-file element at offset %d has %d bytes, but only %d are left",
				pos, numBytes, len(data)-start)
		}
		element := data[start : start+numBytes]
		pos = start + numBytes
		if dataType == miCOMPRESSED {
			zr, err := zlib.NewReader(bytes.NewReader(element))
			if err != nil {
				return errors.Wrapf(err, "failed to decompress MAT-file element")
			}
			inflated, err := io.ReadAll(zr)
			_ = zr.Close()
			if err != nil {
				return errors.Wrapf(err, "failed to decompress MAT-file element")
			}
			if err = scanMatElements(inflated, order, infos); err != nil {
				return err
			}
			continue
		}
		pos = min(pos+(8-numBytes%8)%8, len(data))
		if dataType != miMATRIX {
			klog.V(1).Infof("skipping MAT-file top-level element of type %d", dataType)
			continue
		}
		info, err := parseMatMatrix(element, order)
		if err != nil {
			return err
		}
		*infos = append(*infos, info)
	}
	if pos < len(data) {
		klog.V(1).Infof("ignoring %d trailing bytes of MAT-file", len(data)-pos)
	}
	return nil
}

// parseMatMatrix parses the array flags, dimensions and name sub-elements of a miMATRIX element.
func parseMatMatrix(data []byte, order binary.ByteOrder) (*matArrayInfo, error) {
	info := &matArrayInfo{element: data}
	pos := 0
	next := func() (uint32, []byte, error) {
		if pos+8 > len(data) {
			return 0, nil, errors.New("truncated MAT-file matrix element")
		}
		first := order.Uint32(data[pos:])
		if smallBytes := int(first >> 16); smallBytes != 0 {
			// Small data element: type, size and up to 4 bytes of data packed in 8 bytes.
			if smallBytes > 4 {
				return 0, nil, errors.Errorf("invalid MAT-file small data element of %d bytes", smallBytes)
			}
			subData := data[pos+4 : pos+4+smallBytes]
			pos += 8
			return first & 0xffff, subData, nil
		}
		numBytes := int(order.Uint32(data[pos+4:]))
		start := pos + 8
		if numBytes > len(data)-start {
			return 0, nil, errors.New("truncated MAT-file matrix element")
		}
		pos = start + numBytes + (8-numBytes%8)%8
		return first, data[start : start+numBytes], nil
	}
	_, flags, err := next()
	if err != nil {
		return nil, err
	}
	if len(flags) < 4 {
		return nil, errors.New("invalid MAT-file array flags")
	}
	info.class = order.Uint32(flags) & 0xff
	_, dims, err := next()
	if err != nil {
		return nil, err
	}
	for ii := 0; ii+4 <= len(dims); ii += 4 {
		dim := int(int32(order.Uint32(dims[ii:])))
		if dim < 0 {
			return nil, errors.Errorf("invalid MAT-file array dimensions %v", dims)
		}
		info.dimensions = append(info.dimensions, dim)
	}
	_, name, err := next()
	if err != nil {
		return nil, err
	}
	info.name = string(name)
	return info, nil
}

func (matCodec) read(filename string) (map[string]*tensors.Tensor, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read MAT-file")
	}
	order, infos, err := scanMatFile(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "MAT-file %q", filename)
	}

	// The matlab reader is given only the non-empty numeric arrays, uncompressed: it panics on empty arrays and
	// on sparse or object classes.
	values := make(map[string]*tensors.Tensor, len(infos))
	stream := &matElementWriter{order: order}
	stream.buf.Write(matHeader(string(contents[126:128])))
	var toRead []*matArrayInfo
	for _, info := range infos {
		dtype, numeric := info.dtype()
		if !numeric {
			klog.V(1).Infof("skipping non-numeric MAT-file variable %q (class %d)", info.name, info.class)
			continue
		}
		if shapes.SizeOf(info.dimensions...) == 0 {
			values[matNameToKey(info.name)] = tensors.FromShape(shapes.Make(dtype, info.dimensions...))
			continue
		}
		element := info.element
		if pad := (8 - len(element)%8) % 8; pad > 0 {
			element = append(slices.Clone(element), make([]byte, pad)...)
		}
		stream.element(miMATRIX, element)
		toRead = append(toRead, info)
	}
	if len(toRead) == 0 {
		return values, nil
	}
	matFile, err := matlab.NewFileFromReader(&stream.buf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse MAT-file %q", filename)
	}

	for _, info := range toRead {
		dtype, _ := info.dtype()
		var matValues []any
		exception := exceptions.Try(func() {
			matVar, found := matFile.GetVar(info.name)
			if !found {
				exceptions.Panicf("failed to read variable %q", info.name)
			}
			matValues = matVar.Value()
		})
		if exception != nil {
			err, ok := exception.(error)
			if !ok {
				err = errors.Errorf("failed to read variable %q: %v", info.name, exception)
			}
			return nil, errors.WithMessagef(err, "MAT-file %q", filename)
		}
		flat := make([]float64, len(matValues))
		for ii, value := range matValues {
			if flat[ii], err = matValueToFloat64(value); err != nil {
				return nil, errors.WithMessagef(err, "variable %q", info.name)
			}
		}
		if len(flat) != shapes.SizeOf(info.dimensions...) {
			return nil, errors.Errorf("variable %q has dimensions %v but %d values", info.name, info.dimensions, len(flat))
		}
		values[matNameToKey(info.name)] = tensors.FromFloat64s(dtype, columnToRowMajor(flat, info.dimensions),
			info.dimensions...)
	}
	return values, nil
}

func matValueToFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("unsupported MAT-file value of type %T", value)
}
