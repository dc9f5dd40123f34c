package states

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// numberKind is the storage class of numbers in a file: signed int, unsigned int, float or bool.
type numberKind byte

const (
	kindInt   numberKind = 'i'
	kindUint  numberKind = 'u'
	kindFloat numberKind = 'f'
	kindBool  numberKind = 'b'
)

// storage describes how numbers are laid out in a file.
type storage struct {
	kind  numberKind
	size  int
	order binary.ByteOrder
}

// storageFor returns the little-endian storage of a dtype.
func storageFor(dtype dtypes.DType) storage {
	kind := kindFloat
	if dtype.IsInt() {
		kind = kindInt
	}
	return storage{kind: kind, size: dtype.Size(), order: binary.LittleEndian}
}

// dtype returns the DType used to hold numbers of the storage.
func (s storage) dtype() (dtypes.DType, error) {
	switch s.kind {
	case kindBool:
		return dtypes.Int32, nil
	case kindInt:
		switch s.size {
		case 1, 2, 4:
			return dtypes.Int32, nil
		case 8:
			return dtypes.Int64, nil
		}
	case kindUint:
		switch s.size {
		case 1, 2:
			return dtypes.Int32, nil
		case 4, 8:
			return dtypes.Int64, nil
		}
	case kindFloat:
		switch s.size {
		case 2:
			return dtypes.Float16, nil
		case 4:
			return dtypes.Float32, nil
		case 8:
			return dtypes.Float64, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported storage of %d-bytes numbers of kind %q", s.size, s.kind)
}

// encode the tensor values with the storage.
func (s storage) encode(t *tensors.Tensor) []byte {
	flat := t.FlatRef()
	buf := make([]byte, len(flat)*s.size)
	for ii, v := range flat {
		s.put(buf[ii*s.size:], v)
	}
	return buf
}

func (s storage) put(buf []byte, v float64) {
	switch s.kind {
	case kindFloat:
		switch s.size {
		case 2:
			s.order.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
		case 4:
			s.order.PutUint32(buf, math.Float32bits(float32(v)))
		case 8:
			s.order.PutUint64(buf, math.Float64bits(v))
		}
	default:
		switch s.size {
		case 1:
			buf[0] = byte(int64(v))
		case 2:
			s.order.PutUint16(buf, uint16(int64(v)))
		case 4:
			s.order.PutUint32(buf, uint32(int64(v)))
		case 8:
			s.order.PutUint64(buf, uint64(int64(v)))
		}
	}
}

// decode data into a tensor of the given dimensions. Values are in row-major order, unless columnMajor is set.
func (s storage) decode(data []byte, columnMajor bool, dimensions ...int) (*tensors.Tensor, error) {
	dtype, err := s.dtype()
	if err != nil {
		return nil, err
	}
	if slices.ContainsFunc(dimensions, func(dim int) bool { return dim < 0 }) {
		return nil, errors.Errorf("invalid dimensions %v", dimensions)
	}
	size := shapes.SizeOf(dimensions...)
	if len(data) != size*s.size {
		return nil, errors.Errorf("expected %d bytes for %d values of %d bytes, got %d bytes",
			size*s.size, size, s.size, len(data))
	}
	flat := make([]float64, size)
	for ii := range flat {
		flat[ii] = s.get(data[ii*s.size:])
	}
	if columnMajor {
		flat = columnToRowMajor(flat, dimensions)
	}
	return tensors.FromFloat64s(dtype, flat, dimensions...), nil
}

func (s storage) get(buf []byte) float64 {
	switch s.kind {
	case kindFloat:
		switch s.size {
		case 2:
			return float64(float16.Frombits(s.order.Uint16(buf)).Float32())
		case 4:
			return float64(math.Float32frombits(s.order.Uint32(buf)))
		default:
			return math.Float64frombits(s.order.Uint64(buf))
		}
	case kindInt:
		switch s.size {
		case 1:
			return float64(int8(buf[0]))
		case 2:
			return float64(int16(s.order.Uint16(buf)))
		case 4:
			return float64(int32(s.order.Uint32(buf)))
		default:
			return float64(int64(s.order.Uint64(buf)))
		}
	default:
		switch s.size {
		case 1:
			return float64(buf[0])
		case 2:
			return float64(s.order.Uint16(buf))
		case 4:
			return float64(s.order.Uint32(buf))
		default:
			return float64(s.order.Uint64(buf))
		}
	}
}

// columnMajorOffsets returns, for each row-major flat index, the corresponding column-major flat index.
func columnMajorOffsets(dimensions []int) []int {
	shape := shapes.Make(dtypes.Float64, dimensions...)
	colStrides := make([]int, len(dimensions))
	stride := 1
	for axis, dim := range dimensions {
		colStrides[axis] = stride
		stride *= dim
	}
	offsets := make([]int, shape.Size())
	for rowIdx := range offsets {
		for axis, axisIdx := range shape.Indices(rowIdx) {
			offsets[rowIdx] += axisIdx * colStrides[axis]
		}
	}
	return offsets
}

// columnToRowMajor reorders values stored in column-major (Fortran, MATLAB) order to row-major order.
func columnToRowMajor(flat []float64, dimensions []int) []float64 {
	if len(dimensions) <= 1 {
		return flat
	}
	rowMajor := make([]float64, len(flat))
	for rowIdx, colIdx := range columnMajorOffsets(dimensions) {
		rowMajor[rowIdx] = flat[colIdx]
	}
	return rowMajor
}

// rowToColumnMajor reorders row-major values to column-major order.
func rowToColumnMajor(flat []float64, dimensions []int) []float64 {
	if len(dimensions) <= 1 {
		return flat
	}
	colMajor := make([]float64, len(flat))
	for rowIdx, colIdx := range columnMajorOffsets(dimensions) {
		colMajor[colIdx] = flat[rowIdx]
	}
	return colMajor
}
