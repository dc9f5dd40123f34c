// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a Tensor, a representation of a multi-dimensional array.
//
// Tensors are stored in host memory in row-major order. Internally values are kept as float64, rounded to the
// tensor's dtype every time they are written: a Float32 tensor only ever holds values representable as float32,
// an Int32 tensor only holds integers in the int32 range. Go integers beyond ±2^53 (dtypes.MaxExactInt) are
// rejected, since float64 can't represent them exactly.
//
// Tensors are meant to be treated as immutable values once created: graph executions produce new tensors,
// and variables replace their tensors instead of mutating them.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a multi-dimensional array of values with a shape.
type Tensor struct {
	shape shapes.Shape
	data  []float64
}

// FromShape returns a zero-initialized tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{shape: shape.Clone(), data: make([]float64, shape.Size())}
}

// Zeros is an alias to FromShape.
func Zeros(shape shapes.Shape) *Tensor { return FromShape(shape) }

// Full returns a tensor of the given shape filled with value (rounded to the dtype).
func Full(shape shapes.Shape, value float64) *Tensor {
	t := FromShape(shape)
	value = dtypes.Round(shape.DType, value)
	for ii := range t.data {
		t.data[ii] = value
	}
	return t
}

// Ones returns a tensor of the given shape filled with 1.
func Ones(shape shapes.Shape) *Tensor { return Full(shape, 1) }

// Eye returns a 2D tensor of dimensions [rows, cols] with ones in the diagonal.
func Eye(dtype dtypes.DType, rows, cols int) *Tensor {
	t := FromShape(shapes.Make(dtype, rows, cols))
	for ii := range min(rows, cols) {
		t.data[ii*cols+ii] = 1
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, holding a copy of data.
// The dtype is taken from the Go type T.
//
// It panics if len(data) doesn't match the size of the dimensions.
func FromFlatDataAndDimensions[T Number](data []T, dimensions ...int) *Tensor {
	var zero T
	dtype := dtypes.FromAny(zero)
	return FromFloat64s(dtype, toFloat64s(data), dimensions...)
}

// FromFloat64s creates a tensor of the given dtype and dimensions from a flat slice of float64 values,
// rounding them to the dtype. The data is copied.
//
// It panics if len(data) doesn't match the size of the dimensions.
func FromFloat64s(dtype dtypes.DType, data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFloat64s: data has %d elements, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	t := &Tensor{shape: shape, data: make([]float64, len(data))}
	for ii, v := range data {
		t.data[ii] = dtypes.Round(dtype, v)
	}
	return t
}

// Number is the constraint for Go numeric types accepted as tensor values.
// float16.Float16 is covered by ~uint16, and converted as a half-precision float.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func toFloat64s[T Number](data []T) []float64 {
	out := make([]float64, len(data))
	for ii, v := range data {
		out[ii] = scalarToFloat64(reflect.ValueOf(v))
	}
	return out
}

// FromScalar returns a scalar tensor with the given value, with dtype taken from T.
func FromScalar[T Number](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromValue converts a Go scalar or (regular) multi-dimensional slice to a tensor.
// If value is already a *Tensor, it is returned as is.
//
// It panics with an error if the value type is unsupported or the shape is not regular.
func FromValue(value any) *Tensor {
	t, err := FromValueSafe(value)
	if err != nil {
		panic(err)
	}
	return t
}

// FromValueSafe is like FromValue but returns an error instead of panicking.
func FromValueSafe(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		if t == nil {
			return nil, errors.New("nil *Tensor")
		}
		return t, nil
	}
	if value == nil {
		return nil, errors.New("cannot convert nil to a tensor")
	}
	var shape shapes.Shape
	v := reflect.ValueOf(value)
	if err := shapeForValueRecursive(&shape, v, v.Type()); err != nil {
		return nil, errors.Wrapf(err, "cannot create tensor from %T", value)
	}
	t := FromShape(shape)
	pos := 0
	if err := exceptions.TryCatch[error](func() { copyValuesRecursively(t, v, &pos) }); err != nil {
		return nil, errors.WithMessagef(err, "cannot create tensor from %T", value)
	}
	return t, nil
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return errors.Errorf("empty slice not valid for tensor conversion: %s", t)
		}
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		err := shapeForValueRecursive(shape, v.Index(0), t.Elem())
		if err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err = shapeForValueRecursive(&shapeTest, v.Index(ii), t.Elem()); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %s and %s", shape, shapeTest)
			}
		}
	case reflect.Pointer, reflect.Interface:
		return errors.Errorf("cannot convert %s to a concrete value for tensors", t)
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a tensor dtype", t)
		}
	}
	return nil
}

func copyValuesRecursively(t *Tensor, v reflect.Value, pos *int) {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for ii := range v.Len() {
			copyValuesRecursively(t, v.Index(ii), pos)
		}
	default:
		t.data[*pos] = dtypes.Round(t.shape.DType, scalarToFloat64(v))
		*pos++
	}
}

func scalarToFloat64(v reflect.Value) float64 {
	if v.Type() == reflect.TypeOf(float16.Float16(0)) {
		return float64(v.Interface().(float16.Float16).Float32())
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		if i > dtypes.MaxExactInt || i < -dtypes.MaxExactInt {
			exceptions.Panicf("integer %d is beyond ±2^53, the largest integers tensors can hold", i)
		}
		return float64(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > dtypes.MaxExactInt {
			exceptions.Panicf("integer %d is beyond 2^53, the largest integers tensors can hold", u)
		}
		return float64(u)
	case reflect.Float32, reflect.Float64:
		return v.Float()
	}
	exceptions.Panicf("unsupported scalar type %s", v.Type())
	return 0
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.data) }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Ok returns whether the tensor is valid.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() }

// AssertValid panics if the tensor is nil or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.shape.Ok() {
		exceptions.Panicf("tensor has invalid shape")
	}
}

// Flat returns a copy of the flat (row-major) data of the tensor as float64 values.
func (t *Tensor) Flat() []float64 {
	return slices.Clone(t.data)
}

// FlatRef returns the internal flat storage. It must not be modified: use only for reading.
func (t *Tensor) FlatRef() []float64 {
	return t.data
}

// CopyFlatData returns a copy of the flat data converted to the Go type T.
func CopyFlatData[T Number](t *Tensor) []T {
	out := make([]T, len(t.data))
	var zero T
	targetType := reflect.TypeOf(zero)
	for ii, v := range t.data {
		if _, isF16 := any(zero).(float16.Float16); isF16 {
			out[ii] = any(float16.Fromfloat32(float32(v))).(T)
			continue
		}
		out[ii] = reflect.ValueOf(v).Convert(targetType).Interface().(T)
	}
	return out
}

// ToScalar returns the value of a scalar (or size 1) tensor converted to T.
func ToScalar[T Number](t *Tensor) T {
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor %s is not a scalar", t.shape)
	}
	return CopyFlatData[T](t)[0]
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.shape.FlatIndex(indices...)]
}

// Value returns the tensor as a Go value: a scalar for rank 0, or a multi-dimensional slice of the
// dtype's Go type (e.g. [][]float32 for a 2D Float32 tensor).
func (t *Tensor) Value() any {
	dtype := t.shape.DType
	if t.shape.Rank() == 0 {
		return dtype.ToGo(t.data[0])
	}
	return buildSliceRecursively(dtype, t.data, t.shape.Dimensions).Interface()
}

func buildSliceRecursively(dtype dtypes.DType, data []float64, dims []int) reflect.Value {
	elemType := dtype.GoType()
	sliceType := elemType
	for range dims {
		sliceType = reflect.SliceOf(sliceType)
	}
	slice := reflect.MakeSlice(sliceType, dims[0], dims[0])
	if len(dims) == 1 {
		for ii := range dims[0] {
			slice.Index(ii).Set(reflect.ValueOf(dtype.ToGo(data[ii])))
		}
		return slice
	}
	stride := shapes.SizeOf(dims[1:]...)
	for ii := range dims[0] {
		sub := buildSliceRecursively(dtype, data[ii*stride:(ii+1)*stride], dims[1:])
		slice.Index(ii).Set(sub)
	}
	return slice
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: slices.Clone(t.data)}
}

// ConvertDType returns a new tensor with the values rounded to the given dtype.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	return FromFloat64s(dtype, t.data, t.shape.Dimensions...)
}

// Reshape returns a new tensor sharing no data with t, with the given dimensions.
// The total size must be preserved.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		return nil, errors.Errorf("cannot reshape %s to %v: sizes differ", t.shape, dimensions)
	}
	return &Tensor{shape: newShape, data: slices.Clone(t.data)}, nil
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.shape.Equal(other.shape) && slices.Equal(t.data, other.data)
}

// InDelta returns whether both tensors have the same shape and all values differ at most by delta.
// NaN values are considered equal to NaN.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.data {
		o := other.data[ii]
		if math.IsNaN(v) && math.IsNaN(o) {
			continue
		}
		if math.Abs(v-o) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	const maxElements = 32
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString(": ")
	if t.shape.Rank() == 0 {
		fmt.Fprintf(&sb, "%v", t.Value())
		return sb.String()
	}
	if t.Size() > maxElements {
		fmt.Fprintf(&sb, "%v ...", t.data[:maxElements])
		return sb.String()
	}
	fmt.Fprintf(&sb, "%v", t.Value())
	return sb.String()
}
