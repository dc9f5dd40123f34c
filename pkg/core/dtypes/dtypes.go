// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the data types supported by neurodyn tensors.
//
// All tensors are stored internally as float64 values, and the DType defines how values are rounded when written
// and how they are encoded when serialized (see package states).
//
// It includes converters to/from Go native types (and reflect.Type), and the NumPy descriptors used by the
// .npy/.npz codecs.
package dtypes

import (
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// DType is the data type of the values of a tensor.
//
// The order of the enum matters: it is used by Promote.
type DType int32

const (
	InvalidDType DType = iota
	Int32

	// Int64 values are held as float64, so only integers up to MaxExactInt in magnitude are supported.
	Int64

	Float16
	Float32
	Float64
)

// MaxExactInt is the largest magnitude of the integers that can be held in a tensor: 2^53, the limit of
// integers exactly representable as float64.
const MaxExactInt = 1 << 53

// Aliases.
const (
	F16 = Float16
	F32 = Float32
	F64 = Float64
	I32 = Int32
	I64 = Int64
)

// DefaultFloat is the dtype used when creating tensors from untyped values (e.g.: initializers).
var DefaultFloat = Float32

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int32:        "Int32",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// MapOfNames maps names (and lower-case names) to the DType.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType, 2*len(dtypeNames))
	for dtype, name := range dtypeNames {
		m[name] = dtype
		m[strings.ToLower(name)] = dtype
	}
	return m
}()

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Int64
}

// IsSupported returns whether dtype is a valid, supported DType.
func (dtype DType) IsSupported() bool {
	return dtype.IsFloat() || dtype.IsInt()
}

// Size returns the number of bytes used by one element when serialized.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

// Promote returns the dtype resulting from a binary operation between values of dtype a and b.
// Integer types are promoted to floats, and narrower types to wider ones.
func Promote(a, b DType) DType {
	if a > b {
		return a
	}
	return b
}

// Round returns v as represented by the given dtype: floats are rounded to the dtype precision, and
// integers are truncated towards zero.
func Round(dtype DType, v float64) float64 {
	switch dtype {
	case Float64:
		return v
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Int32:
		if math.IsNaN(v) {
			return 0
		}
		return float64(int32(math.Trunc(v)))
	case Int64:
		if math.IsNaN(v) {
			return 0
		}
		return float64(int64(math.Trunc(v)))
	}
	panicf("dtypes.Round: invalid dtype %s", dtype)
	return 0
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// FromGoType returns the DType for the given reflect.Type, or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Int:
		if strconv.IntSize == 32 {
			return Int32
		}
		return Int64
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return Int32
	case reflect.Int64, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return Int64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Bool:
		return Int32
	}
	return InvalidDType
}

// FromAny returns the DType of the (scalar) Go value.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// GoType returns the Go type used to represent values of the dtype in nested slices.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Float16:
		return float16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	}
	return nil
}

// ToGo converts a float64 storage value to the Go value of the dtype.
func (dtype DType) ToGo(v float64) any {
	switch dtype {
	case Int32:
		return int32(v)
	case Int64:
		return int64(v)
	case Float16:
		return float16.Fromfloat32(float32(v))
	case Float32:
		return float32(v)
	case Float64:
		return v
	}
	panicf("dtypes.ToGo: invalid dtype %s", dtype)
	return nil
}

// NumpyDescr returns the little-endian NumPy descriptor (e.g.: "<f4") for dtype.
func (dtype DType) NumpyDescr() string {
	switch dtype {
	case Int32:
		return "<i4"
	case Int64:
		return "<i8"
	case Float16:
		return "<f2"
	case Float32:
		return "<f4"
	case Float64:
		return "<f8"
	}
	return ""
}

// FromNumpyDescr converts a NumPy descriptor string (e.g.: "<f8") to a DType.
// Big-endian descriptors are not supported.
func FromNumpyDescr(descr string) (DType, error) {
	if strings.HasPrefix(descr, ">") {
		return InvalidDType, errors.Errorf("big-endian NumPy dtype %q not supported", descr)
	}
	switch strings.TrimLeft(descr, "<=|") {
	case "i1", "i2", "i4", "u1", "u2", "b1", "?":
		return Int32, nil
	case "i8", "u4", "u8":
		return Int64, nil
	case "f2":
		return Float16, nil
	case "f4":
		return Float32, nil
	case "f8":
		return Float64, nil
	}
	return InvalidDType, errors.Errorf("unsupported NumPy dtype %q", descr)
}
