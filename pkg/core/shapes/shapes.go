// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and related constants and functions.
//
// A Shape is composed of a DType and its dimensions (axes). A shape with no dimensions is a scalar.
//
// Example:
//
//	batch := 32
//	weights := shapes.Make(dtypes.Float32, batch, 10)
//	fmt.Println(weights)  // -> (Float32)[32 10]
package shapes

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of either a Tensor or the expected shape of the value from a computation node.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, Shape{}, is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by anything with a shape: tensors, graph nodes, variables.
type HasShape interface {
	Shape() Shape
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements: the product of all dimensions.
func (s Shape) Size() int {
	return SizeOf(s.Dimensions...)
}

// SizeOf returns the product of the given dimensions. The empty list has size 1 (a scalar).
func SizeOf(dimensions ...int) int {
	size := 1
	for _, d := range dimensions {
		size *= d
	}
	return size
}

// Memory returns the number of bytes used to serialize an array of the given shape.
func (s Shape) Memory() uintptr {
	return uintptr(s.DType.Size()) * uintptr(s.Size())
}

// HumanMemory returns Memory pretty-printed, e.g. "1.2 MB".
func (s Shape) HumanMemory() string {
	return humanize.Bytes(uint64(s.Memory()))
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the row-major (C order) strides of each axis, in number of elements.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Broadcast returns the shape resulting from broadcasting a and b following NumPy rules: dimensions are aligned
// from the right, and each pair must be equal or one of them must be 1.
//
// The resulting dtype is dtypes.Promote(a.DType, b.DType).
func Broadcast(a, b Shape) (Shape, error) {
	rank := max(a.Rank(), b.Rank())
	dims := make([]int, rank)
	for ii := 1; ii <= rank; ii++ {
		da, db := 1, 1
		if ii <= a.Rank() {
			da = a.Dimensions[a.Rank()-ii]
		}
		if ii <= b.Rank() {
			db = b.Dimensions[b.Rank()-ii]
		}
		switch {
		case da == db:
			dims[rank-ii] = da
		case da == 1:
			dims[rank-ii] = db
		case db == 1:
			dims[rank-ii] = da
		default:
			return Invalid(), errors.Errorf("shapes %s and %s cannot be broadcast together", a, b)
		}
	}
	return Make(dtypes.Promote(a.DType, b.DType), dims...), nil
}

// BroadcastIndex maps a flat index in the broadcast shape `to` back to the flat index in shape `from`,
// assuming `from` broadcasts to `to`.
func BroadcastIndex(from, to Shape, flatIdx int) int {
	if from.Size() == to.Size() {
		return flatIdx
	}
	if from.Size() == 1 {
		return 0
	}
	fromStrides := from.Strides()
	offset := to.Rank() - from.Rank()
	result := 0
	for axis := to.Rank() - 1; axis >= 0; axis-- {
		dim := to.Dimensions[axis]
		idx := flatIdx % dim
		flatIdx /= dim
		fromAxis := axis - offset
		if fromAxis < 0 {
			continue
		}
		if from.Dimensions[fromAxis] != 1 {
			result += idx * fromStrides[fromAxis]
		}
	}
	return result
}

// Indices converts a flat row-major index into per-axis indices.
func (s Shape) Indices(flatIdx int) []int {
	indices := make([]int, s.Rank())
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		dim := s.Dimensions[axis]
		indices[axis] = flatIdx % dim
		flatIdx /= dim
	}
	return indices
}

// FlatIndex converts per-axis indices into a flat row-major index. It panics if indices are out of range.
func (s Shape) FlatIndex(indices ...int) int {
	if len(indices) != s.Rank() {
		exceptions.Panicf("shape %s requires %d indices, got %d", s, s.Rank(), len(indices))
	}
	flat := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= s.Dimensions[axis] {
			exceptions.Panicf("index %d out of range for axis %d of shape %s", idx, axis, s)
		}
		flat = flat*s.Dimensions[axis] + idx
	}
	return flat
}
