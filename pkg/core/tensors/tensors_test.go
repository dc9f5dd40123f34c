// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Equal(t, float64(6), tensor.At(1, 2))

	scalar := FromValue(int64(7))
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, int64(7), scalar.Value())

	// Irregular shapes and unsupported types fail.
	_, err := FromValueSafe([][]float32{{1}, {1, 2}})
	require.Error(t, err)
	_, err = FromValueSafe("string")
	require.Error(t, err)
	_, err = FromValueSafe([]float32{})
	require.Error(t, err)

	// A *Tensor is returned as is.
	assert.Same(t, tensor, FromValue(tensor))
}

func TestConstructors(t *testing.T) {
	eye := Eye(dtypes.Float64, 2, 3)
	assert.Equal(t, [][]float64{{1, 0, 0}, {0, 1, 0}}, eye.Value())

	ones := Ones(shapes.Make(dtypes.Int32, 2))
	assert.Equal(t, []int32{1, 1}, ones.Value())

	full := Full(shapes.Make(dtypes.Float32, 1), 0.1)
	assert.Equal(t, []float32{0.1}, full.Value())

	flat := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, flat.Value())
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]float64{1, 2, 3}, 2, 2) })

	// Values are rounded to the dtype.
	ints := FromFloat64s(dtypes.Int32, []float64{1.7, -1.7}, 2)
	assert.Equal(t, []int32{1, -1}, ints.Value())
}

func TestConversions(t *testing.T) {
	tensor := FromValue([]float64{1.5, 2.5})
	assert.Equal(t, []int32{1, 2}, CopyFlatData[int32](tensor))
	assert.Equal(t, []float64{1.5, 2.5}, tensor.Flat())
	assert.Equal(t, float32(3), ToScalar[float32](FromScalar(3.0)))

	converted := tensor.ConvertDType(dtypes.Float32)
	assert.Equal(t, dtypes.Float32, converted.DType())

	reshaped, err := tensor.Reshape(2, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1.5}, {2.5}}, reshaped.Value())
	_, err = tensor.Reshape(3)
	require.Error(t, err)

	clone := tensor.Clone()
	assert.True(t, clone.Equal(tensor))
	assert.NotSame(t, clone, tensor)
}

func TestIntegerLimits(t *testing.T) {
	limit := FromFlatDataAndDimensions([]int64{dtypes.MaxExactInt, -dtypes.MaxExactInt}, 2)
	assert.Equal(t, []int64{1 << 53, -(1 << 53)}, limit.Value())
	require.Panics(t, func() { FromFlatDataAndDimensions([]int64{1<<53 + 1}, 1) })
	require.Panics(t, func() { FromScalar(uint64(1 << 60)) })

	_, err := FromValueSafe([][]int64{{1, 2}, {3, -(1<<53 + 1)}})
	require.ErrorContains(t, err, "2^53")

	// Half-precision values are converted as floats, not as their uint16 bits.
	half := FromScalar(float16.Fromfloat32(1.5))
	assert.Equal(t, dtypes.Float16, half.DType())
	assert.Equal(t, 1.5, half.FlatRef()[0])
}

func TestInDelta(t *testing.T) {
	a := FromValue([]float64{1, math.NaN()})
	b := FromValue([]float64{1.0001, math.NaN()})
	assert.True(t, a.InDelta(b, 1e-3))
	assert.False(t, a.InDelta(b, 1e-6))
	assert.False(t, a.Equal(b))
	assert.False(t, a.InDelta(FromValue([]float32{1, 1}), 1))
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2]: [1 2]", FromValue([]float32{1, 2}).String())
	var nilTensor *Tensor
	assert.Equal(t, "<nil tensor>", nilTensor.String())
}
