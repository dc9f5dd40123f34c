// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 24, shape1.Size())
	require.Equal(t, 4*24, int(shape1.Memory()))
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(Make(dtypes.Float64, 4, 3, 2)))
	require.True(t, shape1.EqualDimensions(Make(dtypes.Float64, 4, 3, 2)))

	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestBroadcast(t *testing.T) {
	got, err := Broadcast(Make(dtypes.Float32, 3, 1), Make(dtypes.Int32, 4))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(dtypes.Float32, 3, 4)))

	got, err = Broadcast(Make(dtypes.Float32), Make(dtypes.Float64, 2, 2))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(dtypes.Float64, 2, 2)))

	_, err = Broadcast(Make(dtypes.Float32, 3), Make(dtypes.Float32, 4))
	require.Error(t, err)

	// Element (2, 3) of a [3, 4] broadcast from [3, 1] maps to element 2.
	from, to := Make(dtypes.Float32, 3, 1), Make(dtypes.Float32, 3, 4)
	require.Equal(t, 2, BroadcastIndex(from, to, 2*4+3))
	// Element (1, 2) of a [3, 4] broadcast from [4] maps to element 2.
	require.Equal(t, 2, BroadcastIndex(Make(dtypes.Float32, 4), to, 1*4+2))
}

func TestIndices(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	for flat := range s.Size() {
		require.Equal(t, flat, s.FlatIndex(s.Indices(flat)...))
	}
	require.Equal(t, []int{1, 2, 3}, s.Indices(23))
	require.Panics(t, func() { s.FlatIndex(2, 0, 0) })
}

func TestSizeOf(t *testing.T) {
	require.Equal(t, 1, SizeOf())
	require.Equal(t, 12, SizeOf(3, 4))
}
