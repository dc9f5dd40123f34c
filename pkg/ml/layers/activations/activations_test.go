// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package activations

import (
	"math"
	"testing"

	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runActivation(t *testing.T, activation Type, x []float64) []float64 {
	g := NewGraph(t.Name())
	g.Compile(Apply(activation, Const(g, x)))
	outputs, err := g.Run()
	require.NoError(t, err)
	return outputs[0].Value().([]float64)
}

func TestApply(t *testing.T) {
	x := []float64{0, -1, 2, -3}
	sigmoid := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	tests := []struct {
		activation Type
		want       []float64
	}{
		{TypeNone, x},
		{TypeRelu, []float64{0, 0, 2, 0}},
		{TypeSigmoid, []float64{0.5, sigmoid(-1), sigmoid(2), sigmoid(-3)}},
		{TypeTanh, []float64{0, math.Tanh(-1), math.Tanh(2), math.Tanh(-3)}},
		{TypeSoftplus, []float64{math.Log(2), math.Log1p(math.Exp(-1)), math.Log1p(math.Exp(2)), math.Log1p(math.Exp(-3))}},
		{TypeLeakyRelu, []float64{0, -0.3, 2, -0.9}},
		{TypeSwish, []float64{0, -sigmoid(-1), 2 * sigmoid(2), -3 * sigmoid(-3)}},
		{TypeSelu, []float64{0, SeluScale * SeluAlpha * (math.Exp(-1) - 1), SeluScale * 2,
			SeluScale * SeluAlpha * (math.Exp(-3) - 1)}},
	}
	for _, test := range tests {
		t.Run(test.activation.String(), func(t *testing.T) {
			assert.InDeltaSlice(t, test.want, runActivation(t, test.activation, x), 1e-9)
		})
	}
}

func TestFromName(t *testing.T) {
	assert.Equal(t, TypeNone, FromName(""))
	assert.Equal(t, TypeNone, FromName("identity"))
	assert.Equal(t, TypeLeakyRelu, FromName("leaky_relu"))
	assert.Equal(t, TypeSwish, FromName("SiLU"))
	assert.Equal(t, "softplus", TypeSoftplus.String())
	require.Panics(t, func() { FromName("unknown") })
	_, err := TypeString("unknown")
	require.Error(t, err)
}
