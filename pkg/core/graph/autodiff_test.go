// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"fmt"
	"math"
	"testing"

	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradientAdd(t *testing.T) {
	outputs := runGraph(t, func(g *Graph) []*Node {
		c1 := Const(g, []float32{1, 2})
		c2 := Const(g, []float32{10})
		output := ReduceAllSum(Add(c1, c2))
		return append([]*Node{output}, Gradient(output, c1, c2)...)
	})
	fmt.Printf("output=%v\n", outputs[0])
	assert.Equal(t, float32(23), outputs[0].Value())
	assert.Equal(t, []float32{1, 1}, outputs[1].Value())
	assert.Equal(t, []float32{2}, outputs[2].Value())
}

func TestGradientMatMul(t *testing.T) {
	// dot(vector, vector)
	outputs := runGraph(t, func(g *Graph) []*Node {
		v1 := Fill(g, shapes.Make(dtypes.Float32, 4), 2)
		v2 := Fill(g, shapes.Make(dtypes.Float32, 4), 3)
		output := MatMul(v1, v2)
		return append([]*Node{output}, Gradient(output, v1, v2)...)
	})
	assert.Equal(t, float32(24), outputs[0].Value())
	assert.Equal(t, []float32{3, 3, 3, 3}, outputs[1].Value())
	assert.Equal(t, []float32{2, 2, 2, 2}, outputs[2].Value())

	// dot(matrix, vector)
	outputs = runGraph(t, func(g *Graph) []*Node {
		v1 := Const(g, [][]float32{{2, 2, 2, 2}, {3, 3, 3, 3}})
		v2 := Fill(g, shapes.Make(dtypes.Float32, 4), 3)
		output := MatMul(v1, v2)
		return append([]*Node{output}, Gradient(ReduceAllSum(output), v1, v2)...)
	})
	assert.Equal(t, []float32{24, 36}, outputs[0].Value())
	assert.Equal(t, [][]float32{{3, 3, 3, 3}, {3, 3, 3, 3}}, outputs[1].Value())
	assert.Equal(t, []float32{5, 5, 5, 5}, outputs[2].Value())

	// dot(matrix, matrix)
	outputs = runGraph(t, func(g *Graph) []*Node {
		v1 := Const(g, [][]float32{{2, 2, 2, 2}, {3, 3, 3, 3}})
		v2 := Const(g, [][]float32{{1}, {2}, {3}, {4}})
		output := MatMul(v1, v2)
		return append([]*Node{output}, Gradient(ReduceAllSum(output), v1, v2)...)
	})
	assert.Equal(t, [][]float32{{20}, {30}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{1, 2, 3, 4}, {1, 2, 3, 4}}, outputs[1].Value())
	assert.Equal(t, [][]float32{{5}, {5}, {5}, {5}}, outputs[2].Value())

	// dot(vector, matrix)
	outputs = runGraph(t, func(g *Graph) []*Node {
		v1 := Const(g, []float32{1, 2})
		v2 := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		output := MatMul(v1, v2)
		return append([]*Node{output}, Gradient(ReduceAllSum(output), v1, v2)...)
	})
	assert.Equal(t, []float32{9, 12, 15}, outputs[0].Value())
	assert.Equal(t, []float32{6, 15}, outputs[1].Value())
	assert.Equal(t, [][]float32{{1, 1, 1}, {2, 2, 2}}, outputs[2].Value())
}

func TestGradientUnary(t *testing.T) {
	xs := []float64{0.5, 1, 2}
	testCases := []struct {
		name string
		fn   func(x *Node) *Node
		want func(x float64) float64
	}{
		{"Exp", Exp, math.Exp},
		{"Log", Log, func(x float64) float64 { return 1 / x }},
		{"Sqrt", Sqrt, func(x float64) float64 { return 0.5 / math.Sqrt(x) }},
		{"Tanh", Tanh, func(x float64) float64 { return 1 - math.Tanh(x)*math.Tanh(x) }},
		{"Sigmoid", Sigmoid, func(x float64) float64 {
			s := 1 / (1 + math.Exp(-x))
			return s * (1 - s)
		}},
		{"Square", Square, func(x float64) float64 { return 2 * x }},
		{"Sin", Sin, math.Cos},
		{"Cos", Cos, func(x float64) float64 { return -math.Sin(x) }},
		{"Neg", Neg, func(float64) float64 { return -1 }},
		{"Relu", func(x *Node) *Node { return Relu(AddScalar(x, -1)) }, func(x float64) float64 {
			if x > 1 {
				return 1
			}
			return 0
		}},
		{"Pow3", func(x *Node) *Node { return Pow(x, Scalar(x.Graph(), dtypes.Float64, 3)) },
			func(x float64) float64 { return 3 * x * x }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outputs := runGraph(t, func(g *Graph) []*Node {
				x := Const(g, xs)
				return Gradient(ReduceAllSum(tc.fn(x)), x)
			})
			got := outputs[0].Value().([]float64)
			for ii, x := range xs {
				assert.InDeltaf(t, tc.want(x), got[ii], 1e-9, "x=%g", x)
			}
		})
	}
}

func TestGradientBinary(t *testing.T) {
	outputs := runGraph(t, func(g *Graph) []*Node {
		x := Const(g, []float64{1, 2})
		y := Const(g, []float64{4, 8})
		return Gradient(ReduceAllSum(Add(Div(x, y), Mul(x, y))), x, y)
	})
	// d/dx = 1/y + y; d/dy = -x/y^2 + x
	assert.InDeltaSlice(t, []float64{4.25, 8.125}, outputs[0].Value(), 1e-12)
	assert.InDeltaSlice(t, []float64{1 - 1.0/16, 2 - 2.0/64}, outputs[1].Value(), 1e-12)

	outputs = runGraph(t, func(g *Graph) []*Node {
		x := Const(g, []float64{1, 5})
		y := Const(g, []float64{3, 3})
		return Gradient(ReduceAllSum(Add(Max(x, y), Min(x, y))), x, y)
	})
	assert.Equal(t, []float64{1, 1}, outputs[0].Value())
	assert.Equal(t, []float64{1, 1}, outputs[1].Value())

	// Pow with respect to the exponent.
	outputs = runGraph(t, func(g *Graph) []*Node {
		x := Const(g, []float64{2, 0})
		y := Const(g, []float64{3, 3})
		return Gradient(ReduceAllSum(Pow(x, y)), y)
	})
	assert.InDeltaSlice(t, []float64{8 * math.Log(2), 0}, outputs[0].Value(), 1e-12)
}

func TestGradientReductionsAndShapes(t *testing.T) {
	outputs := runGraph(t, func(g *Graph) []*Node {
		x := Const(g, [][]float64{{1, 5, 2}, {7, 3, 7}})
		output := Add(ReduceAllSum(ReduceMax(x, 1)), ReduceAllSum(MulScalar(ReduceMean(x, 0), 2)))
		return Gradient(output, x)
	})
	// ReduceMax: one-hot of max (ties split); ReduceMean(0)*2 contributes 1 per element.
	assert.Equal(t, [][]float64{{1, 2, 1}, {1.5, 1, 1.5}}, outputs[0].Value())

	outputs = runGraph(t, func(g *Graph) []*Node {
		x := Const(g, [][]float64{{1, 2}, {3, 4}})
		b := Const(g, []float64{10, 20})
		output := ReduceAllSum(Mul(Reshape(Transpose(x), 4), Const(g, []float64{1, 2, 3, 4})))
		output = Add(output, ReduceAllSum(Mul(Add(x, b), Const(g, [][]float64{{1, 1}, {2, 2}}))))
		return Gradient(output, x, b)
	})
	// Transpose(x) flattened = [x00, x10, x01, x11] weighted by [1, 2, 3, 4].
	assert.Equal(t, [][]float64{{2, 4}, {4, 6}}, outputs[0].Value())
	assert.Equal(t, []float64{3, 3}, outputs[1].Value())
}

func TestGradientStopAndIndependent(t *testing.T) {
	outputs := runGraph(t, func(g *Graph) []*Node {
		x := Const(g, []float32{1, 2})
		unrelated := Const(g, []float32{3})
		i := Const(g, []int32{1, 2})
		output := ReduceAllSum(Mul(x, StopGradient(x)))
		return Gradient(output, x, unrelated, i)
	})
	assert.Equal(t, []float32{1, 2}, outputs[0].Value())
	assert.Equal(t, []float32{0}, outputs[1].Value())
	assert.Equal(t, dtypes.DefaultFloat, outputs[2].DType())
	assert.Equal(t, []float32{0, 0}, outputs[2].Value())

	g := NewGraph("nonscalar")
	x := Const(g, []float32{1, 2})
	require.Panics(t, func() { _ = Gradient(x, x) })
}

func TestGradientMixedDTypes(t *testing.T) {
	outputs := runGraph(t, func(g *Graph) []*Node {
		x := Const(g, []float32{1, 2})
		y := Const(g, []float64{3, 4})
		output := ReduceAllSum(Mul(x, y))
		return Gradient(output, x, y)
	})
	assert.Equal(t, []float32{3, 4}, outputs[0].Value())
	assert.Equal(t, []float64{1, 2}, outputs[1].Value())
}
