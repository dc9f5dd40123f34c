// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
)

const (
	// parallelThreshold is the minimum number of elements for an element-wise kernel to be split across workers.
	parallelThreshold = 32 * 1024

	// parallelMinChunk is the minimum number of elements processed by each worker.
	parallelMinChunk = 8 * 1024
)

// interpret evaluates the compiled graph for the given parameters.
//
// Values are computed in float64 and rounded to each node's dtype.
func (g *Graph) interpret(params []*tensors.Tensor) []*tensors.Tensor {
	if len(g.outputs) == 0 {
		return nil
	}
	needed := make([]bool, len(g.nodes))
	maxId := 0
	for _, output := range g.outputs {
		needed[output.id] = true
		maxId = max(maxId, output.id)
	}
	for id := maxId; id >= 0; id-- {
		if !needed[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			needed[input.id] = true
		}
	}

	// Count remaining uses, so buffers can be released as soon as possible.
	uses := make([]int, len(g.nodes))
	for id := 0; id <= maxId; id++ {
		if !needed[id] {
			continue
		}
		for _, input := range g.nodes[id].inputs {
			uses[input.id]++
		}
	}
	for _, output := range g.outputs {
		uses[output.id]++
	}

	values := make([][]float64, len(g.nodes))
	for id := 0; id <= maxId; id++ {
		if !needed[id] {
			continue
		}
		node := g.nodes[id]
		values[id] = g.evalNode(node, values, params)
		for _, input := range node.inputs {
			uses[input.id]--
			if uses[input.id] == 0 {
				values[input.id] = nil
			}
		}
	}

	outputs := make([]*tensors.Tensor, len(g.outputs))
	for ii, output := range g.outputs {
		outputs[ii] = tensors.FromFloat64s(output.DType(), values[output.id], output.shape.Dimensions...)
	}
	return outputs
}

func (g *Graph) evalNode(node *Node, values [][]float64, params []*tensors.Tensor) []float64 {
	input := func(ii int) []float64 { return values[node.inputs[ii].id] }
	switch {
	case node.op == opParameter:
		return params[node.paramHandle].FlatRef()
	case node.op == opConstant:
		return node.constant.FlatRef()
	case node.op == opIdentity || node.op == opStopGradient || node.op == opReshape:
		// Buffers are never modified in place, so they can be shared.
		return input(0)
	case node.op == opConvertDType:
		return g.mapUnary(node.DType(), input(0), func(x float64) float64 { return x })
	case node.op.isUnary():
		return g.mapUnary(node.DType(), input(0), unaryFn(node.op))
	case node.op.isBinary():
		return g.mapBinary(node, input(0), input(1), binaryFn(node.op))
	case node.op == opWhere:
		return g.evalWhere(node, values)
	case node.op == opReduceSum || node.op == opReduceMax:
		return evalReduce(node, input(0))
	case node.op == opMatMul:
		return evalMatMul(node, input(0), input(1))
	case node.op == opTranspose:
		rows, cols := node.inputs[0].shape.Dimensions[0], node.inputs[0].shape.Dimensions[1]
		x := input(0)
		out := make([]float64, len(x))
		for r := range rows {
			for c := range cols {
				out[c*rows+r] = x[r*cols+c]
			}
		}
		return out
	case node.op == opBroadcastTo:
		x := input(0)
		from := node.inputs[0].shape
		out := make([]float64, node.shape.Size())
		for ii := range out {
			out[ii] = x[shapes.BroadcastIndex(from, node.shape, ii)]
		}
		return out
	}
	exceptions.Panicf("interpreter: op %s not implemented", node.op)
	return nil
}

func unaryFn(op opType) func(float64) float64 {
	switch op {
	case opNeg:
		return func(x float64) float64 { return -x }
	case opAbs:
		return math.Abs
	case opSign:
		return func(x float64) float64 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		}
	case opExp:
		return math.Exp
	case opLog:
		return math.Log
	case opSqrt:
		return math.Sqrt
	case opTanh:
		return math.Tanh
	case opSigmoid:
		return func(x float64) float64 {
			if x >= 0 {
				return 1 / (1 + math.Exp(-x))
			}
			e := math.Exp(x)
			return e / (1 + e)
		}
	case opRelu:
		return func(x float64) float64 { return max(x, 0) }
	case opSquare:
		return func(x float64) float64 { return x * x }
	case opSin:
		return math.Sin
	case opCos:
		return math.Cos
	}
	exceptions.Panicf("interpreter: unary op %s not implemented", op)
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func binaryFn(op opType) func(a, b float64) float64 {
	switch op {
	case opAdd:
		return func(a, b float64) float64 { return a + b }
	case opSub:
		return func(a, b float64) float64 { return a - b }
	case opMul:
		return func(a, b float64) float64 { return a * b }
	case opDiv:
		return func(a, b float64) float64 { return a / b }
	case opPow:
		return math.Pow
	case opMax:
		return func(a, b float64) float64 { return max(a, b) }
	case opMin:
		return func(a, b float64) float64 { return min(a, b) }
	case opGreaterThan:
		return func(a, b float64) float64 { return boolToFloat(a > b) }
	case opGreaterOrEqual:
		return func(a, b float64) float64 { return boolToFloat(a >= b) }
	case opLessThan:
		return func(a, b float64) float64 { return boolToFloat(a < b) }
	case opLessOrEqual:
		return func(a, b float64) float64 { return boolToFloat(a <= b) }
	case opEqual:
		return func(a, b float64) float64 { return boolToFloat(a == b) }
	}
	exceptions.Panicf("interpreter: binary op %s not implemented", op)
	return nil
}

// parallelFor runs fn over [0, n), splitting large ranges across the graph's workers pool.
func (g *Graph) parallelFor(n int, fn func(start, end int)) {
	if n < parallelThreshold || g.pool == nil {
		fn(0, n)
		return
	}
	g.pool.ParallelFor(n, parallelMinChunk, fn)
}

func (g *Graph) mapUnary(dtype dtypes.DType, x []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(x))
	g.parallelFor(len(x), func(start, end int) {
		for ii := start; ii < end; ii++ {
			out[ii] = dtypes.Round(dtype, fn(x[ii]))
		}
	})
	return out
}

func (g *Graph) mapBinary(node *Node, lhs, rhs []float64, fn func(a, b float64) float64) []float64 {
	lhsShape, rhsShape := node.inputs[0].shape, node.inputs[1].shape
	dtype := node.DType()
	out := make([]float64, node.shape.Size())
	sameLhs := lhsShape.Size() == len(out)
	sameRhs := rhsShape.Size() == len(out)
	g.parallelFor(len(out), func(start, end int) {
		for ii := start; ii < end; ii++ {
			lhsIdx, rhsIdx := ii, ii
			if !sameLhs {
				lhsIdx = shapes.BroadcastIndex(lhsShape, node.shape, ii)
			}
			if !sameRhs {
				rhsIdx = shapes.BroadcastIndex(rhsShape, node.shape, ii)
			}
			out[ii] = dtypes.Round(dtype, fn(lhs[lhsIdx], rhs[rhsIdx]))
		}
	})
	return out
}

func (g *Graph) evalWhere(node *Node, values [][]float64) []float64 {
	cond, onTrue, onFalse := node.inputs[0], node.inputs[1], node.inputs[2]
	c, t, f := values[cond.id], values[onTrue.id], values[onFalse.id]
	dtype := node.DType()
	out := make([]float64, node.shape.Size())
	g.parallelFor(len(out), func(start, end int) {
		for ii := start; ii < end; ii++ {
			if c[shapes.BroadcastIndex(cond.shape, node.shape, ii)] != 0 {
				out[ii] = dtypes.Round(dtype, t[shapes.BroadcastIndex(onTrue.shape, node.shape, ii)])
			} else {
				out[ii] = dtypes.Round(dtype, f[shapes.BroadcastIndex(onFalse.shape, node.shape, ii)])
			}
		}
	})
	return out
}

func evalReduce(node *Node, x []float64) []float64 {
	inShape := node.inputs[0].shape
	out := make([]float64, node.shape.Size())
	isMax := node.op == opReduceMax
	if isMax {
		for ii := range out {
			out[ii] = math.Inf(-1)
		}
	}
	reduced := make([]bool, inShape.Rank())
	for _, axis := range node.axes {
		reduced[axis] = true
	}
	outStrides := node.shape.Strides()
	indices := make([]int, inShape.Rank())
	for flat, v := range x {
		// Compute the output position, skipping reduced axes.
		outIdx, outAxis := 0, 0
		for axis := range indices {
			if !reduced[axis] {
				outIdx += indices[axis] * outStrides[outAxis]
				outAxis++
			}
		}
		if isMax {
			if v > out[outIdx] || math.IsNaN(v) {
				out[outIdx] = v
			}
		} else {
			out[outIdx] += v
		}

		// Increment multi-dimensional index.
		if flat == len(x)-1 {
			break
		}
		for axis := len(indices) - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < inShape.Dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	dtype := node.DType()
	for ii := range out {
		out[ii] = dtypes.Round(dtype, out[ii])
	}
	return out
}

func evalMatMul(node *Node, lhs, rhs []float64) []float64 {
	lhsShape, rhsShape := node.inputs[0].shape, node.inputs[1].shape
	m := 1
	if lhsShape.Rank() == 2 {
		m = lhsShape.Dimensions[0]
	}
	k := lhsShape.Dim(-1)
	n := 1
	if rhsShape.Rank() == 2 {
		n = rhsShape.Dimensions[1]
	}
	dtype := node.DType()
	out := make([]float64, m*n)
	for i := range m {
		row := lhs[i*k : (i+1)*k]
		for kk, a := range row {
			rhsRow := rhs[kk*n : (kk+1)*n]
			outRow := out[i*n : (i+1)*n]
			for j, b := range rhsRow {
				outRow[j] += a * b
			}
		}
	}
	for ii := range out {
		out[ii] = dtypes.Round(dtype, out[ii])
	}
	return out
}
