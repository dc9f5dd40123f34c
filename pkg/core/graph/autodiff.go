// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
)

// This file implements reverse-mode automatic differentiation, using the accumulated VJP (Vector Jacobian Product).
//
// Conventions used below:
//
//   - root node: the output whose gradient is being computed. It must be a scalar.
//   - selected nodes: the nodes with respect to which we want the gradient of the root.
//   - VJP / adjoint: the accumulated gradient of the root with respect to a node. Adjoints are generated in
//     reverse order (from the root back to the inputs), and always have the shape of the node they refer to.
//
// New nodes created to compute the adjoints are appended to the graph, after the root.

// reverseNode holds the bookkeeping of one node during back-propagation.
type reverseNode struct {
	// included is true for nodes the root depends on.
	included bool

	// useful is true for nodes in the path to one of the selected nodes.
	useful bool

	// accumulatedVJP is the sum of the VJPs back-propagated by all consumers of the node.
	accumulatedVJP *Node
}

// Gradient creates new nodes for the gradients of the output with respect to each node in gradientNodes.
// The output must be a scalar -- for non-scalar outputs see Jacobian in package autograd.
//
// Gradients with respect to integer nodes, or nodes the output doesn't depend on, are zeros. Gradients of
// floating point nodes have the same shape and dtype as the node; for integer nodes the dtype is
// dtypes.DefaultFloat.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allInputNodes := make([]*Node, 0, len(gradientNodes)+1)
	allInputNodes = append(allInputNodes, output)
	allInputNodes = append(allInputNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allInputNodes...)

	if !output.IsScalar() || !output.DType().IsFloat() {
		exceptions.Panicf("only gradients of a float scalar with respect to tensors are accepted, not jacobians, "+
			"that is, output must be a float scalar, got %s", output.Shape())
	}

	numNodes := output.id + 1
	rNodes := make([]reverseNode, numNodes)

	// Mark nodes the root depends on.
	rNodes[output.id].included = true
	for id := output.id; id >= 0; id-- {
		if !rNodes[id].included {
			continue
		}
		node := g.nodes[id]
		if node.op == opStopGradient {
			continue
		}
		for _, input := range node.inputs {
			rNodes[input.id].included = true
		}
	}

	// Mark nodes that lead to a selected node: in creation order, a node is useful if it is selected
	// or if any of its inputs is useful.
	for _, node := range gradientNodes {
		if node.id < numNodes {
			rNodes[node.id].useful = true
		}
	}
	for id := range numNodes {
		node := g.nodes[id]
		if node.op == opStopGradient || !node.DType().IsFloat() {
			continue
		}
		for _, input := range node.inputs {
			if rNodes[input.id].useful {
				rNodes[id].useful = true
				break
			}
		}
	}

	needGradient := func(node *Node) bool {
		if node.id >= numNodes || !node.DType().IsFloat() {
			return false
		}
		rNode := &rNodes[node.id]
		return rNode.included && rNode.useful
	}

	rNodes[output.id].accumulatedVJP = Scalar(g, output.DType(), 1)

	// Nodes are in a topological order, so by the time a node is visited all its consumers have already pushed
	// their VJPs.
	for id := output.id; id >= 0; id-- {
		node := g.nodes[id]
		rNode := &rNodes[id]
		if !needGradient(node) || rNode.accumulatedVJP == nil || node.op == opStopGradient {
			continue
		}
		needInputs := false
		for _, input := range node.inputs {
			if needGradient(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}
		inputVJPs := vjpForOp(node, rNode.accumulatedVJP)
		for ii, input := range node.inputs {
			vjp := inputVJPs[ii]
			if vjp == nil || !needGradient(input) {
				continue
			}
			vjp = reduceToShape(vjp, input)
			rInput := &rNodes[input.id]
			if rInput.accumulatedVJP == nil {
				rInput.accumulatedVJP = vjp
			} else {
				rInput.accumulatedVJP = Add(rInput.accumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		var vjp *Node
		if node.id < numNodes && node.DType().IsFloat() {
			vjp = rNodes[node.id].accumulatedVJP
		}
		if vjp == nil {
			dtype := node.DType()
			if !dtype.IsFloat() {
				dtype = dtypes.DefaultFloat
			}
			gradients[ii] = Fill(g, shapes.Make(dtype, node.shape.Dimensions...), 0)
			continue
		}
		gradients[ii] = vjp
	}
	return gradients
}

// reduceToShape sums the VJP v over the axes that were broadcast when computing a consumer of input,
// and converts it to the input's dtype.
func reduceToShape(v *Node, input *Node) *Node {
	target := input.shape
	if !v.shape.EqualDimensions(target) {
		rankDiff := v.Rank() - target.Rank()
		var axes []int
		for axis := range v.Rank() {
			if axis < rankDiff {
				axes = append(axes, axis)
				continue
			}
			if target.Dimensions[axis-rankDiff] == 1 && v.shape.Dimensions[axis] != 1 {
				axes = append(axes, axis)
			}
		}
		if len(axes) > 0 {
			v = ReduceSum(v, axes...)
		}
		v = Reshape(v, target.Dimensions...)
	}
	return ConvertDType(v, target.DType)
}

// vjpForOp returns the VJP of each input of node, given the VJP v of the node's output.
// A nil VJP means no gradient flows to that input.
//
// Returned VJPs may have the broadcast (output) shape: they are reduced to the input shapes by the caller.
func vjpForOp(node *Node, v *Node) []*Node {
	x := node.inputs[0]
	switch node.op {
	case opIdentity, opReshape:
		return []*Node{Reshape(v, x.shape.Dimensions...)}
	case opConvertDType:
		return []*Node{ConvertDType(v, x.DType())}
	case opNeg:
		return []*Node{Neg(v)}
	case opAbs:
		return []*Node{Mul(v, Sign(x))}
	case opSign, opGreaterThan, opGreaterOrEqual, opLessThan, opLessOrEqual, opEqual:
		return make([]*Node, len(node.inputs))
	case opExp:
		return []*Node{Mul(v, node)}
	case opLog:
		return []*Node{Div(v, x)}
	case opSqrt:
		return []*Node{Div(MulScalar(v, 0.5), node)}
	case opTanh:
		return []*Node{Mul(v, OneMinus(Square(node)))}
	case opSigmoid:
		return []*Node{Mul(v, Mul(node, OneMinus(node)))}
	case opRelu:
		return []*Node{Mul(v, ConvertDType(GreaterThan(x, ZerosLike(x)), v.DType()))}
	case opSquare:
		return []*Node{Mul(v, MulScalar(x, 2))}
	case opSin:
		return []*Node{Mul(v, Cos(x))}
	case opCos:
		return []*Node{Neg(Mul(v, Sin(x)))}
	case opAdd:
		return []*Node{v, v}
	case opSub:
		return []*Node{v, Neg(v)}
	case opMul:
		y := node.inputs[1]
		return []*Node{Mul(v, y), Mul(v, x)}
	case opDiv:
		y := node.inputs[1]
		return []*Node{Div(v, y), Neg(Div(Mul(v, node), y))}
	case opPow:
		y := node.inputs[1]
		// d(x^y)/dx = y*x^(y-1); d(x^y)/dy = log(x)*x^y, only defined for x > 0.
		dx := Mul(v, Mul(y, Pow(x, AddScalar(y, -1))))
		positive := GreaterThan(x, ZerosLike(x))
		safeX := Where(positive, x, OnesLike(x))
		dy := Mul(v, Where(positive, Mul(Log(safeX), node), ZerosLike(node)))
		return []*Node{dx, dy}
	case opMax, opMin:
		y := node.inputs[1]
		// Ties send the gradient to the first operand.
		var xSelected *Node
		if node.op == opMax {
			xSelected = GreaterOrEqual(x, y)
		} else {
			xSelected = LessOrEqual(x, y)
		}
		zeros := ZerosLike(v)
		return []*Node{Where(xSelected, v, zeros), Where(xSelected, zeros, v)}
	case opWhere:
		cond := node.inputs[0]
		zeros := ZerosLike(v)
		return []*Node{nil, Where(cond, v, zeros), Where(cond, zeros, v)}
	case opReduceSum:
		return []*Node{BroadcastToShape(Reshape(v, keepDims(node)...), x.shape)}
	case opReduceMax:
		kept := keepDims(node)
		broadcastMax := BroadcastToShape(Reshape(node, kept...), x.shape)
		mask := ConvertDType(Equal(x, broadcastMax), v.DType())
		// Ties split the gradient evenly.
		count := BroadcastToShape(Reshape(ReduceSum(mask, node.axes...), kept...), x.shape)
		broadcastV := BroadcastToShape(Reshape(v, kept...), x.shape)
		return []*Node{Div(Mul(broadcastV, mask), count)}
	case opMatMul:
		return vjpMatMul(node, v)
	case opTranspose:
		return []*Node{Transpose(v)}
	case opBroadcastTo:
		// reduceToShape takes care of summing over the broadcast axes.
		return []*Node{v}
	}
	exceptions.Panicf("gradient for op %s not implemented", node.op)
	return nil
}

// keepDims returns the dimensions of the input of a reduction node with the reduced axes set to 1.
func keepDims(node *Node) []int {
	dims := node.inputs[0].shape.Clone().Dimensions
	for _, axis := range node.axes {
		dims[axis] = 1
	}
	return dims
}

func vjpMatMul(node *Node, v *Node) []*Node {
	lhs, rhs := node.inputs[0], node.inputs[1]
	switch {
	case lhs.Rank() == 1 && rhs.Rank() == 1:
		// out = sum_k lhs[k]*rhs[k]
		return []*Node{Mul(v, rhs), Mul(v, lhs)}
	case lhs.Rank() == 2 && rhs.Rank() == 1:
		// out[m] = sum_k lhs[m,k]*rhs[k]
		vCol := Reshape(v, -1, 1)
		rhsRow := Reshape(rhs, 1, -1)
		return []*Node{Mul(vCol, rhsRow), MatMul(v, lhs)}
	case lhs.Rank() == 1 && rhs.Rank() == 2:
		// out[n] = sum_k lhs[k]*rhs[k,n]
		lhsCol := Reshape(lhs, -1, 1)
		vRow := Reshape(v, 1, -1)
		return []*Node{MatMul(rhs, v), Mul(lhsCol, vRow)}
	default:
		return []*Node{MatMul(v, Transpose(rhs)), MatMul(Transpose(lhs), v)}
	}
}
