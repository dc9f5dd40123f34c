// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
)

// Node implements Graph and reflects the result of an operation. Nodes are created by operations
// (Add, Exp, MatMul, etc.) and are immutable.
//
// A Node is only valid within the Graph it was created in, and only while the graph is being built: using a Node
// from a different Graph panics. When one sees that error, it usually means a value traced in one
// computation leaked out (stored in a global or object field) and was used in another.
type Node struct {
	graph  *Graph
	id     int
	op     opType
	inputs []*Node
	shape  shapes.Shape

	// axes used by reductions, or the broadcast dimensions.
	axes []int

	constant    *tensors.Tensor
	paramName   string
	paramHandle int
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() int { return n.id }

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Invalid()
	}
	return n.shape
}

// DType returns the dtype of the node's output.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank returns the rank of the node's output.
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar returns whether the node's output is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// Inputs are the other nodes that are direct inputs to the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// IsParameter returns whether the node is a graph parameter.
func (n *Node) IsParameter() bool { return n.op == opParameter }

// IsConstant returns whether the node is a constant.
func (n *Node) IsConstant() bool { return n.op == opConstant }

// ParameterName returns the name of the parameter, or "" if the node is not a parameter.
func (n *Node) ParameterName() string { return n.paramName }

// ParameterHandle returns the position of the parameter in the graph's parameter list.
// It panics if the node is not a parameter.
func (n *Node) ParameterHandle() int {
	if n.op != opParameter {
		exceptions.Panicf("node %s is not a parameter", n)
	}
	return n.paramHandle
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	switch n.op {
	case opParameter:
		return fmt.Sprintf("#%d Parameter(%q, handle=%d) -> %s", n.id, n.paramName, n.paramHandle, n.shape)
	case opConstant:
		if n.constant.Size() <= 8 {
			return fmt.Sprintf("#%d Constant(%v) -> %s", n.id, n.constant.Value(), n.shape)
		}
		return fmt.Sprintf("#%d Constant -> %s", n.id, n.shape)
	}
	inputIds := make([]int, len(n.inputs))
	for ii, input := range n.inputs {
		inputIds[ii] = input.id
	}
	if len(n.axes) > 0 {
		return fmt.Sprintf("#%d %s(inputs=%v, axes=%v) -> %s", n.id, n.op, inputIds, n.axes, n.shape)
	}
	return fmt.Sprintf("#%d %s(inputs=%v) -> %s", n.id, n.op, inputIds, n.shape)
}

// opType enumerates the operations supported by the interpreter.
type opType int

const (
	opInvalid opType = iota
	opParameter
	opConstant
	opIdentity
	opStopGradient
	opConvertDType

	// Unary.
	opNeg
	opAbs
	opSign
	opExp
	opLog
	opSqrt
	opTanh
	opSigmoid
	opRelu
	opSquare
	opSin
	opCos

	// Binary.
	opAdd
	opSub
	opMul
	opDiv
	opPow
	opMax
	opMin
	opGreaterThan
	opGreaterOrEqual
	opLessThan
	opLessOrEqual
	opEqual

	opWhere
	opReduceSum
	opReduceMax
	opMatMul
	opReshape
	opTranspose
	opBroadcastTo
)

var opNames = map[opType]string{
	opInvalid:        "Invalid",
	opParameter:      "Parameter",
	opConstant:       "Constant",
	opIdentity:       "Identity",
	opStopGradient:   "StopGradient",
	opConvertDType:   "ConvertDType",
	opNeg:            "Neg",
	opAbs:            "Abs",
	opSign:           "Sign",
	opExp:            "Exp",
	opLog:            "Log",
	opSqrt:           "Sqrt",
	opTanh:           "Tanh",
	opSigmoid:        "Sigmoid",
	opRelu:           "Relu",
	opSquare:         "Square",
	opSin:            "Sin",
	opCos:            "Cos",
	opAdd:            "Add",
	opSub:            "Sub",
	opMul:            "Mul",
	opDiv:            "Div",
	opPow:            "Pow",
	opMax:            "Max",
	opMin:            "Min",
	opGreaterThan:    "GreaterThan",
	opGreaterOrEqual: "GreaterOrEqual",
	opLessThan:       "LessThan",
	opLessOrEqual:    "LessOrEqual",
	opEqual:          "Equal",
	opWhere:          "Where",
	opReduceSum:      "ReduceSum",
	opReduceMax:      "ReduceMax",
	opMatMul:         "MatMul",
	opReshape:        "Reshape",
	opTranspose:      "Transpose",
	opBroadcastTo:    "BroadcastTo",
}

func (op opType) String() string {
	if name, found := opNames[op]; found {
		return name
	}
	return fmt.Sprintf("opType(%d)", int(op))
}

func (op opType) isUnary() bool { return op >= opNeg && op <= opCos }

func (op opType) isBinary() bool { return op >= opAdd && op <= opEqual }

func (op opType) isComparison() bool { return op >= opGreaterThan && op <= opEqual }

// requiresFloat returns whether the unary op always produces floating point values, even for integer inputs.
func (op opType) requiresFloat() bool {
	switch op {
	case opExp, opLog, opSqrt, opTanh, opSigmoid, opSin, opCos:
		return true
	}
	return false
}
