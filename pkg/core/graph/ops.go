// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
)

// Const creates a constant node from a Go value (scalar or multi-dimensional slice) or a *tensors.Tensor.
func Const(g *Graph, value any) *Node {
	g.AssertBuilding()
	t, err := tensors.FromValueSafe(value)
	if err != nil {
		panic(err)
	}
	node := &Node{
		op:       opConstant,
		shape:    t.Shape().Clone(),
		constant: t.Clone(),
	}
	g.registerNode(node)
	return node
}

// Scalar returns a scalar constant of the given dtype.
func Scalar(g *Graph, dtype dtypes.DType, value float64) *Node {
	g.AssertBuilding()
	node := &Node{
		op:       opConstant,
		shape:    shapes.Scalar(dtype),
		constant: tensors.Full(shapes.Scalar(dtype), value),
	}
	g.registerNode(node)
	return node
}

// Fill returns a constant of the given shape with all elements set to value.
func Fill(g *Graph, shape shapes.Shape, value float64) *Node {
	g.AssertBuilding()
	node := &Node{
		op:       opConstant,
		shape:    shape.Clone(),
		constant: tensors.Full(shape, value),
	}
	g.registerNode(node)
	return node
}

// ZerosLike returns a constant of zeros with the same shape as x.
func ZerosLike(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Fill(g, x.shape, 0)
}

// OnesLike returns a constant of ones with the same shape as x.
func OnesLike(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return Fill(g, x.shape, 1)
}

func newOpNode(g *Graph, op opType, shape shapes.Shape, inputs ...*Node) *Node {
	node := &Node{op: op, shape: shape, inputs: inputs}
	g.registerNode(node)
	return node
}

// Identity returns a new node with the same value as x.
func Identity(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return newOpNode(g, opIdentity, x.shape.Clone(), x)
}

// StopGradient returns x unchanged, but gradients don't propagate through it.
func StopGradient(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	return newOpNode(g, opStopGradient, x.shape.Clone(), x)
}

// ConvertDType converts x to the given dtype. It's a no-op if x already has the dtype.
func ConvertDType(x *Node, dtype dtypes.DType) *Node {
	g := validateBuildingGraphFromInputs(x)
	if !dtype.IsSupported() {
		exceptions.Panicf("ConvertDType(%s): unsupported dtype", dtype)
	}
	if x.DType() == dtype {
		return x
	}
	return newOpNode(g, opConvertDType, shapes.Make(dtype, x.shape.Dimensions...), x)
}

func unaryOp(op opType, x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	shape := x.shape.Clone()
	if op.requiresFloat() && !shape.DType.IsFloat() {
		shape.DType = dtypes.DefaultFloat
	}
	return newOpNode(g, op, shape, x)
}

// Neg returns -x.
func Neg(x *Node) *Node { return unaryOp(opNeg, x) }

// Abs returns |x|.
func Abs(x *Node) *Node { return unaryOp(opAbs, x) }

// Sign returns -1, 0 or 1 depending on the sign of x.
func Sign(x *Node) *Node { return unaryOp(opSign, x) }

// Exp returns e^x.
func Exp(x *Node) *Node { return unaryOp(opExp, x) }

// Log returns the natural logarithm of x.
func Log(x *Node) *Node { return unaryOp(opLog, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Node) *Node { return unaryOp(opSqrt, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return unaryOp(opTanh, x) }

// Sigmoid returns 1/(1+e^-x).
func Sigmoid(x *Node) *Node { return unaryOp(opSigmoid, x) }

// Relu returns max(x, 0).
func Relu(x *Node) *Node { return unaryOp(opRelu, x) }

// Square returns x*x.
func Square(x *Node) *Node { return unaryOp(opSquare, x) }

// Sin returns the sine of x.
func Sin(x *Node) *Node { return unaryOp(opSin, x) }

// Cos returns the cosine of x.
func Cos(x *Node) *Node { return unaryOp(opCos, x) }

func binaryOp(op opType, lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	shape, err := shapes.Broadcast(lhs.shape, rhs.shape)
	if err != nil {
		exceptions.Panicf("%s(%s, %s): %v", op, lhs.shape, rhs.shape, err)
	}
	if op.isComparison() {
		shape.DType = dtypes.Int32
	}
	return newOpNode(g, op, shape, lhs, rhs)
}

// Add returns lhs+rhs, with broadcasting.
func Add(lhs, rhs *Node) *Node { return binaryOp(opAdd, lhs, rhs) }

// Sub returns lhs-rhs, with broadcasting.
func Sub(lhs, rhs *Node) *Node { return binaryOp(opSub, lhs, rhs) }

// Mul returns lhs*rhs, with broadcasting.
func Mul(lhs, rhs *Node) *Node { return binaryOp(opMul, lhs, rhs) }

// Div returns lhs/rhs, with broadcasting. For integer dtypes the result is truncated.
func Div(lhs, rhs *Node) *Node { return binaryOp(opDiv, lhs, rhs) }

// Pow returns lhs^rhs, with broadcasting.
func Pow(lhs, rhs *Node) *Node { return binaryOp(opPow, lhs, rhs) }

// Max returns the element-wise maximum, with broadcasting.
func Max(lhs, rhs *Node) *Node { return binaryOp(opMax, lhs, rhs) }

// Min returns the element-wise minimum, with broadcasting.
func Min(lhs, rhs *Node) *Node { return binaryOp(opMin, lhs, rhs) }

// GreaterThan returns 1 where lhs > rhs, 0 otherwise, as Int32.
func GreaterThan(lhs, rhs *Node) *Node { return binaryOp(opGreaterThan, lhs, rhs) }

// GreaterOrEqual returns 1 where lhs >= rhs, 0 otherwise, as Int32.
func GreaterOrEqual(lhs, rhs *Node) *Node { return binaryOp(opGreaterOrEqual, lhs, rhs) }

// LessThan returns 1 where lhs < rhs, 0 otherwise, as Int32.
func LessThan(lhs, rhs *Node) *Node { return binaryOp(opLessThan, lhs, rhs) }

// LessOrEqual returns 1 where lhs <= rhs, 0 otherwise, as Int32.
func LessOrEqual(lhs, rhs *Node) *Node { return binaryOp(opLessOrEqual, lhs, rhs) }

// Equal returns 1 where lhs == rhs, 0 otherwise, as Int32.
func Equal(lhs, rhs *Node) *Node { return binaryOp(opEqual, lhs, rhs) }

// AddScalar returns x + value, keeping x's dtype.
func AddScalar(x *Node, value float64) *Node {
	return Add(x, Scalar(x.graph, x.DType(), value))
}

// MulScalar returns x * value, keeping x's dtype.
func MulScalar(x *Node, value float64) *Node {
	return Mul(x, Scalar(x.graph, x.DType(), value))
}

// Where selects onTrue where cond is non-zero, and onFalse elsewhere. All three are broadcast together,
// and the output dtype is the promotion of onTrue and onFalse dtypes.
func Where(cond, onTrue, onFalse *Node) *Node {
	g := validateBuildingGraphFromInputs(cond, onTrue, onFalse)
	values, err := shapes.Broadcast(onTrue.shape, onFalse.shape)
	if err != nil {
		exceptions.Panicf("Where(): %v", err)
	}
	shape, err := shapes.Broadcast(values, cond.shape)
	if err != nil {
		exceptions.Panicf("Where(): %v", err)
	}
	shape.DType = values.DType
	return newOpNode(g, opWhere, shape, cond, onTrue, onFalse)
}

// normalizeAxes converts negative axes, checks ranges, and returns them sorted and unique.
// If no axes are given, all axes are returned.
func normalizeAxes(rank int, axes []int) []int {
	if len(axes) == 0 {
		all := make([]int, rank)
		for ii := range all {
			all[ii] = ii
		}
		return all
	}
	out := make([]int, 0, len(axes))
	for _, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += rank
		}
		if adjusted < 0 || adjusted >= rank {
			exceptions.Panicf("axis %d out of range for rank %d", axis, rank)
		}
		out = append(out, adjusted)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func reduceOp(op opType, x *Node, axes []int) *Node {
	g := validateBuildingGraphFromInputs(x)
	axes = normalizeAxes(x.Rank(), axes)
	dims := make([]int, 0, x.Rank()-len(axes))
	for axis, dim := range x.shape.Dimensions {
		if !slices.Contains(axes, axis) {
			dims = append(dims, dim)
		}
	}
	node := newOpNode(g, op, shapes.Make(x.DType(), dims...), x)
	node.axes = axes
	return node
}

// ReduceSum sums x over the given axes. If no axes are given, it reduces over all axes, returning a scalar.
func ReduceSum(x *Node, axes ...int) *Node { return reduceOp(opReduceSum, x, axes) }

// ReduceAllSum sums all elements of x.
func ReduceAllSum(x *Node) *Node { return ReduceSum(x) }

// ReduceMax takes the maximum of x over the given axes. If no axes are given, it reduces over all axes.
func ReduceMax(x *Node, axes ...int) *Node { return reduceOp(opReduceMax, x, axes) }

// ReduceMean takes the mean of x over the given axes. If no axes are given, it reduces over all axes.
func ReduceMean(x *Node, axes ...int) *Node {
	sum := ReduceSum(x, axes...)
	count := x.shape.Size() / max(sum.shape.Size(), 1)
	if count == 0 {
		return sum
	}
	dtype := sum.DType()
	if !dtype.IsFloat() {
		sum = ConvertDType(sum, dtypes.DefaultFloat)
	}
	return MulScalar(sum, 1.0/float64(count))
}

// MatMul multiplies lhs and rhs, each of rank 1 or 2: vector-vector returns a scalar (dot product),
// matrix-vector returns a vector, vector-matrix returns a vector and matrix-matrix returns a matrix.
func MatMul(lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(lhs, rhs)
	if lhs.Rank() < 1 || lhs.Rank() > 2 || rhs.Rank() < 1 || rhs.Rank() > 2 {
		exceptions.Panicf("MatMul only accepts operands of rank 1 or 2, got %s and %s", lhs.shape, rhs.shape)
	}
	contractLhs := lhs.shape.Dim(-1)
	contractRhs := rhs.shape.Dim(0)
	if contractLhs != contractRhs {
		exceptions.Panicf("MatMul(%s, %s): contracting dimensions don't match (%d != %d)",
			lhs.shape, rhs.shape, contractLhs, contractRhs)
	}
	var dims []int
	if lhs.Rank() == 2 {
		dims = append(dims, lhs.shape.Dimensions[0])
	}
	if rhs.Rank() == 2 {
		dims = append(dims, rhs.shape.Dimensions[1])
	}
	return newOpNode(g, opMatMul, shapes.Make(dtypes.Promote(lhs.DType(), rhs.DType()), dims...), lhs, rhs)
}

// Reshape x to the given dimensions. One dimension can be -1, in which case it is inferred.
func Reshape(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	dims := slices.Clone(dimensions)
	inferred := -1
	known := 1
	for ii, dim := range dims {
		if dim == -1 {
			if inferred >= 0 {
				exceptions.Panicf("Reshape(%s, %v): only one dimension can be -1", x.shape, dimensions)
			}
			inferred = ii
			continue
		}
		known *= dim
	}
	if inferred >= 0 {
		if known == 0 || x.shape.Size()%known != 0 {
			exceptions.Panicf("Reshape(%s, %v): cannot infer dimension", x.shape, dimensions)
		}
		dims[inferred] = x.shape.Size() / known
	}
	shape := shapes.Make(x.DType(), dims...)
	if shape.Size() != x.shape.Size() {
		exceptions.Panicf("Reshape(%s, %v): sizes don't match", x.shape, dimensions)
	}
	if shape.Equal(x.shape) {
		return x
	}
	return newOpNode(g, opReshape, shape, x)
}

// Transpose swaps the two axes of a matrix. Scalars and vectors are returned unchanged.
func Transpose(x *Node) *Node {
	g := validateBuildingGraphFromInputs(x)
	switch x.Rank() {
	case 0, 1:
		return x
	case 2:
		return newOpNode(g, opTranspose, shapes.Make(x.DType(), x.shape.Dimensions[1], x.shape.Dimensions[0]), x)
	}
	exceptions.Panicf("Transpose only supports rank <= 2, got %s", x.shape)
	return nil
}

// BroadcastToDims broadcasts x to the given dimensions, following the usual rules: dimensions are aligned to
// the right, and axes of dimension 1 (or missing) are repeated.
func BroadcastToDims(x *Node, dimensions ...int) *Node {
	g := validateBuildingGraphFromInputs(x)
	target := shapes.Make(x.DType(), dimensions...)
	broadcast, err := shapes.Broadcast(x.shape, target)
	if err != nil || !broadcast.EqualDimensions(target) {
		exceptions.Panicf("cannot broadcast %s to dimensions %v", x.shape, dimensions)
	}
	if target.Equal(x.shape) {
		return x
	}
	return newOpNode(g, opBroadcastTo, target, x)
}

// BroadcastToShape broadcasts x to the dimensions of shape. The dtype of x is preserved.
func BroadcastToShape(x *Node, shape shapes.Shape) *Node {
	return BroadcastToDims(x, shape.Dimensions...)
}

// OneMinus returns 1-x.
func OneMinus(x *Node) *Node {
	return Sub(Scalar(x.graph, x.DType(), 1), x)
}

// Softplus returns log(1+e^x), computed in a numerically stable way.
func Softplus(x *Node) *Node {
	return Add(Relu(x), Log(AddScalar(Exp(Neg(Abs(x))), 1)))
}

// Clip returns x clipped to the range [lower, upper].
func Clip(x *Node, lower, upper float64) *Node {
	return Min(Max(x, Scalar(x.graph, x.DType(), lower)), Scalar(x.graph, x.DType(), upper))
}

// L2NormSquare returns the sum of the squares of all elements of x.
func L2NormSquare(x *Node) *Node {
	return ReduceSum(Square(x))
}
