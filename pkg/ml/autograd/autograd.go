// Package autograd computes gradients of functions over models, with respect to their variables and inputs.
//
// Functions are given in the form of a graph builder (Fn), and are JIT-compiled with model.Exec: the gradient
// functions returned can be called repeatedly, and are only recompiled for new input shapes.
//
// Example: gradient of a loss with respect to the trainable variables of a network.
//
//	vars := must.M1(base.TrainVars(net, base.Relative))
//	gradFn := must.M1(autograd.Grad(func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
//		return []*graph.Node{net.Loss(inputs[0], inputs[1])}
//	}, vars, autograd.WithReturnValue()))
//	result := must.M1(gradFn.Call(x, y))
//	fmt.Printf("loss=%s, dLoss/dW=%s\n", result.Value, result.Vars["fc.W"])
package autograd

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Fn builds the function to differentiate. The first output is the value differentiated, any other outputs are
// auxiliary values (see WithHasAux).
type Fn func(g *graph.Graph, inputs []*graph.Node) []*graph.Node

type transformKind int

const (
	kindGrad transformKind = iota
	kindVectorGrad
	kindJacobian
)

// Transform is a JIT-compiled gradient (or Jacobian) of a function. Create it with Grad, VectorGrad or Jacobian.
type Transform struct {
	fn          Fn
	kind        transformKind
	keys        []string
	vars        []*model.Variable
	argNums     []int
	hasAux      bool
	returnValue bool
	exec        *model.Exec
}

// Option for Grad, VectorGrad and Jacobian.
type Option func(t *Transform)

// WithArgNums also differentiates with respect to the inputs at the given positions.
func WithArgNums(argNums ...int) Option {
	return func(t *Transform) { t.argNums = append(t.argNums, argNums...) }
}

// WithHasAux allows the function to return auxiliary outputs after the differentiated value. They are returned
// in Result.Aux.
func WithHasAux() Option {
	return func(t *Transform) { t.hasAux = true }
}

// WithReturnValue also returns the value of the function, in Result.Value.
func WithReturnValue() Option {
	return func(t *Transform) { t.returnValue = true }
}

// Result of calling a Transform.
type Result struct {
	// Vars holds the gradients (or Jacobians) with respect to the variables, with the same keys.
	Vars map[string]*tensors.Tensor

	// Args holds the gradients (or Jacobians) with respect to the inputs selected with WithArgNums, in the same order.
	Args []*tensors.Tensor

	// Value of the function, if WithReturnValue was given.
	Value *tensors.Tensor

	// Aux outputs of the function, if WithHasAux was given.
	Aux []*tensors.Tensor
}

// Grad returns the gradient of fn, whose first output must be a float scalar, with respect to the variables in
// wrt (it can be nil), and the inputs selected with WithArgNums.
func Grad(fn Fn, wrt *model.Collector, options ...Option) (*Transform, error) {
	return newTransform(kindGrad, fn, wrt, options)
}

// VectorGrad is like Grad, but the first output of fn can have any shape: the gradient of the sum of its elements
// is returned.
func VectorGrad(fn Fn, wrt *model.Collector, options ...Option) (*Transform, error) {
	return newTransform(kindVectorGrad, fn, wrt, options)
}

// Jacobian returns the Jacobian of the first output of fn with respect to the variables in wrt, and the inputs
// selected with WithArgNums. The Jacobian for a variable (or input) has shape `output.dims + variable.dims`.
//
// It is computed in reverse mode, with one gradient per element of the output.
func Jacobian(fn Fn, wrt *model.Collector, options ...Option) (*Transform, error) {
	return newTransform(kindJacobian, fn, wrt, options)
}

func newTransform(kind transformKind, fn Fn, wrt *model.Collector, options []Option) (*Transform, error) {
	if fn == nil {
		return nil, errors.New("autograd: nil function")
	}
	t := &Transform{fn: fn, kind: kind}
	if wrt != nil {
		t.keys = wrt.Keys()
		t.vars = wrt.Values()
	}
	for _, option := range options {
		option(t)
	}
	if len(t.vars) == 0 && len(t.argNums) == 0 {
		return nil, errors.New("autograd: nothing to differentiate with respect to, provide variables or WithArgNums")
	}
	var err error
	t.exec, err = model.NewExec(t.build)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// build the graph with outputs [value, gradients..., aux...].
// For Jacobians, there is one set of gradients per element of value.
func (t *Transform) build(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
	// Variable nodes must be taken before fn changes the variables.
	wrtNodes := make([]*graph.Node, 0, len(t.vars)+len(t.argNums))
	for _, v := range t.vars {
		wrtNodes = append(wrtNodes, v.ValueGraph(g))
	}
	for _, argNum := range t.argNums {
		if argNum < 0 || argNum >= len(inputs) {
			exceptions.Panicf("autograd: argument number %d out of range, the function was given %d inputs",
				argNum, len(inputs))
		}
		wrtNodes = append(wrtNodes, inputs[argNum])
	}

	outputs := t.fn(g, inputs)
	if len(outputs) == 0 {
		exceptions.Panicf("autograd: function returned no outputs")
	}
	if len(outputs) > 1 && !t.hasAux {
		exceptions.Panicf("autograd: function returned %d outputs, use WithHasAux to return auxiliary values",
			len(outputs))
	}
	value, aux := outputs[0], outputs[1:]
	results := []*graph.Node{value}
	switch t.kind {
	case kindGrad:
		if !value.IsScalar() {
			exceptions.Panicf("autograd: Grad requires a scalar value, got shape %s -- use VectorGrad or Jacobian",
				value.Shape())
		}
		results = append(results, graph.Gradient(value, wrtNodes...)...)
	case kindVectorGrad:
		results = append(results, graph.Gradient(graph.ReduceAllSum(value), wrtNodes...)...)
	case kindJacobian:
		size := value.Shape().Size()
		flatValue := graph.Reshape(value, size)
		for ii := range size {
			oneHot := make([]float64, size)
			oneHot[ii] = 1
			mask := graph.Const(g, tensors.FromFloat64s(value.DType(), oneHot, size))
			element := graph.ReduceAllSum(graph.Mul(flatValue, mask))
			results = append(results, graph.Gradient(element, wrtNodes...)...)
		}
	}
	return append(results, aux...)
}

// Call computes the gradients for the given inputs.
func (t *Transform) Call(inputs ...any) (*Result, error) {
	outputs, err := t.exec.Exec(inputs...)
	if err != nil {
		return nil, err
	}
	value := outputs[0]
	numWrt := len(t.vars) + len(t.argNums)
	numGrads := numWrt
	if t.kind == kindJacobian {
		numGrads *= value.Size()
	}
	if len(outputs) < 1+numGrads {
		return nil, errors.Errorf("autograd: expected at least %d outputs, got %d", 1+numGrads, len(outputs))
	}
	grads := outputs[1 : 1+numGrads]
	wrtGrads := grads
	if t.kind == kindJacobian {
		wrtGrads = assembleJacobians(value.Shape(), numWrt, grads)
	}
	result := &Result{Vars: make(map[string]*tensors.Tensor, len(t.vars))}
	for ii, key := range t.keys {
		result.Vars[key] = wrtGrads[ii]
	}
	result.Args = wrtGrads[len(t.vars):]
	if t.returnValue {
		result.Value = value
	}
	if t.hasAux {
		result.Aux = outputs[1+numGrads:]
	}
	return result, nil
}

// MustCall is like Call, but panics on error.
func (t *Transform) MustCall(inputs ...any) *Result {
	return must.M1(t.Call(inputs...))
}

// Finalize releases the compiled graphs.
func (t *Transform) Finalize() {
	t.exec.Finalize()
}

// assembleJacobians builds one Jacobian per differentiated value, from the per-output-element gradients
// (ordered by output element, then by differentiated value).
func assembleJacobians(valueShape shapes.Shape, numWrt int, grads []*tensors.Tensor) []*tensors.Tensor {
	size := valueShape.Size()
	jacobians := make([]*tensors.Tensor, numWrt)
	for wrtIdx := range numWrt {
		wrtShape := grads[wrtIdx].Shape()
		flat := make([]float64, 0, size*wrtShape.Size())
		for elementIdx := range size {
			flat = append(flat, grads[elementIdx*numWrt+wrtIdx].FlatRef()...)
		}
		dims := append(append([]int{}, valueShape.Dimensions...), wrtShape.Dimensions...)
		jacobians[wrtIdx] = tensors.FromFloat64s(wrtShape.DType, flat, dims...)
	}
	return jacobians
}
