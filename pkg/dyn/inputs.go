package dyn

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// InputType defines how the value of an Input is obtained at each time step.
type InputType int

const (
	// InputFix applies the same value at every step.
	InputFix InputType = iota

	// InputIter applies, at the i-th step of a run, the i-th element (along the first axis) of the value.
	InputIter

	// InputFunc calls the value, an InputFn, at each step.
	InputFunc
)

var inputTypeNames = map[InputType]string{InputFix: "fix", InputIter: "iter", InputFunc: "func"}

// String implements fmt.Stringer.
func (t InputType) String() string {
	if name, found := inputTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("InputType(%d)", int(t))
}

// InputFn returns the value of an input at time t. The returned value can be a *tensors.Tensor, a Go scalar
// or a multi-dimensional slice.
type InputFn func(t, dt float64) any

// Input is an external input applied to a variable of the simulated system before each time step.
type Input struct {
	// Target is the variable to apply the input to, "<node>.<variable>". The node is first looked up by its
	// unique name, and then by its path from the simulated system. A variable of the simulated system itself
	// is given by its bare field name.
	Target string

	// Value of the input, interpreted according to Type. It must broadcast to the shape of the target.
	Value any

	// Type of the input, InputFix by default.
	Type InputType

	// Op is the operation used to combine the target with the value: one of "+", "-", "*", "/" or "=".
	// Default is "+".
	Op string
}

var inputOps = []string{"+", "-", "*", "/", "="}

// formattedInput is an Input resolved against a simulated system.
type formattedInput struct {
	target string
	v      *model.Variable
	typ    InputType
	op     string

	// value is the InputFix value, or the full InputIter sequence.
	value *tensors.Tensor
	fn    InputFn
}

// resolveVariable finds the variable key of host: the key is split at its last "." into node and variable
// field. The node is looked up by its unique name, then by its relative path. If that fails, the key is
// looked up as a full relative path from host.
func resolveVariable(host System, key string) (*model.Variable, error) {
	nodeKey, field := "", key
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		nodeKey, field = key[:idx], key[idx+1:]
	}
	var node base.Node
	if nodeKey == "" {
		node = host
	} else {
		absolute, err := base.Nodes(host, base.Absolute)
		if err != nil {
			return nil, err
		}
		node, _ = absolute.Get(nodeKey)
		if node == nil {
			relative, err := base.Nodes(host, base.Relative)
			if err != nil {
				return nil, err
			}
			node, _ = relative.Get(nodeKey)
		}
	}
	if node != nil {
		vars, err := base.Vars(node, base.Relative)
		if err != nil {
			return nil, err
		}
		if v, found := vars.Get(field); found {
			return v, nil
		}
	}
	vars, err := base.Vars(host, base.Relative)
	if err != nil {
		return nil, err
	}
	if v, found := vars.Get(key); found {
		return v, nil
	}
	if node == nil {
		return nil, errors.Errorf("cannot find target node %q of %q in system %q", nodeKey, key, host.BaseNode().Name())
	}
	return nil, errors.Errorf("node %q of system %q has no variable %q", nodeKey, host.BaseNode().Name(), field)
}

// checkBroadcast returns an error if a value shaped from can't be broadcast to the variable shape.
func checkBroadcast(from shapes.Shape, v *model.Variable) error {
	broadcast, err := shapes.Broadcast(from, v.Shape())
	if err != nil || !broadcast.EqualDimensions(v.Shape()) {
		return errors.Errorf("value shaped %s cannot be broadcast to variable %s", from, v)
	}
	return nil
}

// formatInputs resolves and validates the inputs.
func formatInputs(host System, inputs []Input) ([]*formattedInput, error) {
	formatted := make([]*formattedInput, 0, len(inputs))
	for _, in := range inputs {
		v, err := resolveVariable(host, in.Target)
		if err != nil {
			return nil, errors.WithMessagef(err, "input for %q", in.Target)
		}
		fi := &formattedInput{target: in.Target, v: v, typ: in.Type, op: in.Op}
		if fi.op == "" {
			fi.op = "+"
		}
		if !slices.Contains(inputOps, fi.op) {
			return nil, errors.Errorf("input for %q: unknown operation %q, valid operations are %q",
				in.Target, in.Op, inputOps)
		}
		switch in.Type {
		case InputFix:
			if fi.value, err = tensors.FromValueSafe(in.Value); err != nil {
				return nil, errors.WithMessagef(err, "input for %q", in.Target)
			}
			if err = checkBroadcast(fi.value.Shape(), v); err != nil {
				return nil, errors.WithMessagef(err, "input for %q", in.Target)
			}
		case InputIter:
			if fi.value, err = tensors.FromValueSafe(in.Value); err != nil {
				return nil, errors.WithMessagef(err, "input for %q", in.Target)
			}
			if fi.value.Rank() == 0 {
				return nil, errors.Errorf("input for %q is of type %q, but its value is a scalar", in.Target, in.Type)
			}
			step := shapes.Make(fi.value.DType(), fi.value.Shape().Dimensions[1:]...)
			if err = checkBroadcast(step, v); err != nil {
				return nil, errors.WithMessagef(err, "input for %q", in.Target)
			}
		case InputFunc:
			switch fn := in.Value.(type) {
			case InputFn:
				fi.fn = fn
			case func(t, dt float64) any:
				fi.fn = fn
			default:
				return nil, errors.Errorf("input for %q is of type %q, but its value is a %T, not a "+
					"func(t, dt float64) any", in.Target, in.Type, in.Value)
			}
		default:
			return nil, errors.Errorf("input for %q has unknown type %s", in.Target, in.Type)
		}
		formatted = append(formatted, fi)
	}
	return formatted, nil
}

// iterLen returns the number of steps available for an InputIter input.
func (fi *formattedInput) iterLen() int {
	return fi.value.Shape().Dim(0)
}

// stepValue returns the value of an InputIter or InputFunc input for the step-th step of the run, at time t.
func (fi *formattedInput) stepValue(step int, t, dt float64) (*tensors.Tensor, error) {
	switch fi.typ {
	case InputIter:
		dims := fi.value.Shape().Dimensions[1:]
		size := shapes.SizeOf(dims...)
		return tensors.FromFloat64s(fi.value.DType(), fi.value.FlatRef()[step*size:(step+1)*size], dims...), nil
	case InputFunc:
		value, err := tensors.FromValueSafe(fi.fn(t, dt))
		if err != nil {
			return nil, errors.WithMessagef(err, "input function for %q at t=%g", fi.target, t)
		}
		if err = checkBroadcast(value.Shape(), fi.v); err != nil {
			return nil, errors.WithMessagef(err, "input function for %q at t=%g", fi.target, t)
		}
		return value, nil
	}
	return nil, errors.Errorf("input for %q of type %s has no per-step value", fi.target, fi.typ)
}

// apply builds the application of the value to the target variable.
func (fi *formattedInput) apply(value *Node) {
	g := value.Graph()
	current := fi.v.ValueGraph(g)
	value = ConvertDType(value, current.DType())
	var updated *Node
	switch fi.op {
	case "+":
		updated = Add(current, value)
	case "-":
		updated = Sub(current, value)
	case "*":
		updated = Mul(current, value)
	case "/":
		updated = Div(current, value)
	case "=":
		updated = value
	default:
		exceptions.Panicf("unknown input operation %q for %q", fi.op, fi.target)
	}
	fi.v.SetValueGraph(BroadcastToShape(updated, current.Shape()))
}
