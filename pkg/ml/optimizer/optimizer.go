// Package optimizer implements gradient descent optimizers: SGD, Momentum and Adam.
//
// Optimizers are model nodes (they embed base.Base): their state (learning rate, step counter, moments) is held
// in variables, and can be saved and loaded with base.SaveStates / base.LoadStates along with the model.
//
// Typical training step, with gradients computed by package autograd:
//
//	trainVars := must.M1(base.TrainVars(net, base.Relative))
//	opt := must.M1(optimizer.NewAdam(trainVars).LearningRate(1e-3).Done())
//	gradFn := must.M1(autograd.Grad(lossFn, trainVars))
//	for range numSteps {
//		result := must.M1(gradFn.Call(x, y))
//		must.M(opt.Update(result.Vars))
//	}
package optimizer

import (
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Interface implemented by optimizers.
type Interface interface {
	base.Node

	// Update the trainable variables with one step, given their gradients keyed as the variables the optimizer
	// was created with (e.g.: autograd.Result.Vars).
	Update(grads map[string]*tensors.Tensor) error

	// TrainVars returns the variables updated by the optimizer.
	TrainVars() *model.Collector

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate changes the learning rate used in the following steps.
	SetLearningRate(lr float64) error
}

// ruleFn creates the graph of the update of one variable, given its key, value and gradient, and returns the
// new value. It can update the optimizer's own state variables.
type ruleFn func(g *Graph, lr, step *Node, key string, value, grad *Node) *Node

// core implements the state and JIT-compiled update shared by all optimizers.
type core struct {
	base.Base

	// LR is the learning rate, a scalar parameter.
	LR *model.Variable

	// Step counts the number of updates applied.
	Step *model.Variable

	trainVars *model.Collector
	exec      *model.Exec
}

func (c *core) setup(obj base.Node, lr float64, trainVars *model.Collector, rule ruleFn) error {
	if trainVars == nil || trainVars.Len() == 0 {
		return errors.New("optimizer requires at least one variable to train")
	}
	for key, v := range trainVars.All() {
		if !v.Shape().DType.IsFloat() {
			return errors.Errorf("optimizer can only train float variables, %q is %s", key, v.Shape())
		}
	}
	var err error
	if c.LR, err = model.NewParameter("lr", lr); err != nil {
		return err
	}
	if c.Step, err = model.NewVariable("step", int64(0)); err != nil {
		return err
	}
	c.trainVars = trainVars
	keys, vars := trainVars.Keys(), trainVars.Values()
	c.exec, err = model.NewExec(func(g *Graph, grads []*Node) []*Node {
		step := AddScalar(c.Step.ValueGraph(g), 1)
		c.Step.SetValueGraph(step)
		lr := c.LR.ValueGraph(g)
		for ii, v := range vars {
			value := v.ValueGraph(g)
			grad := ConvertDType(grads[ii], value.DType())
			v.SetValueGraph(rule(g, lr, ConvertDType(step, dtypes.Float64), keys[ii], value, grad))
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.exec.SetName("optimizer_update")
	return base.Init(obj, "")
}

// Update implements Interface.
func (c *core) Update(grads map[string]*tensors.Tensor) error {
	inputs := make([]any, 0, c.trainVars.Len())
	for key, v := range c.trainVars.All() {
		grad, found := grads[key]
		if !found {
			return errors.Errorf("optimizer %q: missing gradient for variable %q", c.Name(), key)
		}
		if !grad.Shape().EqualDimensions(v.Shape()) {
			return errors.Errorf("optimizer %q: gradient for %q has shape %s, but the variable is %s",
				c.Name(), key, grad.Shape(), v.Shape())
		}
		inputs = append(inputs, grad)
	}
	if len(grads) != len(inputs) {
		for key := range grads {
			if _, found := c.trainVars.Get(key); !found {
				klog.V(1).Infof("optimizer %q: ignoring gradient for unknown variable %q", c.Name(), key)
			}
		}
	}
	_, err := c.exec.Exec(inputs...)
	return err
}

// TrainVars implements Interface.
func (c *core) TrainVars() *model.Collector { return c.trainVars }

// LearningRate implements Interface.
func (c *core) LearningRate() float64 { return c.LR.Value().At() }

// SetLearningRate implements Interface.
func (c *core) SetLearningRate(lr float64) error {
	return c.LR.SetValue(tensors.FromScalar(lr))
}

// NumSteps returns the number of updates applied so far.
func (c *core) NumSteps() int64 {
	return tensors.ToScalar[int64](c.Step.Value())
}

// newSlots creates one state variable per trainable variable, initialized with zeros.
func newSlots(name string, trainVars *model.Collector) (map[string]*model.Variable, error) {
	slots := make(map[string]*model.Variable, trainVars.Len())
	for key, v := range trainVars.All() {
		slot, err := model.NewVariable(v.Name()+"_"+name, tensors.Zeros(v.Shape()))
		if err != nil {
			return nil, err
		}
		slots[key] = slot
	}
	return slots, nil
}
