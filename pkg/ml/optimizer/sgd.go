package optimizer

import (
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// SGD is the plain stochastic gradient descent: `param -= lr * grad`.
type SGD struct {
	core
}

var _ Interface = (*SGD)(nil)

// NewSGD creates a SGD optimizer for the given variables.
func NewSGD(lr float64, trainVars *model.Collector) (*SGD, error) {
	if lr <= 0 {
		return nil, errors.Errorf("SGD requires a positive learning rate, got %g", lr)
	}
	opt := &SGD{}
	err := opt.setup(opt, lr, trainVars, func(_ *Graph, lr, _ *Node, _ string, value, grad *Node) *Node {
		return Sub(value, Mul(lr, grad))
	})
	if err != nil {
		return nil, err
	}
	return opt, nil
}

// Momentum is SGD with momentum:
//
//	velocity = momentum * velocity - lr * grad
//	param += velocity
type Momentum struct {
	core

	// Momentum coefficient, a scalar parameter.
	Momentum *model.Variable

	// Velocity per trained variable, keyed as the variables.
	Velocity map[string]*model.Variable
}

var _ Interface = (*Momentum)(nil)

// NewMomentum creates a Momentum optimizer for the given variables. A typical momentum is 0.9.
func NewMomentum(lr, momentum float64, trainVars *model.Collector) (*Momentum, error) {
	if lr <= 0 || momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("Momentum requires a positive learning rate and momentum in [0, 1), "+
			"got %g and %g", lr, momentum)
	}
	if trainVars == nil {
		return nil, errors.New("optimizer requires at least one variable to train")
	}
	opt := &Momentum{}
	var err error
	if opt.Momentum, err = model.NewParameter("momentum", momentum); err != nil {
		return nil, err
	}
	if opt.Velocity, err = newSlots("v", trainVars); err != nil {
		return nil, err
	}
	err = opt.setup(opt, lr, trainVars, func(g *Graph, lr, _ *Node, key string, value, grad *Node) *Node {
		velocityVar := opt.Velocity[key]
		velocity := Sub(Mul(opt.Momentum.ValueGraph(g), velocityVar.ValueGraph(g)), Mul(lr, grad))
		velocityVar.SetValueGraph(velocity)
		return Add(value, velocity)
	})
	if err != nil {
		return nil, err
	}
	return opt, nil
}
