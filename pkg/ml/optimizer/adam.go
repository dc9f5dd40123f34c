package optimizer

import (
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// Adam optimizer [1], with bias correction folded into the learning rate:
//
//	m = beta1 * m + (1 - beta1) * grad
//	v = beta2 * v + (1 - beta2) * grad^2
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	param -= lr_t * m / (sqrt(v) + epsilon)
//
// [1] https://arxiv.org/abs/1412.6980, Kingma & Ba, 2014
type Adam struct {
	core

	// Beta1, Beta2 and Epsilon are scalar parameters.
	Beta1, Beta2, Epsilon *model.Variable

	// M and V are the first and second moments per trained variable, keyed as the variables.
	M, V map[string]*model.Variable
}

var _ Interface = (*Adam)(nil)

// AdamConfig configures an Adam optimizer. Create it with NewAdam and build the optimizer with Done.
type AdamConfig struct {
	trainVars                 *model.Collector
	lr, beta1, beta2, epsilon float64
}

// NewAdam starts the configuration of an Adam optimizer for the given variables.
// Defaults: learning rate 0.001, beta1 0.9, beta2 0.999 and epsilon 1e-8.
func NewAdam(trainVars *model.Collector) *AdamConfig {
	return &AdamConfig{trainVars: trainVars, lr: 0.001, beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
}

// LearningRate sets the initial learning rate.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.lr = lr
	return c
}

// Betas sets the exponential decay rates of the first and second moments.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the small value added to the denominator for numerical stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done creates the Adam optimizer.
func (c *AdamConfig) Done() (*Adam, error) {
	if c.lr <= 0 || c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 || c.epsilon <= 0 {
		return nil, errors.Errorf("invalid Adam configuration: lr=%g, beta1=%g, beta2=%g, epsilon=%g",
			c.lr, c.beta1, c.beta2, c.epsilon)
	}
	if c.trainVars == nil {
		return nil, errors.New("optimizer requires at least one variable to train")
	}
	opt := &Adam{}
	var err error
	for _, param := range []struct {
		v     **model.Variable
		name  string
		value float64
	}{{&opt.Beta1, "beta1", c.beta1}, {&opt.Beta2, "beta2", c.beta2}, {&opt.Epsilon, "epsilon", c.epsilon}} {
		if *param.v, err = model.NewParameter(param.name, param.value); err != nil {
			return nil, err
		}
	}
	if opt.M, err = newSlots("m", c.trainVars); err != nil {
		return nil, err
	}
	if opt.V, err = newSlots("v", c.trainVars); err != nil {
		return nil, err
	}
	err = opt.setup(opt, c.lr, c.trainVars, func(g *Graph, lr, step *Node, key string, value, grad *Node) *Node {
		beta1, beta2 := opt.Beta1.ValueGraph(g), opt.Beta2.ValueGraph(g)
		mVar, vVar := opt.M[key], opt.V[key]
		m := Add(Mul(beta1, mVar.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		v := Add(Mul(beta2, vVar.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
		mVar.SetValueGraph(m)
		vVar.SetValueGraph(v)
		lrT := Div(Mul(lr, Sqrt(OneMinus(Pow(beta2, step)))), OneMinus(Pow(beta1, step)))
		update := Div(m, Add(Sqrt(v), opt.Epsilon.ValueGraph(g)))
		return Sub(value, ConvertDType(Mul(lrT, update), value.DType()))
	})
	if err != nil {
		return nil, err
	}
	return opt, nil
}
