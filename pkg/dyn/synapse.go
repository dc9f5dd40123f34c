package dyn

import (
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// ExpSyn is a current-based synapse with exponential decay, connecting all neurons of Pre to all neurons
// of Post with the weights W: the current G decays with dG/dt = -G/tau, and each spike of Pre increments it
// by the corresponding row of W.
//
// At every step G is added to Post.Input. List it before Post in a Network for the current to be consumed
// in the same step.
type ExpSyn struct {
	DynamicalSystem

	Pre, Post *LIF

	Tau float64

	// W is shaped [Pre.Num, Post.Num].
	W *model.Variable

	// G is the synaptic current, shaped [Post.Num].
	G *model.Variable
}

// ExpSynConfig configures an ExpSyn. Create it with NewExpSyn, and build it with Done.
type ExpSynConfig struct {
	name      string
	pre, post *LIF
	tau       float64
	wInit     initializer.Initializer
}

// NewExpSyn starts the configuration of a synapse from pre to post.
//
// Defaults: Tau=5 and all weights set to 1.
func NewExpSyn(pre, post *LIF) *ExpSynConfig {
	return &ExpSynConfig{pre: pre, post: post, tau: 5, wInit: initializer.One(1)}
}

// Name of the synapse. If not set, a unique name is generated.
func (c *ExpSynConfig) Name(name string) *ExpSynConfig {
	c.name = name
	return c
}

// Tau sets the decay time constant of the synaptic current.
func (c *ExpSynConfig) Tau(tau float64) *ExpSynConfig {
	c.tau = tau
	return c
}

// Weights sets the initializer of the weights matrix.
func (c *ExpSynConfig) Weights(init initializer.Initializer) *ExpSynConfig {
	c.wInit = init
	return c
}

// Done creates the synapse.
func (c *ExpSynConfig) Done() (*ExpSyn, error) {
	if c.pre == nil || c.post == nil {
		return nil, errors.New("ExpSyn requires both pre- and post-synaptic groups")
	}
	if c.tau <= 0 {
		return nil, errors.Errorf("ExpSyn requires a positive time constant tau, got %g", c.tau)
	}
	dtype := c.post.V.Shape().DType
	syn := &ExpSyn{Pre: c.pre, Post: c.post, Tau: c.tau}
	var err error
	syn.W, err = initializer.NewVariable(model.KindTrainVar, "W", c.wInit, shapes.Make(dtype, c.pre.Num, c.post.Num))
	if err != nil {
		return nil, err
	}
	syn.G, err = initializer.NewVariable(model.KindVariable, "g", initializer.Zero, shapes.Make(dtype, c.post.Num))
	if err != nil {
		return nil, err
	}
	if err = syn.AddStep("update", syn.update); err != nil {
		return nil, err
	}
	if err = Init(syn, c.name); err != nil {
		return nil, err
	}
	return syn, nil
}

func (syn *ExpSyn) update(_, dt *Node) {
	g := dt.Graph()
	current := syn.G.ValueGraph(g)
	dtype := current.DType()
	dt = ConvertDType(dt, dtype)
	w := syn.W.ValueGraph(g)
	spikes := ConvertDType(syn.Pre.Spike.ValueGraph(g), dtype)
	decay := Mul(Div(current, Scalar(g, dtype, syn.Tau)), dt)
	current = Add(Sub(current, decay), MatMul(spikes, w))
	syn.G.SetValueGraph(current)
	syn.Post.Input.SetValueGraph(Add(syn.Post.Input.ValueGraph(g), current))
}
