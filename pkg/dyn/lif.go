package dyn

import (
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// LIF is a group of leaky integrate-and-fire neurons:
//
//	tau * dV/dt = -(V - VRest) + Input
//
// A neuron spikes when V reaches VTh: V is then reset to VReset, and stays fixed for TauRef milliseconds
// (refractory period). Input is cleared after every step, so external currents must be applied at every step.
type LIF struct {
	DynamicalSystem

	// Num is the number of neurons.
	Num int

	VRest, VReset, VTh, Tau, TauRef float64

	// V is the membrane potential.
	V *model.Variable

	// Input is the external and synaptic current received during the current step.
	Input *model.Variable

	// Spike is 1 for the neurons that spiked in the last step, 0 otherwise (Int32).
	Spike *model.Variable

	// TLastSpike is the time of the last spike of each neuron (Float64).
	TLastSpike *model.Variable

	// Refractory is 1 for the neurons in their refractory period, 0 otherwise (Int32).
	Refractory *model.Variable
}

// LIFConfig configures a LIF neuron group. Create it with NewLIF, and build the group with Done.
type LIFConfig struct {
	name                            string
	num                             int
	dtype                           dtypes.DType
	vRest, vReset, vTh, tau, tauRef float64
	vInit                           initializer.Initializer
}

// NewLIF starts the configuration of a group of num LIF neurons.
//
// Defaults: VRest=0, VReset=-5, VTh=20, Tau=10, TauRef=1 and V initialized to VRest, with dtypes.DefaultFloat.
func NewLIF(num int) *LIFConfig {
	return &LIFConfig{
		num:    num,
		dtype:  dtypes.DefaultFloat,
		vRest:  0,
		vReset: -5,
		vTh:    20,
		tau:    10,
		tauRef: 1,
	}
}

// Name of the group. If not set, a unique name is generated.
func (c *LIFConfig) Name(name string) *LIFConfig {
	c.name = name
	return c
}

// DType of the membrane potential and input.
func (c *LIFConfig) DType(dtype dtypes.DType) *LIFConfig {
	c.dtype = dtype
	return c
}

// VRest sets the resting potential.
func (c *LIFConfig) VRest(v float64) *LIFConfig {
	c.vRest = v
	return c
}

// VReset sets the potential neurons are reset to after a spike.
func (c *LIFConfig) VReset(v float64) *LIFConfig {
	c.vReset = v
	return c
}

// VTh sets the spike threshold.
func (c *LIFConfig) VTh(v float64) *LIFConfig {
	c.vTh = v
	return c
}

// Tau sets the membrane time constant.
func (c *LIFConfig) Tau(tau float64) *LIFConfig {
	c.tau = tau
	return c
}

// TauRef sets the refractory period.
func (c *LIFConfig) TauRef(tauRef float64) *LIFConfig {
	c.tauRef = tauRef
	return c
}

// VInit sets the initializer of the membrane potential, e.g. initializer.Uniform to start with random potentials.
// By default, V starts at VRest.
func (c *LIFConfig) VInit(init initializer.Initializer) *LIFConfig {
	c.vInit = init
	return c
}

// Done creates the LIF group.
func (c *LIFConfig) Done() (*LIF, error) {
	if c.num <= 0 {
		return nil, errors.Errorf("LIF requires a positive number of neurons, got %d", c.num)
	}
	if c.tau <= 0 {
		return nil, errors.Errorf("LIF requires a positive time constant tau, got %g", c.tau)
	}
	if !c.dtype.IsFloat() {
		return nil, errors.Errorf("LIF requires a float dtype, got %s", c.dtype)
	}
	lif := &LIF{
		Num:    c.num,
		VRest:  c.vRest,
		VReset: c.vReset,
		VTh:    c.vTh,
		Tau:    c.tau,
		TauRef: c.tauRef,
	}
	vInit := c.vInit
	if vInit == nil {
		vInit = initializer.One(c.vRest)
	}
	shape := shapes.Make(c.dtype, c.num)
	var err error
	if lif.V, err = initializer.NewVariable(model.KindVariable, "V", vInit, shape); err != nil {
		return nil, err
	}
	if lif.Input, err = initializer.NewVariable(model.KindVariable, "input", initializer.Zero, shape); err != nil {
		return nil, err
	}
	intShape := shapes.Make(dtypes.Int32, c.num)
	if lif.Spike, err = initializer.NewVariable(model.KindVariable, "spike", initializer.Zero, intShape); err != nil {
		return nil, err
	}
	if lif.Refractory, err = initializer.NewVariable(model.KindVariable, "refractory", initializer.Zero, intShape); err != nil {
		return nil, err
	}
	lif.TLastSpike, err = initializer.NewVariable(model.KindVariable, "t_last_spike", initializer.One(-1e7),
		shapes.Make(dtypes.Float64, c.num))
	if err != nil {
		return nil, err
	}
	if err = lif.AddStep("update", lif.update); err != nil {
		return nil, err
	}
	if err = Init(lif, c.name); err != nil {
		return nil, err
	}
	return lif, nil
}

// update integrates the membrane potential with the Euler method, and emits the spikes.
func (lif *LIF) update(t, dt *Node) {
	g := t.Graph()
	v := lif.V.ValueGraph(g)
	dtype := v.DType()
	input := lif.Input.ValueGraph(g)
	tLastSpike := lif.TLastSpike.ValueGraph(g)

	refractory := LessOrEqual(Sub(t, tLastSpike), Scalar(g, dtypes.Float64, lif.TauRef))
	dv := Div(Add(Neg(AddScalar(v, -lif.VRest)), input), Scalar(g, dtype, lif.Tau))
	newV := Add(v, Mul(dv, ConvertDType(dt, dtype)))
	newV = Where(refractory, v, newV)
	spike := GreaterOrEqual(newV, Scalar(g, dtype, lif.VTh))
	newV = Where(spike, Scalar(g, dtype, lif.VReset), newV)

	lif.V.SetValueGraph(newV)
	lif.Spike.SetValueGraph(spike)
	lif.TLastSpike.SetValueGraph(Where(spike, t, tLastSpike))
	lif.Refractory.SetValueGraph(Max(refractory, spike))
	lif.Input.SetValueGraph(ZerosLike(input))
}
