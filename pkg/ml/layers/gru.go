package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// Gates of the GRU, used to index its weights.
const (
	GateUpdate = iota
	GateReset
	GateCandidate
	numGates
)

// GRU is a Gated Recurrent Unit cell [1]. Its hidden state is kept in the variable H, and each Call advances it
// by one step:
//
//	z = sigmoid(x Wi[update] + h Wh[update] + b[update])
//	r = sigmoid(x Wi[reset] + h Wh[reset] + b[reset])
//	a = tanh(x Wi[candidate] + (r * h) Wh[candidate] + b[candidate])
//	h' = (1 - z) * h + z * a
//
// [1] https://arxiv.org/abs/1406.1078, Cho et al., 2014
type GRU struct {
	base.Base

	// Wi are the input weights per gate, shaped [inputSize, hiddenSize].
	Wi [numGates]*model.Variable

	// Wh are the recurrent weights per gate, shaped [hiddenSize, hiddenSize].
	Wh [numGates]*model.Variable

	// B are the biases per gate, shaped [hiddenSize].
	B [numGates]*model.Variable

	// H is the hidden state, shaped [batchSize, hiddenSize], or [hiddenSize] if no batch size is used.
	H *model.Variable

	hInit initializer.Initializer
}

// GRUConfig configures a GRU cell. Create it with NewGRU and build the cell with Done.
type GRUConfig struct {
	name                  string
	inputSize, hiddenSize int
	batchSize             int
	dtype                 dtypes.DType
	wiInit, whInit, bInit initializer.Initializer
	hInit                 initializer.Initializer
}

// NewGRU starts the configuration of a GRU cell.
//
// By default, weights are initialized with initializer.XavierNormal, the biases and the hidden state with
// zeros, there is no batch dimension, and the dtype is dtypes.DefaultFloat.
func NewGRU(inputSize, hiddenSize int) *GRUConfig {
	return &GRUConfig{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		dtype:      dtypes.DefaultFloat,
		wiInit:     initializer.XavierNormal(nil),
		whInit:     initializer.XavierNormal(nil),
		bInit:      initializer.Zero,
		hInit:      initializer.Zero,
	}
}

// Name of the cell node. If not set, a unique name is generated.
func (c *GRUConfig) Name(name string) *GRUConfig {
	c.name = name
	return c
}

// DType of the weights and state.
func (c *GRUConfig) DType(dtype dtypes.DType) *GRUConfig {
	c.dtype = dtype
	return c
}

// BatchSize of the hidden state. If 0 (the default) the state is a vector.
func (c *GRUConfig) BatchSize(batchSize int) *GRUConfig {
	c.batchSize = batchSize
	return c
}

// Initializers of the input weights, recurrent weights, biases and hidden state.
// Nil values keep the default.
func (c *GRUConfig) Initializers(wi, wh, b, h initializer.Initializer) *GRUConfig {
	for _, pair := range []struct {
		init  initializer.Initializer
		field *initializer.Initializer
	}{{wi, &c.wiInit}, {wh, &c.whInit}, {b, &c.bInit}, {h, &c.hInit}} {
		if pair.init != nil {
			*pair.field = pair.init
		}
	}
	return c
}

// Done creates the GRU cell.
func (c *GRUConfig) Done() (*GRU, error) {
	if c.inputSize <= 0 || c.hiddenSize <= 0 || c.batchSize < 0 {
		return nil, errors.Errorf("GRU requires positive input and hidden sizes, got %d and %d (batch size %d)",
			c.inputSize, c.hiddenSize, c.batchSize)
	}
	gru := &GRU{hInit: c.hInit}
	gateNames := [numGates]string{"z", "r", "a"}
	var err error
	for gate := range numGates {
		gru.Wi[gate], err = initializer.NewVariable(model.KindTrainVar, "Wi_"+gateNames[gate], c.wiInit,
			shapes.Make(c.dtype, c.inputSize, c.hiddenSize))
		if err != nil {
			return nil, err
		}
		gru.Wh[gate], err = initializer.NewVariable(model.KindTrainVar, "Wh_"+gateNames[gate], c.whInit,
			shapes.Make(c.dtype, c.hiddenSize, c.hiddenSize))
		if err != nil {
			return nil, err
		}
		gru.B[gate], err = initializer.NewVariable(model.KindTrainVar, "b_"+gateNames[gate], c.bInit,
			shapes.Make(c.dtype, c.hiddenSize))
		if err != nil {
			return nil, err
		}
	}
	gru.H, err = initializer.NewVariable(model.KindVariable, "h", c.hInit, gru.stateShape(c.dtype, c.batchSize))
	if err != nil {
		return nil, err
	}
	if err = base.Init(gru, c.name); err != nil {
		return nil, err
	}
	return gru, nil
}

func (gru *GRU) stateShape(dtype dtypes.DType, batchSize int) shapes.Shape {
	hiddenSize := gru.Wh[GateUpdate].Shape().Dim(0)
	if batchSize == 0 {
		return shapes.Make(dtype, hiddenSize)
	}
	return shapes.Make(dtype, batchSize, hiddenSize)
}

// ResetState re-initializes the hidden state for the given batch size (0 for no batch dimension).
// Since it changes the shape of the state, it creates a new variable H.
func (gru *GRU) ResetState(batchSize int) error {
	shape := gru.stateShape(gru.H.Shape().DType, batchSize)
	value, err := gru.hInit.Init(shape)
	if err != nil {
		return err
	}
	if shape.Equal(gru.H.Shape()) {
		return gru.H.SetValue(value)
	}
	h, err := model.NewVariable(gru.H.Name(), value)
	if err != nil {
		return err
	}
	gru.H = h
	return nil
}

// Call implements Layer: it updates the hidden state H with the input x, and returns the new state.
// x must be shaped [batchSize, inputSize] (or [inputSize] if the state has no batch dimension).
func (gru *GRU) Call(x *Node) *Node {
	g := x.Graph()
	dtype := gru.H.Shape().DType
	x = ConvertDType(x, dtype)
	h := gru.H.ValueGraph(g)
	if x.Rank() != h.Rank() || x.Shape().Dim(-1) != gru.Wi[GateUpdate].Shape().Dim(0) ||
		(x.Rank() == 2 && x.Shape().Dim(0) != h.Shape().Dim(0)) {
		exceptions.Panicf("GRU %q with state shaped %s got incompatible input shaped %s", gru.Name(), h.Shape(),
			x.Shape())
	}
	gate := func(gate int, hidden *Node) *Node {
		return Add(Add(MatMul(x, gru.Wi[gate].ValueGraph(g)), MatMul(hidden, gru.Wh[gate].ValueGraph(g))),
			gru.B[gate].ValueGraph(g))
	}
	z := Sigmoid(gate(GateUpdate, h))
	r := Sigmoid(gate(GateReset, h))
	a := Tanh(gate(GateCandidate, Mul(r, h)))
	newH := Add(Mul(OneMinus(z), h), Mul(z, a))
	gru.H.SetValueGraph(newH)
	return newH
}

// State returns the current value of the hidden state.
func (gru *GRU) State() *tensors.Tensor {
	return gru.H.Value()
}
