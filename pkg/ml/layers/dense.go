package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/layers/activations"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
)

// Dense is a fully connected layer: `activation(x W + b)`.
type Dense struct {
	base.Base

	// W is shaped [inputSize, outputSize].
	W *model.Variable

	// B is shaped [outputSize], or nil if the layer has no bias.
	B *model.Variable

	activation activations.Type
}

// DenseConfig configures a Dense layer. Create it with NewDense, and build the layer with Done.
type DenseConfig struct {
	name                  string
	inputSize, outputSize int
	dtype                 dtypes.DType
	wInit, bInit          initializer.Initializer
	useBias               bool
	activation            activations.Type
}

// NewDense starts the configuration of a Dense layer mapping inputSize features to outputSize.
//
// By default, weights are initialized with initializer.XavierNormal, the bias with zeros, there is no activation
// and the dtype is dtypes.DefaultFloat.
func NewDense(inputSize, outputSize int) *DenseConfig {
	return &DenseConfig{
		inputSize:  inputSize,
		outputSize: outputSize,
		dtype:      dtypes.DefaultFloat,
		wInit:      initializer.XavierNormal(nil),
		bInit:      initializer.Zero,
		useBias:    true,
	}
}

// Name of the layer node. If not set, a unique name is generated.
func (c *DenseConfig) Name(name string) *DenseConfig {
	c.name = name
	return c
}

// DType of the weights.
func (c *DenseConfig) DType(dtype dtypes.DType) *DenseConfig {
	c.dtype = dtype
	return c
}

// WInit sets the initializer of the weights.
func (c *DenseConfig) WInit(init initializer.Initializer) *DenseConfig {
	c.wInit = init
	return c
}

// BInit sets the initializer of the bias.
func (c *DenseConfig) BInit(init initializer.Initializer) *DenseConfig {
	c.bInit = init
	return c
}

// UseBias configures whether to add a bias term. Default is true.
func (c *DenseConfig) UseBias(useBias bool) *DenseConfig {
	c.useBias = useBias
	return c
}

// Activation applied to the output. Default is activations.TypeNone.
func (c *DenseConfig) Activation(activation activations.Type) *DenseConfig {
	c.activation = activation
	return c
}

// Done creates the Dense layer.
func (c *DenseConfig) Done() (*Dense, error) {
	if c.inputSize <= 0 || c.outputSize <= 0 {
		return nil, errors.Errorf("Dense layer requires positive input and output sizes, got %d and %d",
			c.inputSize, c.outputSize)
	}
	d := &Dense{activation: c.activation}
	var err error
	d.W, err = initializer.NewVariable(model.KindTrainVar, "W", c.wInit,
		shapes.Make(c.dtype, c.inputSize, c.outputSize))
	if err != nil {
		return nil, err
	}
	if c.useBias {
		d.B, err = initializer.NewVariable(model.KindTrainVar, "b", c.bInit, shapes.Make(c.dtype, c.outputSize))
		if err != nil {
			return nil, err
		}
	}
	if err = base.Init(d, c.name); err != nil {
		return nil, err
	}
	return d, nil
}

// Call implements Layer. x is shaped [batchSize, inputSize] or [inputSize].
func (d *Dense) Call(x *Node) *Node {
	g := x.Graph()
	inputSize := d.W.Shape().Dim(0)
	if x.Shape().Dim(-1) != inputSize {
		exceptions.Panicf("Dense layer %q expects inputs with %d features, got shape %s", d.Name(), inputSize, x.Shape())
	}
	y := MatMul(ConvertDType(x, d.W.Shape().DType), d.W.ValueGraph(g))
	if d.B != nil {
		y = Add(y, d.B.ValueGraph(g))
	}
	return activations.Apply(d.activation, y)
}
