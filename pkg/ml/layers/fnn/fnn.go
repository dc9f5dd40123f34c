// Package fnn builds a generic FNN (Feedforward Neural Network): a layers.Sequential of layers.Dense with a
// configurable number of hidden layers and activation.
//
// E.g: A FNN for a multi-class classification model with NumClasses classes.
//
//	net := must.M1(fnn.New(numFeatures, NumClasses).
//		NumHiddenLayers(3, 64).
//		Activation(activations.TypeSwish).
//		Done())
//	logits := net.Call(x)
package fnn

import (
	"fmt"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/layers"
	"github.com/gomlx/neurodyn/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Config is created with New and can be configured with its methods.
type Config struct {
	name                            string
	inputSize, outputSize           int
	numHiddenLayers, numHiddenNodes int
	activation, outputActivation    activations.Type
	useBias                         bool
	dtype                           dtypes.DType
	rng                             *initializer.RNG
}

// New creates a configuration for a FNN mapping inputSize features to outputSize.
// This can be further configured through various methods and when finished, call Done to create the network.
func New(inputSize, outputSize int) *Config {
	return &Config{
		inputSize:      inputSize,
		outputSize:     outputSize,
		numHiddenNodes: 10,
		activation:     activations.TypeRelu,
		useBias:        true,
		dtype:          dtypes.DefaultFloat,
	}
}

// Name of the Sequential node created. The layers are named "<name>_hidden_<i>" and "<name>_output".
// If not set, unique names are generated.
func (c *Config) Name(name string) *Config {
	c.name = name
	return c
}

// NumHiddenLayers configure the number of hidden layers between the input and the output.
// Each layer will have numHiddenNodes nodes.
//
// The default is 0 (no hidden layers).
func (c *Config) NumHiddenLayers(numLayers, numHiddenNodes int) *Config {
	c.numHiddenLayers = numLayers
	c.numHiddenNodes = numHiddenNodes
	return c
}

// UseBias configures whether to add a bias term to each node.
// Almost always you want this to be true, and that is the default.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Activation sets the activation of the hidden layers. The default is activations.TypeRelu.
func (c *Config) Activation(activation activations.Type) *Config {
	c.activation = activation
	return c
}

// OutputActivation sets the activation of the output layer. The default is activations.TypeNone.
func (c *Config) OutputActivation(activation activations.Type) *Config {
	c.outputActivation = activation
	return c
}

// DType of the weights. The default is dtypes.DefaultFloat.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// RNG used to initialize the weights. If not set, the package initializer RNG is used.
func (c *Config) RNG(rng *initializer.RNG) *Config {
	c.rng = rng
	return c
}

// Done creates the FNN as configured.
func (c *Config) Done() (*layers.Sequential, error) {
	if c.numHiddenLayers < 0 || (c.numHiddenLayers > 0 && c.numHiddenNodes < 1) {
		return nil, errors.Errorf("fnn: numHiddenLayers (%d) must be greater or equal to 0 and numHiddenNodes (%d) "+
			"must be greater or equal to 1", c.numHiddenLayers, c.numHiddenNodes)
	}
	layerName := func(suffix string) string {
		if c.name == "" {
			return ""
		}
		return c.name + "_" + suffix
	}
	var stack []layers.Layer
	inputSize := c.inputSize
	for ii := range c.numHiddenLayers + 1 {
		outputSize, activation, name := c.numHiddenNodes, c.activation, layerName(fmt.Sprintf("hidden_%d", ii))
		if ii == c.numHiddenLayers {
			outputSize, activation, name = c.outputSize, c.outputActivation, layerName("output")
		}
		dense, err := layers.NewDense(inputSize, outputSize).
			Name(name).
			DType(c.dtype).
			WInit(initializer.XavierNormal(c.rng)).
			UseBias(c.useBias).
			Activation(activation).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "fnn: creating layer #%d", ii)
		}
		stack = append(stack, dense)
		inputSize = outputSize
	}
	return layers.NewSequential(c.name, stack...)
}
