// Package layers implements neural network layers as model nodes: each layer embeds base.Base and holds its
// weights as trainable variables, so they are found by base.Vars, saved with base.SaveStates and differentiated
// with package autograd.
//
// Layers are applied while building a graph, usually inside a model.Exec or autograd function:
//
//	dense := must.M1(layers.NewDense(784, 10).Activation(activations.TypeRelu).Done())
//	exec := model.MustNewExec(func(x *graph.Node) *graph.Node { return dense.Call(x) })
package layers

import (
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/base"
)

// Layer is a node that transforms its input.
type Layer interface {
	base.Node

	// Call applies the layer to x.
	Call(x *graph.Node) *graph.Node
}
