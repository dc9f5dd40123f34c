package layers

import (
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/pkg/errors"
)

// Sequential applies its layers one after the other.
type Sequential struct {
	base.Base
	Layers []Layer
}

// NewSequential creates a Sequential node with the given layers. If name is empty, a unique name is generated.
func NewSequential(name string, layers ...Layer) (*Sequential, error) {
	for ii, layer := range layers {
		if layer == nil {
			return nil, errors.Errorf("Sequential: layer #%d is nil", ii)
		}
	}
	s := &Sequential{Layers: layers}
	if err := base.Init(s, name); err != nil {
		return nil, err
	}
	return s, nil
}

// Append layers to the end of the sequence.
func (s *Sequential) Append(layers ...Layer) *Sequential {
	s.Layers = append(s.Layers, layers...)
	return s
}

// Call implements Layer.
func (s *Sequential) Call(x *graph.Node) *graph.Node {
	for _, layer := range s.Layers {
		x = layer.Call(x)
	}
	return x
}
