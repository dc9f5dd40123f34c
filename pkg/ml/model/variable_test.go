package model

import (
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariable_Kinds(t *testing.T) {
	v := MustNewVariable("V", []float32{0, 0, 0})
	w := MustNewTrainVar("w", [][]float64{{1, 2}, {3, 4}})
	p := MustNewParameter("", 1.5)
	assert.Equal(t, KindVariable, v.Kind())
	assert.False(t, v.Trainable())
	assert.True(t, w.Trainable())
	assert.Equal(t, KindParameter, p.Kind())
	assert.Equal(t, "Parameter", p.Name())
	assert.Equal(t, "Kind(7)", Kind(7).String())
	assert.True(t, w.Shape().Equal(shapes.Make(dtypes.Float64, 2, 2)))
	assert.Equal(t, `TrainVar("w", (Float64)[2 2])`, w.String())

	_, err := NewVariable("bad", "a string")
	require.Error(t, err)
}

func TestVariable_SetValue(t *testing.T) {
	v := MustNewVariable("V", []float32{0, 0, 0})
	require.NoError(t, v.SetValue(tensors.FromValue([]float32{1, 2, 3})))
	assert.Equal(t, []float32{1, 2, 3}, v.Value().Value())

	// Shape and dtype must match exactly.
	err := v.SetValue(tensors.FromValue([]float32{1, 2}))
	require.ErrorContains(t, err, "the shape of the original data is")
	require.Error(t, v.SetValue(tensors.FromValue([]float64{1, 2, 3})))
	require.Error(t, v.SetValue(nil))
	assert.Equal(t, []float32{1, 2, 3}, v.Value().Value())
	require.Panics(t, func() { v.MustSetValue(tensors.FromValue(1.0)) })
}

func TestVariable_GraphViews(t *testing.T) {
	v := MustNewVariable("V", []float32{1, 2})
	g := graph.NewGraph("views")
	require.False(t, v.InUseByGraph(g))
	node := v.ValueGraph(g)
	require.True(t, node.IsParameter())
	require.Same(t, node, v.ValueGraph(g), "ValueGraph should return the same node for the same graph")
	require.True(t, v.InUseByGraph(g))
	require.False(t, v.ChangedInGraph(g))
	require.Equal(t, 0, v.paramHandle(g.GraphId()))

	// Values are converted to the variable dtype; dimensions must match.
	v.SetValueGraph(graph.Const(g, []float64{3, 4}))
	require.True(t, v.ChangedInGraph(g))
	require.Equal(t, dtypes.Float32, v.ValueGraph(g).DType())
	require.Panics(t, func() { v.SetValueGraph(graph.Const(g, []float32{1, 2, 3})) })

	require.Equal(t, []*Variable{v}, variablesInGraph(g.GraphId()))
	removeGraphIds(g.GraphId())
	require.False(t, v.InUseByGraph(g))
	require.Empty(t, variablesInGraph(g.GraphId()))
}
