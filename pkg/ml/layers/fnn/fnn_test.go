package fnn

import (
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	. "github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/autograd"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/layers/activations"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/gomlx/neurodyn/pkg/ml/optimizer"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructure(t *testing.T) {
	net, err := New(5, 2).NumHiddenLayers(2, 8).Activation(activations.TypeSwish).Name("mlp").Done()
	require.NoError(t, err)
	require.Len(t, net.Layers, 3)
	assert.Equal(t, "mlp", net.Name())

	nodes, err := base.Nodes(net, base.Absolute)
	require.NoError(t, err)
	assert.Equal(t, []string{"mlp_hidden_0", "mlp_hidden_1", "mlp_output", "mlp"}, nodes.Keys())

	vars := must.M1(base.TrainVars(net, base.Relative))
	assert.Equal(t, 6, vars.Len())
	w, _ := vars.Get("Layers[1].W")
	assert.Equal(t, []int{8, 8}, w.Shape().Dimensions)

	got := must.M1(model.MustNewExec(net.Call).Exec1(tensors.Ones(shapes.Make(dtypes.Float32, 8, 5))))
	assert.Equal(t, []int{8, 2}, got.Shape().Dimensions)

	_, err = New(5, 2).NumHiddenLayers(1, 0).Done()
	require.Error(t, err)
}

// targetF is the function we are trying to model: y = 2*x0 - x1 + 0.5.
func targetF(x []float64) float64 { return 2*x[0] - x[1] + 0.5 }

func TestTraining(t *testing.T) {
	net := must.M1(New(2, 1).DType(dtypes.Float64).RNG(initializer.NewRNG(1)).Done())
	trainVars := must.M1(base.TrainVars(net, base.Relative))
	gradFn := must.M1(autograd.Grad(func(g *Graph, inputs []*Node) []*Node {
		x, labels := inputs[0], inputs[1]
		predictions := net.Call(x)
		return []*Node{ReduceMean(Square(Sub(predictions, labels)))}
	}, trainVars, autograd.WithReturnValue()))
	opt := must.M1(optimizer.NewAdam(trainVars).LearningRate(0.05).Done())

	rng := initializer.NewRNG(2)
	const batchSize = 32
	var loss float64
	for range 500 {
		x := must.M1(initializer.Uniform(rng, -1, 1).Init(shapes.Make(dtypes.Float64, batchSize, 2)))
		flat := x.FlatRef()
		labels := make([]float64, batchSize)
		for ii := range batchSize {
			labels[ii] = targetF(flat[ii*2 : ii*2+2])
		}
		result, err := gradFn.Call(x, tensors.FromFlatDataAndDimensions(labels, batchSize, 1))
		require.NoError(t, err)
		loss = result.Value.At()
		require.NoError(t, opt.Update(result.Vars))
	}
	assert.Less(t, loss, 1e-2)
}
