package layers

import (
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/autograd"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/initializer"
	"github.com/gomlx/neurodyn/pkg/ml/layers/activations"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDense(t *testing.T) {
	dense, err := NewDense(2, 3).
		DType(dtypes.Float64).
		WInit(initializer.Constant(tensors.FromValue([][]float64{{1, -2, 3}, {4, 5, -6}}))).
		BInit(initializer.One(0.5)).
		Activation(activations.TypeRelu).
		Done()
	require.NoError(t, err)
	assert.True(t, dense.W.Trainable())

	exec := model.MustNewExec(dense.Call)
	got := must.M1(exec.Exec1([][]float64{{1, 1}, {1, 0}}))
	assert.Equal(t, [][]float64{{5.5, 3.5, 0}, {1.5, 0, 3.5}}, got.Value())

	// Vectors are accepted, and inputs converted to the weights dtype.
	got = must.M1(exec.Exec1([]float32{1, 1}))
	assert.Equal(t, []float64{5.5, 3.5, 0}, got.Value())

	// Wrong number of features.
	_, err = exec.Exec([]float64{1, 2, 3})
	require.Error(t, err)

	noBias, err := NewDense(2, 3).UseBias(false).Done()
	require.NoError(t, err)
	assert.Nil(t, noBias.B)
	_, err = NewDense(0, 3).Done()
	require.Error(t, err)
}

func TestSequential(t *testing.T) {
	hidden := must.M1(NewDense(3, 4).Activation(activations.TypeTanh).Done())
	output := must.M1(NewDense(4, 1).Done())
	seq, err := NewSequential("", hidden, output)
	require.NoError(t, err)

	vars, err := base.TrainVars(seq, base.Relative)
	require.NoError(t, err)
	assert.Equal(t, []string{"Layers[0].W", "Layers[0].B", "Layers[1].W", "Layers[1].B"}, vars.Keys())

	got := must.M1(model.MustNewExec(seq.Call).Exec1(tensors.Ones(shapes.Make(dtypes.Float32, 5, 3))))
	assert.Equal(t, []int{5, 1}, got.Shape().Dimensions)
	assert.Equal(t, dtypes.DefaultFloat, got.DType())

	_, err = NewSequential("", nil)
	require.Error(t, err)
}

func TestGRU(t *testing.T) {
	gru, err := NewGRU(2, 3).
		DType(dtypes.Float64).
		Initializers(initializer.Zero, initializer.Zero, nil, initializer.One(1)).
		Done()
	require.NoError(t, err)
	assert.Equal(t, []int{3}, gru.H.Shape().Dimensions)

	// With zero weights: z = 0.5 and a = 0, so the state halves at every step.
	exec := model.MustNewExec(gru.Call)
	for _, want := range []float64{0.5, 0.25} {
		got := must.M1(exec.Exec1([]float64{1, 2}))
		assert.Equal(t, []float64{want, want, want}, got.Value())
	}
	assert.Equal(t, []float64{0.25, 0.25, 0.25}, gru.State().Value())

	vars, err := base.Vars(gru, base.Relative)
	require.NoError(t, err)
	assert.Equal(t, []string{"Wi[0]", "Wi[1]", "Wi[2]", "Wh[0]", "Wh[1]", "Wh[2]", "B[0]", "B[1]", "B[2]", "H"},
		vars.Keys())
	assert.Equal(t, 9, must.M1(base.TrainVars(gru, base.Relative)).Len())

	// Batched state.
	require.NoError(t, gru.ResetState(4))
	assert.Equal(t, []int{4, 3}, gru.H.Shape().Dimensions)
	exec = model.MustNewExec(gru.Call)
	_, err = exec.Exec([][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}})
	require.NoError(t, err)
	_, err = exec.Exec([]float64{1, 2})
	require.Error(t, err, "unbatched input for a batched state")
}

func TestGRU_Gradient(t *testing.T) {
	gru := must.M1(NewGRU(2, 2).Initializers(initializer.Normal(initializer.NewRNG(3), 0, 0.5), nil, nil, nil).Done())
	trainVars := must.M1(base.TrainVars(gru, base.Relative))
	gradFn := must.M1(autograd.Grad(func(g *graph.Graph, inputs []*graph.Node) []*graph.Node {
		gru.Call(inputs[0])
		h := gru.Call(inputs[0])
		return []*graph.Node{graph.ReduceAllSum(graph.Square(h))}
	}, trainVars))
	result, err := gradFn.Call([]float32{1, -1})
	require.NoError(t, err)
	require.Len(t, result.Vars, 9)
	var nonZero int
	for _, grad := range result.Vars {
		for _, x := range grad.FlatRef() {
			if x != 0 {
				nonZero++
			}
		}
	}
	assert.Positive(t, nonZero)
}
