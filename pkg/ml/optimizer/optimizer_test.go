package optimizer

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/graph"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/autograd"
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrainVars() (w, b *model.Variable, trainVars *model.Collector) {
	w = model.MustNewTrainVar("w", []float64{1, 2})
	b = model.MustNewTrainVar("b", 0.0)
	trainVars = model.NewCollector().MustAdd("w", w).MustAdd("b", b)
	return
}

func grads() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"w": tensors.FromValue([]float64{0.5, -1}),
		"b": tensors.FromValue(1.0),
	}
}

func TestSGD(t *testing.T) {
	w, b, trainVars := newTrainVars()
	opt, err := NewSGD(0.1, trainVars)
	require.NoError(t, err)
	require.NoError(t, opt.Update(grads()))
	assert.InDeltaSlice(t, []float64{0.95, 2.1}, w.Value().Value(), 1e-9)
	assert.InDelta(t, -0.1, b.Value().Value(), 1e-9)
	assert.Equal(t, int64(1), opt.NumSteps())

	require.NoError(t, opt.SetLearningRate(1))
	assert.Equal(t, 1.0, opt.LearningRate())
	require.NoError(t, opt.Update(grads()))
	assert.InDeltaSlice(t, []float64{0.45, 3.1}, w.Value().Value(), 1e-9)

	// Errors.
	require.Error(t, opt.Update(map[string]*tensors.Tensor{"w": tensors.FromValue([]float64{0.5, -1})}))
	badShape := grads()
	badShape["w"] = tensors.FromValue([]float64{1, 2, 3})
	require.Error(t, opt.Update(badShape))
	_, err = NewSGD(0, trainVars)
	require.Error(t, err)
	_, err = NewSGD(0.1, model.NewCollector())
	require.Error(t, err)
	_, err = NewSGD(0.1, model.NewCollector().MustAdd("i", model.MustNewTrainVar("i", int32(1))))
	require.Error(t, err)
}

func TestMomentum(t *testing.T) {
	w, _, trainVars := newTrainVars()
	opt, err := NewMomentum(0.1, 0.9, trainVars)
	require.NoError(t, err)
	require.NoError(t, opt.Update(grads()))
	assert.InDeltaSlice(t, []float64{0.95, 2.1}, w.Value().Value(), 1e-9)
	require.NoError(t, opt.Update(grads()))
	assert.InDeltaSlice(t, []float64{0.855, 2.29}, w.Value().Value(), 1e-9)
	assert.InDeltaSlice(t, []float64{-0.095, 0.19}, opt.Velocity["w"].Value().Value(), 1e-9)
}

func TestAdam(t *testing.T) {
	w, b, trainVars := newTrainVars()
	opt, err := NewAdam(trainVars).LearningRate(0.1).Done()
	require.NoError(t, err)
	require.NoError(t, opt.Update(grads()))
	// The first step of Adam moves each parameter by ~lr in the direction opposite to the gradient.
	assert.InDeltaSlice(t, []float64{0.9, 2.1}, w.Value().Value(), 1e-6)
	assert.InDelta(t, -0.1, b.Value().Value(), 1e-6)

	_, err = NewAdam(trainVars).Betas(1, 0.999).Done()
	require.Error(t, err)

	// Optimizer state is part of its variables, and can be saved and restored.
	vars, err := base.Vars(opt, base.Relative)
	require.NoError(t, err)
	assert.Equal(t, []string{"LR", "Step", "Beta1", "Beta2", "Epsilon", "M[b]", "M[w]", "V[b]", "V[w]"}, vars.Keys())

	filename := filepath.Join(t.TempDir(), "adam.npz")
	require.NoError(t, base.SaveStates(opt, filename))
	opt2, err := NewAdam(trainVars).Done()
	require.NoError(t, err)
	require.NoError(t, base.LoadStates(opt2, filename, false, true))
	assert.Equal(t, int64(1), opt2.NumSteps())
	assert.Equal(t, 0.1, opt2.LearningRate())
	assert.True(t, opt.M["w"].Value().Equal(opt2.M["w"].Value()))
}

func TestTraining(t *testing.T) {
	// Minimize (w - 3)^2 + (b + 1)^2.
	w := model.MustNewTrainVar("w", float32(0))
	b := model.MustNewTrainVar("b", float32(0))
	trainVars := model.NewCollector().MustAdd("w", w).MustAdd("b", b)
	gradFn := must.M1(autograd.Grad(func(g *graph.Graph, _ []*graph.Node) []*graph.Node {
		loss := graph.Add(
			graph.Square(graph.AddScalar(w.ValueGraph(g), -3)),
			graph.Square(graph.AddScalar(b.ValueGraph(g), 1)))
		return []*graph.Node{loss}
	}, trainVars))

	for _, opt := range []Interface{
		must.M1(NewSGD(0.1, trainVars)),
		must.M1(NewMomentum(0.05, 0.5, trainVars)),
		must.M1(NewAdam(trainVars).LearningRate(0.1).Done()),
	} {
		require.NoError(t, trainVars.Assign(map[string]*tensors.Tensor{
			"w": tensors.FromValue(float32(0)), "b": tensors.FromValue(float32(0))}))
		for range 500 {
			result, err := gradFn.Call()
			require.NoError(t, err)
			require.NoError(t, opt.Update(result.Vars))
		}
		assert.InDelta(t, 3, w.Value().At(), 5e-2, "optimizer %s", opt.BaseNode().Name())
		assert.InDelta(t, -1, b.Value().At(), 5e-2, "optimizer %s", opt.BaseNode().Name())
	}
}
