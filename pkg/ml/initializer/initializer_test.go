package initializer

import (
	"math"
	"testing"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	v, err := Zero.Init(shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, v.Value())

	v, err = One(3).Init(shapes.Make(dtypes.Int32, 2))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 3}, v.Value())

	v, err = Identity(2).Init(shapes.Make(dtypes.Float64, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 0, 0}, {0, 2, 0}}, v.Value())

	v, err = Identity(1).Init(shapes.Make(dtypes.Float64, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, v.Value())

	_, err = Identity(1).Init(shapes.Make(dtypes.Float64, 2, 2, 2))
	require.Error(t, err)

	v, err = Constant(tensors.FromValue([]float64{1, 2})).Init(shapes.Make(dtypes.Float32, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {1, 2}}, v.Value())

	_, err = Constant(tensors.FromValue([]float64{1, 2, 3})).Init(shapes.Make(dtypes.Float32, 2, 2))
	require.Error(t, err)
}

func TestRandom(t *testing.T) {
	shape := shapes.Make(dtypes.Float64, 100, 50)

	t.Run("Reproducible", func(t *testing.T) {
		v0 := must.M1(Normal(NewRNG(42), 0, 1).Init(shape))
		v1 := must.M1(Normal(NewRNG(42), 0, 1).Init(shape))
		v2 := must.M1(Normal(NewRNG(43), 0, 1).Init(shape))
		assert.True(t, v0.Equal(v1))
		assert.False(t, v0.Equal(v2))

		Seed(7)
		v3 := must.M1(Uniform(nil, 0, 1).Init(shape))
		Seed(7)
		v4 := must.M1(Uniform(nil, 0, 1).Init(shape))
		assert.True(t, v3.Equal(v4))
	})

	t.Run("Uniform", func(t *testing.T) {
		v := must.M1(Uniform(NewRNG(1), -2, 3).Init(shape))
		for _, x := range v.FlatRef() {
			require.True(t, x >= -2 && x < 3, "value %g out of range", x)
		}
		mean, _ := meanAndStddev(v.FlatRef())
		assert.InDelta(t, 0.5, mean, 0.1)
		_, err := Uniform(nil, 1, 0).Init(shape)
		require.Error(t, err)
	})

	t.Run("Normal", func(t *testing.T) {
		v := must.M1(Normal(NewRNG(1), 10, 2).Init(shape))
		mean, stddev := meanAndStddev(v.FlatRef())
		assert.InDelta(t, 10, mean, 0.1)
		assert.InDelta(t, 2, stddev, 0.1)
	})

	t.Run("XavierNormal", func(t *testing.T) {
		v := must.M1(XavierNormal(NewRNG(1)).Init(shape))
		_, stddev := meanAndStddev(v.FlatRef())
		assert.InDelta(t, math.Sqrt(2.0/150), stddev, 0.01)
	})

	t.Run("KaimingUniform", func(t *testing.T) {
		v := must.M1(KaimingUniform(NewRNG(1)).Init(shape))
		limit := math.Sqrt(6.0 / 100)
		for _, x := range v.FlatRef() {
			require.True(t, math.Abs(x) <= limit)
		}
	})

	t.Run("IntegersAreZero", func(t *testing.T) {
		v := must.M1(Normal(NewRNG(1), 1, 1).Init(shapes.Make(dtypes.Int32, 3)))
		assert.Equal(t, []int32{0, 0, 0}, v.Value())
	})
}

func TestNewVariable(t *testing.T) {
	v, err := NewVariable(model.KindTrainVar, "w", One(1), shapes.Shape{Dimensions: []int{2}})
	require.NoError(t, err)
	assert.True(t, v.Trainable())
	assert.Equal(t, dtypes.DefaultFloat, v.Shape().DType)

	_, err = NewVariable(model.KindVariable, "w", Identity(1), shapes.Make(dtypes.Float32, 1, 1, 1))
	require.Error(t, err)
}

func meanAndStddev(values []float64) (mean, stddev float64) {
	for _, x := range values {
		mean += x
	}
	mean /= float64(len(values))
	for _, x := range values {
		stddev += (x - mean) * (x - mean)
	}
	stddev = math.Sqrt(stddev / float64(len(values)))
	return
}
