// Package initializer creates the initial values of variables: constants, identity matrices and random
// values drawn from seeded generators.
//
// Initializers work on the host (they return *tensors.Tensor), since variables are initialized once, before any
// graph is built.
package initializer

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/shapes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/gomlx/neurodyn/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer creates the initial value of a variable with the given shape.
type Initializer interface {
	Init(shape shapes.Shape) (*tensors.Tensor, error)
}

// Func implements Initializer with a function.
type Func func(shape shapes.Shape) (*tensors.Tensor, error)

// Init implements Initializer.
func (fn Func) Init(shape shapes.Shape) (*tensors.Tensor, error) { return fn(shape) }

// Zero initializes variables with zero.
var Zero Initializer = Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
	return tensors.Zeros(shape), nil
})

// One initializes variables with the given value.
func One(value float64) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		return tensors.Full(shape, value), nil
	})
}

// Identity initializes matrices with value in the diagonal (they don't need to be square). Vectors are
// initialized as the diagonal of the corresponding square matrix, and scalars with value.
//
// Shapes of rank > 2 are not supported.
func Identity(value float64) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		switch shape.Rank() {
		case 0, 1:
			return tensors.Full(shape, value), nil
		case 2:
			data := make([]float64, shape.Size())
			rows, cols := shape.Dimensions[0], shape.Dimensions[1]
			for ii := range min(rows, cols) {
				data[ii*cols+ii] = value
			}
			return tensors.FromFloat64s(shape.DType, data, shape.Dimensions...), nil
		default:
			return nil, errors.Errorf("Identity initializer only supports shapes of rank <= 2, got %s", shape)
		}
	})
}

// Constant initializes variables with value broadcast to the variable's shape, and converted to its dtype.
func Constant(value *tensors.Tensor) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		broadcast, err := shapes.Broadcast(value.Shape(), shape)
		if err != nil || !broadcast.EqualDimensions(shape) {
			return nil, errors.Errorf("Constant initializer value with shape %s cannot be broadcast to %s",
				value.Shape(), shape)
		}
		src := value.FlatRef()
		data := make([]float64, shape.Size())
		for ii := range data {
			data[ii] = src[shapes.BroadcastIndex(value.Shape(), shape, ii)]
		}
		return tensors.FromFloat64s(shape.DType, data, shape.Dimensions...), nil
	})
}

// RNG is a seeded random number source, safe for concurrent use. Initializers drawing from the same RNG
// produce a reproducible sequence of values for the same seed.
type RNG struct {
	mu  sync.Mutex
	pcg *rand.PCG
}

// NewRNG returns an RNG seeded with seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{pcg: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

// Uint64 implements rand.Source.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pcg.Uint64()
}

var (
	defaultRNGMu sync.Mutex
	defaultRNG   = NewRNG(rand.Uint64())
)

// Seed resets the RNG used by initializers created with a nil RNG.
func Seed(seed uint64) {
	defaultRNGMu.Lock()
	defer defaultRNGMu.Unlock()
	defaultRNG = NewRNG(seed)
}

func rngOrDefault(rng *RNG) *RNG {
	if rng != nil {
		return rng
	}
	defaultRNGMu.Lock()
	defer defaultRNGMu.Unlock()
	return defaultRNG
}

// sample fills a tensor of the given shape with values drawn by sampler. Integer shapes are initialized with
// zeros instead.
func sample(shape shapes.Shape, sampler func() float64) *tensors.Tensor {
	if !shape.DType.IsFloat() {
		return tensors.Zeros(shape)
	}
	data := make([]float64, shape.Size())
	for ii := range data {
		data[ii] = sampler()
	}
	return tensors.FromFloat64s(shape.DType, data, shape.Dimensions...)
}

// Uniform returns an initializer that generates random uniform values in [minValue, maxValue).
// If rng is nil, the package RNG (see Seed) is used.
//
// Non-float variables are initialized with zero instead.
func Uniform(rng *RNG, minValue, maxValue float64) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		if maxValue < minValue {
			return nil, errors.Errorf("Uniform initializer requires minValue <= maxValue, got [%g, %g)",
				minValue, maxValue)
		}
		dist := distuv.Uniform{Min: minValue, Max: maxValue, Src: rngOrDefault(rng)}
		return sample(shape, dist.Rand), nil
	})
}

// Normal returns an initializer that generates random values from a normal distribution.
// If rng is nil, the package RNG (see Seed) is used.
//
// Non-float variables are initialized with zero instead.
func Normal(rng *RNG, mean, stddev float64) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		if stddev < 0 {
			return nil, errors.Errorf("Normal initializer requires stddev >= 0, got %g", stddev)
		}
		if stddev == 0 {
			return tensors.Full(shape, mean), nil
		}
		dist := distuv.Normal{Mu: mean, Sigma: stddev, Src: rngOrDefault(rng)}
		return sample(shape, dist.Rand), nil
	})
}

// computeFanInFanOut of a variable expected to be the weights of a dense layer ([in, out]), or of a
// convolution (receptive field dimensions first, then [in, out]).
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0:
		fanIn, fanOut = 1, 1
	case 1:
		fanIn, fanOut = shape.Dimensions[0], shape.Dimensions[0]
	case 2:
		fanIn, fanOut = shape.Dimensions[0], shape.Dimensions[1]
	default:
		receptiveFieldSize := shapes.SizeOf(shape.Dimensions[:rank-2]...)
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// XavierNormal returns an initializer that generates random values with a normal distribution with mean 0
// and stddev of sqrt(2 / (fanIn+fanOut)).
func XavierNormal(rng *RNG) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		fanIn, fanOut := computeFanInFanOut(shape)
		stddev := math.Sqrt(2.0 / max(1.0, float64(fanIn+fanOut)))
		return Normal(rng, 0, stddev).Init(shape)
	})
}

// KaimingUniform returns the initializer that tries to preserve the variance of 1 for Relu activations:
// values are drawn uniformly from +/- sqrt(6 / fanIn).
func KaimingUniform(rng *RNG) Initializer {
	return Func(func(shape shapes.Shape) (*tensors.Tensor, error) {
		fanIn, _ := computeFanInFanOut(shape)
		limit := math.Sqrt(6.0 / max(1.0, float64(fanIn)))
		return Uniform(rng, -limit, limit).Init(shape)
	})
}

// NewVariable creates a variable of the given kind, named name, with the value created by init.
// If dtype is not set in the shape, dtypes.DefaultFloat is used.
func NewVariable(kind model.Kind, name string, init Initializer, shape shapes.Shape) (*model.Variable, error) {
	if shape.DType == dtypes.InvalidDType {
		shape = shapes.Make(dtypes.DefaultFloat, shape.Dimensions...)
	}
	value, err := init.Init(shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing %s %q", kind, name)
	}
	switch kind {
	case model.KindTrainVar:
		return model.NewTrainVar(name, value)
	case model.KindParameter:
		return model.NewParameter(name, value)
	default:
		return model.NewVariable(name, value)
	}
}
