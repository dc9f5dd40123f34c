package dyn

import (
	"math"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// DefaultDt is the initial value of the global time step, in milliseconds.
const DefaultDt = 0.1

var dtBits atomic.Uint64

func init() {
	dtBits.Store(math.Float64bits(DefaultDt))
}

// SetDt sets the global time step used by runners created without an explicit one.
//
// It panics if dt is not a positive finite number.
func SetDt(dt float64) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		exceptions.Panicf("dyn.SetDt(%g): the time step must be a positive number", dt)
	}
	dtBits.Store(math.Float64bits(dt))
}

// GetDt returns the global time step.
func GetDt() float64 {
	return math.Float64frombits(dtBits.Load())
}
