package motion

import (
	"math"
	"sync/atomic"
)

// Threshold is the detection threshold in percent of frame area. It is read
// every cycle and may be changed from any goroutine.
type Threshold struct {
	bits atomic.Uint64
}

func NewThreshold(v float64) *Threshold {
	t := &Threshold{}
	t.Set(v)
	return t
}

func (t *Threshold) Load() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Set stores v clamped to [0, 100] and returns the stored value.
func (t *Threshold) Set(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	t.bits.Store(math.Float64bits(v))
	return v
}
