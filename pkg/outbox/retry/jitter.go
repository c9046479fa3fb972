package retry

import "math/rand/v2"

// Source yields uniformly distributed values in [0, 1).
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 {
	return rand.Float64()
}

// FixedSource always returns the same draw. Useful for deterministic backoff.
type FixedSource float64

func (f FixedSource) Float64() float64 {
	return float64(f)
}

// applyJitter maps a draw r in [0,1) onto [delay-spread, delay+spread).
func applyJitter(delay, jitterRange float64, src Source) float64 {
	if jitterRange > 1 {
		jitterRange = 1
	}
	r := src.Float64()
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	spread := jitterRange * delay
	return delay + (2*r-1)*spread
}
