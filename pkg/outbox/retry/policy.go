package retry

import (
	"math"
	"time"
)

// MinDelay is the floor applied to every computed retry delay.
const MinDelay = time.Second

// Policy decides whether and when a failed event is attempted again.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
	JitterRange       float64

	// TransientErrors and PermanentErrors override classification by error
	// kind name (Kind() or Go type name, compared case and separator insensitive).
	TransientErrors []string
	PermanentErrors []string

	// Rand supplies jitter. Nil uses the process-wide generator.
	Rand Source
}

// WithMaxRetries returns a copy with the retry budget replaced when n is positive.
func (p Policy) WithMaxRetries(n int) Policy {
	if n > 0 {
		p.MaxRetries = n
	}
	return p
}

// CalculateNextRetry returns the delay before attempt n+1. The exponential
// delay is clamped to MaxDelay, perturbed by ±JitterRange, clamped again and
// floored at MinDelay.
func (p Policy) CalculateNextRetry(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	base := float64(p.BaseDelay)
	if base <= 0 {
		base = float64(MinDelay)
	}
	ceiling := float64(p.MaxDelay)
	if ceiling <= 0 {
		ceiling = base
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := base * math.Pow(multiplier, float64(n))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > ceiling {
		delay = ceiling
	}

	if p.JitterEnabled && p.JitterRange > 0 {
		delay = applyJitter(delay, p.JitterRange, p.source())
		if delay > ceiling {
			delay = ceiling
		}
	}

	if delay < float64(MinDelay) {
		delay = float64(MinDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether an event that has failed retryCount times may
// be attempted again after err.
func (p Policy) ShouldRetry(retryCount int, err error) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	return p.Classify(err) != FailurePermanent
}

func (p Policy) source() Source {
	if p.Rand != nil {
		return p.Rand
	}
	return globalSource{}
}
