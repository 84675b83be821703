// Package backoff computes the delay before a failed job becomes eligible
// for another attempt.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = 1 * time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 1 * time.Second
)

// Policy is exponential backoff with a cap and additive jitter:
//
//	min(Base * 2^(attempt-1), Max) + U[0, Jitter)
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.Float64.
	Rand func() float64
}

// Default returns the production policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Delay returns the default policy's delay for attempt.
func Delay(attempt int) time.Duration {
	return Default().Delay(attempt)
}

// Exponential returns the capped delay for attempt without jitter.
func (p Policy) Exponential(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, maxDelay := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Delay returns the exponential delay for attempt plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Exponential(attempt)
	if p.Jitter <= 0 {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	f := r()
	if f < 0 || f >= 1 {
		f = 0
	}
	j := time.Duration(f * float64(p.Jitter))
	if j >= p.Jitter {
		j = p.Jitter - 1
	}
	return d + j
}
