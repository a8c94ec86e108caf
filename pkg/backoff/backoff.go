// Package backoff computes the delay inserted before a failed job becomes
// eligible for retry. The policy is stateless and safe for concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff policy with optional full jitter.
//
// The delay before retry attempt n is Base * 2^n, capped at MaxDelay.
// When Jitter is enabled a random term in [0, Base) is added so that many
// jobs failing at the same moment do not retry in lockstep.
type Policy struct {
	// Base is the delay before the first retry (attempt 0).
	Base time.Duration

	// MaxDelay caps the computed delay. Zero means no cap. Setting
	// MaxDelay equal to Base turns the policy into a fixed backoff.
	MaxDelay time.Duration

	// Jitter adds a random term in [0, Base) to every delay.
	Jitter bool
}

// Default returns the engine's default policy: 500ms base, 1m cap,
// jitter enabled.
func Default() Policy {
	return Policy{
		Base:     500 * time.Millisecond,
		MaxDelay: time.Minute,
		Jitter:   true,
	}
}

// Delay returns the wait before retry attempt n (0-indexed: attempt 0 is
// the first retry after the initial failure). Ignoring jitter, the delay
// is non-decreasing in the attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Clamp the shift so the doubling cannot overflow int64 nanoseconds.
	n := attempt
	if n > 32 {
		n = 32
	}
	d := p.Base << uint(n)
	if d < p.Base {
		d = 1<<63 - 1
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && p.Base > 0 {
		d += time.Duration(rand.Int64N(int64(p.Base))) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// ShouldRetry reports whether a job that has failed `attempts` times is
// still within its retry budget.
func (p Policy) ShouldRetry(attempts, maxRetries int) bool {
	return attempts < maxRetries
}
