// Package backoff computes retry delays for failed stage attempts. A
// Strategy is stateless and safe to share between concurrent runs; the
// executor asks it for the wait before each retry.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt. Attempts are
// 1-indexed: attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial on the first retry and grows the wait by
// Initial with every further attempt, up to Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial*attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential doubles the wait on every retry: attempt k waits
// Initial*2^(k-1), capped at Max. The schedule is deterministic, so a
// paused and resumed run replays the same delays.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial*2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return doubled(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter draws a uniform wait from [0, d] where d is
// the exponential delay for the attempt. Randomizing the wait keeps
// simultaneous retries from hammering a shared backend in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, Initial*2^(attempt-1)],
// capped at Max.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	d := doubled(e.Initial, e.Max, attempt)
	return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// DefaultStrategy returns the backoff used by the executor when none
// is configured: deterministic exponential, 1s initial, 1m max, so the
// wait before retry k is exactly 1s*2^(k-1).
func DefaultStrategy() Strategy {
	return NewExponential(1*time.Second, 1*time.Minute)
}

// doubled computes initial*2^(attempt-1) by repeated doubling, capped
// at maxDelay. Doubling stops as soon as the cap is reached, so a
// large attempt number cannot overflow.
func doubled(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		d *= 2
	}
	return capped(d, maxDelay)
}

// capped bounds d at maxDelay; a non-positive maxDelay means no bound.
func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
