package cemapi

import (
	"math/rand"
	"time"
)

// ExponentialBackoff computes retry delays with a cap and upward jitter.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0, inflates the delay by up to this fraction
}

// DefaultBackoff returns the schedule used for every CEM API call.
// Base: 1s, Max: 10s, Factor: 2.0, Jitter: 0.25
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   1 * time.Second,
		Max:    10 * time.Second,
		Factor: 2.0,
		Jitter: 0.25,
	}
}

// Next calculates the wait duration for the given attempt (0-based).
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
	}

	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Upward-only jitter: delay in [delay, delay*(1+Jitter)). Spreading
	// retries out is enough here; shortening them is not wanted.
	if b.Jitter > 0 {
		delay += delay * b.Jitter * rand.Float64()
	}

	return time.Duration(delay)
}
