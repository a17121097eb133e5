package transport

import (
	"math"
	"time"
)

// Backoff calculates the delay before a retry attempt. Attempt starts at 1
// for the first retry. Implementations must be safe for concurrent use.
type Backoff interface {
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay on each attempt up to a cap.
// Formula: min(Initial * Multiplier^(attempt-1), Max).
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := b.Initial
	if initial == 0 {
		initial = time.Second
	}
	max := b.Max
	if max == 0 {
		max = 10 * time.Second
	}
	multiplier := b.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if interval > float64(max) {
		interval = float64(max)
	}
	return time.Duration(interval)
}

// DefaultBackoff returns the retry schedule used for config fetches:
// 1s, 2s, 4s, 8s, capped at 10s.
func DefaultBackoff() Backoff {
	return ExponentialBackoff{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
}
