package errors

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as min(Max, Initial × Multiplier^attempts)
// with multiplicative jitter of ±Jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff matches the webhook delivery defaults.
var DefaultBackoff = Backoff{
	Initial:    1 * time.Second,
	Max:        1 * time.Hour,
	Multiplier: 2.0,
	Jitter:     0.1,
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Base returns the un-jittered delay for the given attempt count.
// It is non-decreasing in attempts and never exceeds Max.
func (b Backoff) Base(attempts int) time.Duration {
	b = b.withDefaults()
	if attempts < 0 {
		attempts = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempts))
	if math.IsInf(d, 0) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns Base(attempts) with jitter applied.
// The result is bounded above by Max × (1 + Jitter).
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	return applyJitter(b.Base(attempts), b.Jitter)
}

// applyJitter returns base scaled by a random factor in [1-jitter, 1+jitter].
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
