// Package ratelimit implements per-endpoint token buckets.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/authevents/pkg/authevents/registry"
)

// Limit describes a bucket: Burst tokens of capacity refilled at Rate tokens/sec.
type Limit struct {
	Rate  float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst int     `json:"burst" yaml:"burst"`
}

// DefaultLimit applies to endpoints without their own limit.
var DefaultLimit = Limit{Rate: 10, Burst: 20}

// Bucket is a token bucket over rate.Limiter, driven by an injectable clock.
type Bucket struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(limit Limit, now func() time.Time) *Bucket {
	if limit.Burst <= 0 {
		limit.Burst = DefaultLimit.Burst
	}
	if limit.Rate <= 0 {
		limit.Rate = DefaultLimit.Rate
	}
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		lim: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst),
		now: now,
	}
}

// TryAcquire consumes one token if available.
func (b *Bucket) TryAcquire() bool {
	return b.lim.AllowN(b.now(), 1)
}

// Wait returns how long until one token is available (zero if one is now).
// It does not consume the token.
func (b *Bucket) Wait() time.Duration {
	now := b.now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return rate.InfDuration
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Tokens returns the current token count.
func (b *Bucket) Tokens() float64 {
	return b.lim.TokensAt(b.now())
}

// Limiter keeps one bucket per endpoint, created lazily.
type Limiter struct {
	fallback Limit
	now      func() time.Time
	buckets  *registry.Registry[string, *Bucket]
}

// NewLimiter creates a limiter. Endpoints without their own limit use fallback.
func NewLimiter(fallback Limit) *Limiter {
	return &Limiter{
		fallback: fallback,
		now:      time.Now,
		buckets:  registry.New[string, *Bucket](),
	}
}

// WithClock overrides the clock used for new buckets (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) bucket(endpointID string, limit *Limit) *Bucket {
	return l.buckets.GetOrCreate(endpointID, func() *Bucket {
		lim := l.fallback
		if limit != nil {
			lim = *limit
		}
		return NewBucket(lim, l.now)
	})
}

// Allow reports whether endpointID may send now. It returns the suggested
// wait when denied.
func (l *Limiter) Allow(endpointID string, limit *Limit) (bool, time.Duration) {
	b := l.bucket(endpointID, limit)
	if b.TryAcquire() {
		return true, 0
	}
	return false, b.Wait()
}

// Reset drops an endpoint's bucket so a changed limit takes effect.
func (l *Limiter) Reset(endpointID string) {
	l.buckets.Delete(endpointID)
}
