package errors

import (
	"context"
	"time"
)

// RetryConfig is the in-process retry policy for bus handlers. Webhook jobs
// and dead letters are rescheduled through Backoff instead, since their
// retries outlive a single call.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean one call.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter spreads each wait by ±Jitter of its length (0.0-1.0).
	Jitter float64

	// RetryableFunc decides whether an error earns another attempt.
	// Default: IsRetryable (transient errors only)
	RetryableFunc func(error) bool
}

// DefaultRetry is used by handlers registered without their own policy.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
	RetryableFunc:  RetryAll,
}

// NoRetry makes exactly one attempt.
var NoRetry = RetryConfig{MaxAttempts: 1}

// Backoff returns the wait schedule between attempts.
func (c RetryConfig) Backoff() Backoff {
	return Backoff{
		Initial:    c.InitialBackoff,
		Max:        c.MaxBackoff,
		Multiplier: c.BackoffFactor,
		Jitter:     c.Jitter,
	}
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) retryable() func(error) bool {
	if c.RetryableFunc != nil {
		return c.RetryableFunc
	}
	return IsRetryable
}

// RetryResult is the outcome of WithRetry or WithRetryContext.
type RetryResult[T any] struct {
	Value T

	// Err is a *CategorizedError wrapping the last failure, nil on success.
	Err error

	Attempts int
	Duration time.Duration
}

// WithRetry is WithRetryContext without cancellation.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext calls fn until it succeeds, returns a non-retryable
// error, runs out of attempts, or ctx ends. Cancellation is reported as a
// permanent error wrapping ctx.Err().
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	limit := cfg.attempts()
	retryable := cfg.retryable()
	schedule := cfg.Backoff()

	fail := func(err error, cat Category, note string, attempts int) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: cat, Context: note, Retries: attempts},
			Attempts: attempts,
			Duration: time.Since(start),
		}
	}

	var lastErr error
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return fail(err, CategoryPermanent, "context cancelled", n-1)
		}

		v, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: v, Attempts: n, Duration: time.Since(start)}
		}
		lastErr = err
		if !retryable(err) {
			return fail(err, Categorize(err), "", n)
		}
		if n == limit {
			break
		}
		if !sleep(ctx, schedule.Delay(n-1)) {
			return fail(ctx.Err(), CategoryPermanent, "context cancelled during backoff", n)
		}
	}
	return fail(lastErr, Categorize(lastErr), "max retries exceeded", limit)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryOption adjusts a RetryConfig built by NewRetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets MaxAttempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets InitialBackoff.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff sets MaxBackoff.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithRetryableFunc sets RetryableFunc.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// NewRetryConfig starts from DefaultRetry and applies opts.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
