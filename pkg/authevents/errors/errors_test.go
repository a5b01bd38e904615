package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{Category(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.category.String(); got != tt.expected {
				t.Errorf("Category(%d).String() = %s, want %s", tt.category, got, tt.expected)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryPermanent},
		{"HTTP 429", &HTTPError{StatusCode: 429}, CategoryTransient},
		{"HTTP 503", &HTTPError{StatusCode: 503}, CategoryTransient},
		{"HTTP 500", &HTTPError{StatusCode: 500}, CategoryTransient},
		{"HTTP 401", &HTTPError{StatusCode: 401}, CategoryPermanent},
		{"HTTP 404", &HTTPError{StatusCode: 404}, CategoryPermanent},
		{"version conflict", &VersionConflictError{StreamID: "s"}, CategoryTransient},
		{"delivery", &DeliveryError{JobID: "j"}, CategoryTransient},
		{"circuit open", &CircuitOpenError{EndpointID: "e"}, CategoryTransient},
		{"rate limit", &RateLimitError{EndpointID: "e"}, CategoryTransient},
		{"timeout", &TimeoutError{Operation: "post", Duration: time.Second}, CategoryTransient},
		{"validation", &ValidationError{EventType: "user.created"}, CategoryPermanent},
		{"signature", &SignatureError{Reason: "mismatch"}, CategoryPermanent},
		{"storage", &StorageError{Op: "append", Err: errors.New("disk")}, CategoryPermanent},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"cancelled", context.Canceled, CategoryPermanent},
		{"categorized", &CategorizedError{Category: CategoryTransient}, CategoryTransient},
		{"wrapped conflict", fmt.Errorf("append: %w", &VersionConflictError{}), CategoryTransient},
		{"unknown", errors.New("unknown"), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestSignatureErrorIs(t *testing.T) {
	err := fmt.Errorf("verify: %w", &SignatureError{Reason: "expired"})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("expected SignatureError to match ErrInvalidSignature")
	}
	if errors.Is(errors.New("other"), ErrInvalidSignature) {
		t.Fatal("unexpected match")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	verr := &ValidationError{EventType: "user.created", SchemaVersion: 2}
	verr.Add("email", "required field missing")
	verr.Add("age", "expected integer, got string")

	want := "validation error: user.created v2: email: required field missing; age: expected integer, got string"
	if got := verr.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestBackoffBaseIsNonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.1}

	prev := time.Duration(0)
	for attempts := 0; attempts < 64; attempts++ {
		d := b.Base(attempts)
		if d < prev {
			t.Fatalf("Base(%d) = %s decreased from %s", attempts, d, prev)
		}
		if d > b.Max {
			t.Fatalf("Base(%d) = %s exceeds max %s", attempts, d, b.Max)
		}
		prev = d
	}
	if prev != b.Max {
		t.Errorf("expected base to saturate at %s, got %s", b.Max, prev)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.1}
	upper := time.Duration(float64(b.Max) * 1.1)

	for attempts := 0; attempts < 20; attempts++ {
		base := b.Base(attempts)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempts)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %s outside [%s, %s]", attempts, d, lo, hi)
			}
			if d > upper {
				t.Fatalf("Delay(%d) = %s exceeds %s", attempts, d, upper)
			}
		}
	}
}

func TestBackoffFormula(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Hour, Multiplier: 2}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}

	result := WithRetry(cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{StatusCode: 503}
		}
		return "ok", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != "ok" || result.Attempts != 3 {
		t.Errorf("got value=%q attempts=%d", result.Value, result.Attempts)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}

	result := WithRetry(cfg, func() (int, error) {
		calls++
		return 0, &ValidationError{EventType: "x"}
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	var verr *ValidationError
	if !errors.As(result.Err, &verr) {
		t.Errorf("expected wrapped ValidationError, got %v", result.Err)
	}
}

func TestWithRetryAllRetriesPlainErrors(t *testing.T) {
	calls := 0
	cfg := NewRetryConfig(WithMaxAttempts(4), WithInitialBackoff(time.Millisecond), WithMaxBackoff(time.Millisecond))

	result := WithRetry(cfg, func() (int, error) {
		calls++
		return 0, errors.New("boom")
	})

	if calls != 4 || result.Attempts != 4 {
		t.Errorf("expected 4 attempts, got calls=%d attempts=%d", calls, result.Attempts)
	}
	if result.Err == nil {
		t.Fatal("expected error")
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithRetryContext(ctx, DefaultRetry, func(context.Context) (int, error) {
		t.Fatal("function should not run")
		return 0, nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}
