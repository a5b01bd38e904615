package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// invokerFunc adapts a function to event.HandlerInvoker.
type invokerFunc func(ctx context.Context, handlerID string, evt *event.Event) error

func (f invokerFunc) Invoke(ctx context.Context, handlerID string, evt *event.Event) error {
	return f(ctx, handlerID, evt)
}

func newTestDLQ(clock *fakeClock) *event.DLQ {
	return event.NewDLQ(event.DLQConfig{
		MaxRetries: 2,
		Backoff:    aeerrors.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
		Now:        clock.Now,
	})
}

func TestDLQEnqueue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	dlq := newTestDLQ(clock)
	evt, _ := event.New("user.created", "admin", nil)

	entry, err := dlq.Enqueue(context.Background(), evt, "audit", errors.New("boom"), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entry.Error != "boom" || entry.Attempts != 3 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if !entry.NextRetryAt.Equal(clock.now.Add(time.Minute)) {
		t.Errorf("expected first retry after 1m, got %v", entry.NextRetryAt)
	}

	// Same (event, handler) pair refreshes instead of duplicating.
	again, _ := dlq.Enqueue(context.Background(), evt, "audit", errors.New("boom again"), 3)
	if again.ID != entry.ID || dlq.Len() != 1 {
		t.Errorf("expected dedupe, got %d entries", dlq.Len())
	}
	if again.Error != "boom again" || again.Attempts != 6 {
		t.Errorf("expected refreshed entry, got %+v", again)
	}

	// A different handler for the same event is a separate entry.
	if _, err := dlq.Enqueue(context.Background(), evt, "email", errors.New("x"), 1); err != nil {
		t.Fatal(err)
	}
	if dlq.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", dlq.Len())
	}
}

func TestDLQRetryRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	dlq := newTestDLQ(clock)
	evt, _ := event.New("user.created", "admin", nil)
	_, _ = dlq.Enqueue(context.Background(), evt, "audit", errors.New("boom"), 3)

	var calls int
	invoker := invokerFunc(func(ctx context.Context, handlerID string, got *event.Event) error {
		calls++
		if handlerID != "audit" || got.ID != evt.ID {
			t.Errorf("unexpected invoke %s %s", handlerID, got.ID)
		}
		return nil
	})

	// Not due yet.
	report, err := dlq.RetryFailed(context.Background(), invoker)
	if err != nil || report.Attempted != 0 || calls != 0 {
		t.Fatalf("expected nothing due, got %+v %v", report, err)
	}

	clock.Advance(time.Minute)
	report, err = dlq.RetryFailed(context.Background(), invoker)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Recovered != 1 || dlq.Len() != 0 {
		t.Errorf("expected recovery, got %+v with %d left", report, dlq.Len())
	}
	if stats := dlq.Stats(); stats.Recovered != 1 || stats.Enqueued != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDLQParksAfterMaxRetries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var parked []*event.DeadLetter
	dlq := event.NewDLQ(event.DLQConfig{
		MaxRetries: 2,
		Backoff:    aeerrors.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
		Now:        clock.Now,
		OnPark:     func(d *event.DeadLetter) { parked = append(parked, d) },
	})
	evt, _ := event.New("user.created", "admin", nil)
	entry, _ := dlq.Enqueue(context.Background(), evt, "audit", errors.New("boom"), 1)

	failing := invokerFunc(func(context.Context, string, *event.Event) error {
		return errors.New("still down")
	})

	clock.Advance(time.Minute)
	report, err := dlq.RetryFailed(context.Background(), failing)
	if err == nil || report.Failed != 1 || report.Parked != 0 {
		t.Fatalf("expected rescheduled failure, got %+v %v", report, err)
	}
	got, _ := dlq.Get(entry.ID)
	if got.Retries != 1 || !got.NextRetryAt.Equal(clock.Now().Add(2*time.Minute)) {
		t.Errorf("expected second retry after 2m, got %+v", got)
	}

	clock.Advance(2 * time.Minute)
	report, _ = dlq.RetryFailed(context.Background(), failing)
	if report.Parked != 1 {
		t.Fatalf("expected entry parked, got %+v", report)
	}
	if len(parked) != 1 || len(dlq.Parked()) != 1 {
		t.Errorf("expected park callback and parked list, got %d/%d", len(parked), len(dlq.Parked()))
	}

	// Parked entries are never retried again automatically.
	clock.Advance(24 * time.Hour)
	report, _ = dlq.RetryFailed(context.Background(), failing)
	if report.Attempted != 0 {
		t.Errorf("parked entry was retried: %+v", report)
	}
	if dlq.Len() != 1 {
		t.Errorf("parked entry must be retained, have %d", dlq.Len())
	}

	// Requeue makes it due immediately.
	if err := dlq.Requeue(entry.ID); err != nil {
		t.Fatal(err)
	}
	report, _ = dlq.RetryFailed(context.Background(), invokerFunc(func(context.Context, string, *event.Event) error { return nil }))
	if report.Recovered != 1 {
		t.Errorf("expected requeued entry to recover, got %+v", report)
	}
}

func TestDLQRemoveAndPurge(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	dlq := newTestDLQ(clock)
	ctx := context.Background()

	e1, _ := event.New("user.created", "admin", nil)
	e2, _ := event.New("user.deleted", "admin", nil)
	d1, _ := dlq.Enqueue(ctx, e1, "audit", errors.New("x"), 1)
	_, _ = dlq.Enqueue(ctx, e2, "audit", errors.New("x"), 1)

	if err := dlq.Remove("nope"); !errors.Is(err, aeerrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Park d1 by exhausting its retries.
	failing := invokerFunc(func(_ context.Context, _ string, evt *event.Event) error {
		if evt.ID == e1.ID {
			return errors.New("down")
		}
		return nil
	})
	clock.Advance(time.Minute)
	_, _ = dlq.RetryFailed(ctx, failing)
	clock.Advance(2 * time.Minute)
	_, _ = dlq.RetryFailed(ctx, failing)

	if got, ok := dlq.Get(d1.ID); !ok || !got.Parked {
		t.Fatalf("expected d1 parked, got %+v", got)
	}

	if n := dlq.PurgeOlderThan(time.Hour); n != 0 {
		t.Errorf("purged %d recent entries", n)
	}
	clock.Advance(2 * time.Hour)
	if n := dlq.PurgeOlderThan(time.Hour); n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if dlq.Len() != 0 {
		t.Errorf("expected empty queue, got %d", dlq.Len())
	}
}

func TestDLQMaxSize(t *testing.T) {
	dlq := event.NewDLQ(event.DLQConfig{MaxSize: 1})
	e1, _ := event.New("a.b", "s", nil)
	e2, _ := event.New("a.b", "s", nil)
	if _, err := dlq.Enqueue(context.Background(), e1, "h", errors.New("x"), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := dlq.Enqueue(context.Background(), e2, "h", errors.New("x"), 1); err == nil {
		t.Error("expected full queue error")
	}
}

func TestDLQStats(t *testing.T) {
	dlq := event.NewDLQ(event.DefaultDLQConfig)
	ctx := context.Background()
	for _, typ := range []string{"user.created", "user.created", "session.created"} {
		evt, _ := event.New(typ, "s", nil)
		_, _ = dlq.Enqueue(ctx, evt, "audit", errors.New("x"), 1)
	}
	stats := dlq.Stats()
	if stats.Pending != 3 || stats.ByHandler["audit"] != 3 || stats.ByEventType["user.created"] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRetrierRunsPeriodically(t *testing.T) {
	dlq := event.NewDLQ(event.DLQConfig{
		Backoff: aeerrors.Backoff{Initial: time.Nanosecond, Max: time.Nanosecond, Multiplier: 1},
	})
	evt, _ := event.New("user.created", "admin", nil)
	_, _ = dlq.Enqueue(context.Background(), evt, "audit", errors.New("x"), 1)

	recovered := make(chan struct{})
	var once sync.Once
	invoker := invokerFunc(func(context.Context, string, *event.Event) error {
		once.Do(func() { close(recovered) })
		return nil
	})

	r := event.NewRetrier(dlq, invoker, 5*time.Millisecond, nil)
	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("retrier never invoked the handler")
	}
}
