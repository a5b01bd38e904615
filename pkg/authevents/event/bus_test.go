package event_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/store"
)

var fastRetry = aeerrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2,
	RetryableFunc:  aeerrors.RetryAll,
}

func newTestBus(t *testing.T) (*event.Bus, *store.MemoryStore, *event.DLQ) {
	t.Helper()
	s := store.NewMemoryStore()
	dlq := event.NewDLQ(event.DefaultDLQConfig)
	schemas := event.NewSchemaRegistry()
	schemas.MustRegister(userCreatedV1())
	bus := event.NewBus(event.BusConfig{
		Store:        s,
		Schemas:      schemas,
		DLQ:          dlq,
		HandlerRetry: fastRetry,
	})
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
		_ = s.Close()
	})
	return bus, s, dlq
}

func validUser() map[string]any {
	return map[string]any{"user_id": "u1", "email": "a@example.com"}
}

func TestBusPublishStoresAndDispatches(t *testing.T) {
	bus, s, _ := newTestBus(t)

	var got *event.Event
	if _, err := bus.On("user.created", event.HandlerFunc(func(_ context.Context, evt *event.Event) error {
		got = evt
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	evt, _ := event.New("user.created", "admin", validUser(), event.WithStream("user-u1"))
	receipt, err := bus.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if receipt.Event.Version != 1 || receipt.Event.Position == 0 {
		t.Errorf("expected stored version/position, got %+v", receipt.Event)
	}
	if len(receipt.Results) != 1 || !receipt.Results[0].OK() || receipt.Results[0].Attempts != 1 {
		t.Errorf("unexpected results: %+v", receipt.Results)
	}
	if got == nil || got.Version != 1 {
		t.Errorf("handler saw %+v", got)
	}
	if evt.Version != 0 {
		t.Error("publish modified the caller's event")
	}
	if receipt.Event.CorrelationID != evt.ID {
		t.Errorf("root event should correlate to itself, got %q", receipt.Event.CorrelationID)
	}

	stored, _ := event.Collect(s.ReadStream(context.Background(), "user-u1", 1))
	if len(stored) != 1 || stored[0].ID != evt.ID {
		t.Errorf("expected event in store, got %d", len(stored))
	}
}

func TestBusRejectsInvalidPayload(t *testing.T) {
	bus, s, _ := newTestBus(t)

	var called atomic.Int32
	_, _ = bus.On("user.*", event.HandlerFunc(func(context.Context, *event.Event) error {
		called.Add(1)
		return nil
	}))

	_, err := bus.Emit(context.Background(), "user.created", "admin", map[string]any{"user_id": "u1"})
	var verr *aeerrors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Problems[0].Field != "email" {
		t.Errorf("expected email problem, got %+v", verr.Problems)
	}
	if called.Load() != 0 {
		t.Error("handler ran for an invalid event")
	}
	all, _ := event.Collect(s.Query(context.Background(), event.Query{}))
	if len(all) != 0 {
		t.Errorf("invalid event was stored: %d", len(all))
	}
}

func TestBusStreamVersionsIncrement(t *testing.T) {
	bus, _, _ := newTestBus(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		evt, err := bus.Emit(ctx, "session.created", "session", nil, event.WithStream("s1"))
		if err != nil {
			t.Fatal(err)
		}
		if evt.Version != int64(i) {
			t.Errorf("expected version %d, got %d", i, evt.Version)
		}
	}
}

func TestBusConcurrentPublishesOnOneStream(t *testing.T) {
	s := store.NewMemoryStore()
	bus := event.NewBus(event.BusConfig{Store: s, AppendRetries: 50})
	defer bus.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bus.Emit(context.Background(), "user.login", "password", nil, event.WithStream("hot")); err != nil {
				t.Errorf("emit: %v", err)
			}
		}()
	}
	wg.Wait()

	events, _ := event.Collect(s.ReadStream(context.Background(), "hot", 1))
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Version != int64(i+1) {
			t.Errorf("gap at %d: version %d", i, evt.Version)
		}
	}
}

func TestBusMiddlewareOrder(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	mw := func(name string) event.Middleware {
		return func(next event.EmitFunc) event.EmitFunc {
			return func(ctx context.Context, evt *event.Event) (*event.Receipt, error) {
				record(name + " before")
				r, err := next(ctx, evt)
				record(name + " after")
				return r, err
			}
		}
	}
	bus.Use(mw("first"), mw("second"))
	_, _ = bus.On("*", event.HandlerFunc(func(context.Context, *event.Event) error {
		record("handler")
		return nil
	}))

	if _, err := bus.Emit(context.Background(), "session.created", "session", nil); err != nil {
		t.Fatal(err)
	}
	want := []string{"first before", "second before", "handler", "second after", "first after"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBusRejectMiddleware(t *testing.T) {
	bus, s, _ := newTestBus(t)
	denied := errors.New("blocked source")
	bus.Use(event.Reject(func(_ context.Context, evt *event.Event) error {
		if evt.Source == "untrusted" {
			return denied
		}
		return nil
	}))

	if _, err := bus.Emit(context.Background(), "session.created", "untrusted", nil); !errors.Is(err, denied) {
		t.Fatalf("expected rejection, got %v", err)
	}
	all, _ := event.Collect(s.Query(context.Background(), event.Query{}))
	if len(all) != 0 {
		t.Error("rejected event was stored")
	}
}

func TestBusTransformMiddleware(t *testing.T) {
	bus, s, _ := newTestBus(t)
	bus.Use(
		event.StaticMetadata(map[string]string{"region": "eu"}),
		event.Transform(func(_ context.Context, evt *event.Event) (*event.Event, error) {
			evt.Payload["redacted"] = true
			return evt, nil
		}),
	)

	evt, _ := event.New("session.created", "session", map[string]any{"token": "secret"})
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if _, ok := evt.Payload["redacted"]; ok {
		t.Error("transform leaked into the caller's event")
	}

	stored, _ := event.Collect(s.Query(context.Background(), event.Query{}))
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(stored))
	}
	if stored[0].Payload["redacted"] != true || stored[0].Metadata["region"] != "eu" {
		t.Errorf("transform not applied: %+v", stored[0])
	}
}

func TestBusObserveMiddleware(t *testing.T) {
	bus, _, _ := newTestBus(t)
	var seen atomic.Int32
	bus.Use(event.Observe(func(_ context.Context, _ *event.Event, r *event.Receipt, err error) {
		if err == nil && r != nil {
			seen.Add(1)
		}
	}))
	_, _ = bus.Emit(context.Background(), "session.created", "session", nil)
	if seen.Load() != 1 {
		t.Errorf("observer saw %d receipts", seen.Load())
	}
}

func TestBusHandlersRunConcurrently(t *testing.T) {
	bus, _, _ := newTestBus(t)

	var ready sync.WaitGroup
	ready.Add(2)
	release := make(chan struct{})
	handler := event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		ready.Done()
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("handlers were serialized")
		}
	})
	_, _ = bus.On("user.login", handler, event.WithHandlerName("a"), event.WithHandlerRetry(aeerrors.NoRetry))
	_, _ = bus.On("user.login", handler, event.WithHandlerName("b"), event.WithHandlerRetry(aeerrors.NoRetry))

	go func() {
		ready.Wait()
		close(release)
	}()
	receipt, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.Failed()) != 0 {
		t.Errorf("unexpected failures: %+v", receipt.Failed())
	}
}

func TestBusHandlerRetrySucceeds(t *testing.T) {
	bus, _, dlq := newTestBus(t)
	var calls atomic.Int32
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		if calls.Add(1) < 2 {
			return errors.New("flaky")
		}
		return nil
	}))

	receipt, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	if r := receipt.Results[0]; !r.OK() || r.Attempts != 2 {
		t.Errorf("expected success on attempt 2, got %+v", r)
	}
	if dlq.Len() != 0 {
		t.Error("recovered handler was dead-lettered")
	}
}

type auditHandler struct {
	calls atomic.Int32
}

func (h *auditHandler) HandlerName() string { return "audit" }

func (h *auditHandler) Handle(context.Context, *event.Event) error {
	h.calls.Add(1)
	return errors.New("audit store down")
}

func TestBusFailingHandlerIsDeadLettered(t *testing.T) {
	bus, s, dlq := newTestBus(t)

	audit := &auditHandler{}
	sub, err := bus.On("user.*", audit)
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID() != "audit" {
		t.Errorf("expected Named handler ID, got %q", sub.ID())
	}
	var ok atomic.Int32
	_, _ = bus.On("user.*", event.HandlerFunc(func(context.Context, *event.Event) error {
		ok.Add(1)
		return nil
	}))

	created, err := bus.Emit(context.Background(), "user.created", "admin", validUser())
	if err != nil {
		t.Fatalf("a failing handler must not fail the publish: %v", err)
	}
	if audit.calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", audit.calls.Load())
	}
	if ok.Load() != 1 {
		t.Error("healthy handler did not run")
	}
	stored, _ := event.Collect(s.Query(context.Background(), event.Query{}))
	if len(stored) != 1 || stored[0].ID != created.ID {
		t.Error("event should be stored despite handler failure")
	}

	letters := dlq.List()
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].HandlerID != "audit" || letters[0].Attempts != 3 || letters[0].Event.ID != created.ID {
		t.Errorf("unexpected dead letter: %+v", letters[0])
	}
}

func TestBusReceiptReportsFailure(t *testing.T) {
	bus, _, _ := newTestBus(t)
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		return errors.New("nope")
	}), event.WithHandlerName("h"), event.WithoutDeadLetter())

	receipt, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	failed := receipt.Failed()
	if len(failed) != 1 || failed[0].DeadLettered {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	var herr *aeerrors.HandlerError
	if !errors.As(failed[0].Err, &herr) || herr.HandlerID != "h" || herr.Attempts != 3 {
		t.Errorf("expected HandlerError, got %v", failed[0].Err)
	}
}

func TestBusHandlerPanicIsAFailure(t *testing.T) {
	bus, _, dlq := newTestBus(t)
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		panic("kaboom")
	}), event.WithHandlerName("panicky"), event.WithHandlerRetry(aeerrors.NoRetry))

	receipt, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.Failed()) != 1 || dlq.Len() != 1 {
		t.Errorf("expected panic to be captured as failure, got %+v", receipt.Results)
	}
}

func TestBusDLQRetryThroughInvoke(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	dlq := event.NewDLQ(event.DLQConfig{Now: clock.Now})
	bus := event.NewBus(event.BusConfig{DLQ: dlq, HandlerRetry: aeerrors.NoRetry})
	defer bus.Close(context.Background())

	var healthy atomic.Bool
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}), event.WithHandlerName("audit"))

	_, _ = bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if dlq.Len() != 1 {
		t.Fatalf("expected dead letter, got %d", dlq.Len())
	}

	healthy.Store(true)
	clock.Advance(2 * time.Minute)
	report, err := dlq.RetryFailed(context.Background(), bus)
	if err != nil || report.Recovered != 1 {
		t.Errorf("expected recovery through bus, got %+v %v", report, err)
	}

	if err := bus.Invoke(context.Background(), "gone", mustEvent(t, "x.y")); !errors.Is(err, event.ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestBusSubscriptionLifecycle(t *testing.T) {
	bus, _, _ := newTestBus(t)
	var calls atomic.Int32
	sub, _ := bus.On("session.*", event.HandlerFunc(func(context.Context, *event.Event) error {
		calls.Add(1)
		return nil
	}))
	if sub.Pattern() != "session.*" {
		t.Errorf("unexpected pattern %q", sub.Pattern())
	}

	emit := func() {
		if _, err := bus.Emit(context.Background(), "session.created", "session", nil); err != nil {
			t.Fatal(err)
		}
	}
	emit()
	sub.Pause()
	if !sub.IsPaused() {
		t.Error("expected paused")
	}
	emit()
	sub.Resume()
	emit()
	sub.Unsubscribe()
	emit()

	if calls.Load() != 2 {
		t.Errorf("expected 2 deliveries, got %d", calls.Load())
	}
	if len(bus.Subscriptions()) != 0 {
		t.Errorf("expected no subscriptions, got %v", bus.Subscriptions())
	}
}

func TestBusOnValidation(t *testing.T) {
	bus, _, _ := newTestBus(t)
	noop := event.HandlerFunc(func(context.Context, *event.Event) error { return nil })
	if _, err := bus.On("*.created", noop); err == nil {
		t.Error("expected invalid pattern error")
	}
	if _, err := bus.On("user.*", nil); err == nil {
		t.Error("expected nil handler error")
	}
	if _, err := bus.On("user.*", noop, event.WithHandlerName("dup")); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.On("session.*", noop, event.WithHandlerName("dup")); err == nil {
		t.Error("expected duplicate ID error")
	}
}

func TestBusNestedEmitLinksEvents(t *testing.T) {
	bus, s, _ := newTestBus(t)
	_, _ = bus.On("user.created", event.HandlerFunc(func(ctx context.Context, evt *event.Event) error {
		_, err := bus.Emit(ctx, "audit.logged", "audit", map[string]any{"subject": evt.ID})
		return err
	}))

	root, err := bus.Emit(context.Background(), "user.created", "admin", validUser(), event.WithCorrelationID("req-1"))
	if err != nil {
		t.Fatal(err)
	}
	children, _ := event.Collect(s.Query(context.Background(), event.Query{Types: []string{"audit.logged"}}))
	if len(children) != 1 {
		t.Fatalf("expected 1 child event, got %d", len(children))
	}
	if children[0].CausationID != root.ID || children[0].CorrelationID != "req-1" {
		t.Errorf("child not linked: %+v", children[0])
	}
}

func TestBusMaxDepth(t *testing.T) {
	bus := event.NewBus(event.BusConfig{MaxDepth: 3, HandlerRetry: aeerrors.NoRetry})
	defer bus.Close(context.Background())

	var depth atomic.Int32
	var lastErr atomic.Value
	_, _ = bus.On("loop.tick", event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		depth.Add(1)
		_, err := bus.Emit(ctx, "loop.tick", "loop", nil)
		if err != nil {
			lastErr.Store(err)
		}
		return err
	}), event.WithoutDeadLetter())

	_, _ = bus.Emit(context.Background(), "loop.tick", "loop", nil)
	if depth.Load() != 3 {
		t.Errorf("expected 3 nested handler runs, got %d", depth.Load())
	}
	if err, _ := lastErr.Load().(error); !errors.Is(err, event.ErrMaxDepth) {
		t.Errorf("expected ErrMaxDepth, got %v", err)
	}
}

func TestBusDeduplicate(t *testing.T) {
	bus := event.NewBus(event.BusConfig{DeduplicateTTL: time.Minute})
	defer bus.Close(context.Background())

	evt := mustEvent(t, "user.login")
	if _, err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Publish(context.Background(), evt); !errors.Is(err, event.ErrDuplicateEvent) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestBusClose(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	if err := bus.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Publish(context.Background(), mustEvent(t, "user.login")); !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestBusRedispatchAfterClose(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	var calls atomic.Int32
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		calls.Add(1)
		return nil
	}))
	if err := bus.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	results, err := bus.Redispatch(context.Background(), mustEvent(t, "user.login"), false)
	if !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if len(results) != 0 || calls.Load() != 0 {
		t.Errorf("handler ran after close: %d results, %d calls", len(results), calls.Load())
	}
}

func TestBusCloseWaitsForRedispatch(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HandlerRetry: aeerrors.NoRetry})
	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := bus.Redispatch(context.Background(), mustEvent(t, "user.login"), false)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close returned %v while a redispatch was running", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("redispatch admitted before close must finish: %v", err)
	}
	if err := bus.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestBusFullDLQIsReported(t *testing.T) {
	dlq := event.NewDLQ(event.DLQConfig{MaxSize: 1})
	bus := event.NewBus(event.BusConfig{DLQ: dlq, HandlerRetry: aeerrors.NoRetry})
	defer bus.Close(context.Background())
	_, _ = bus.On("user.login", event.HandlerFunc(func(context.Context, *event.Event) error {
		return errors.New("down")
	}), event.WithHandlerName("audit"))

	first, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	if r := first.Failed()[0]; !r.DeadLettered || r.DeadLetterErr != nil {
		t.Fatalf("first failure should be dead-lettered: %+v", r)
	}

	second, err := bus.Publish(context.Background(), mustEvent(t, "user.login"))
	if err != nil {
		t.Fatal(err)
	}
	r := second.Failed()[0]
	if r.DeadLettered {
		t.Error("full DLQ must not report the pair as dead-lettered")
	}
	if r.DeadLetterErr == nil {
		t.Error("expected the DLQ rejection in DeadLetterErr")
	}
	if n := len(dlq.List()); n != 1 {
		t.Errorf("expected 1 dead letter, got %d", n)
	}
}

// versionRecorder notes the expected version of every append.
type versionRecorder struct {
	*store.MemoryStore
	mu       sync.Mutex
	expected []int64
}

func (s *versionRecorder) Append(ctx context.Context, evt *event.Event, expected int64) (*event.Event, error) {
	s.mu.Lock()
	s.expected = append(s.expected, expected)
	s.mu.Unlock()
	return s.MemoryStore.Append(ctx, evt, expected)
}

func TestBusAppendsAtAnyVersion(t *testing.T) {
	s := &versionRecorder{MemoryStore: store.NewMemoryStore()}
	bus := event.NewBus(event.BusConfig{Store: s})
	defer bus.Close(context.Background())

	for i := 0; i < 3; i++ {
		if _, err := bus.Emit(context.Background(), "user.login", "admin", nil, event.WithStream("u1")); err != nil {
			t.Fatal(err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.expected) != 3 {
		t.Fatalf("expected 3 appends, got %d", len(s.expected))
	}
	for i, v := range s.expected {
		if v != event.AnyVersion {
			t.Errorf("append %d used expected version %d", i, v)
		}
	}
}

func TestBusHandlerMiddleware(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HandlerRetry: aeerrors.NoRetry})
	defer bus.Close(context.Background())
	bus.UseHandler(event.TimeoutMiddleware(10 * time.Millisecond))

	_, _ = bus.On("slow.op", event.HandlerFunc(func(ctx context.Context, _ *event.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}), event.WithHandlerName("slow"))

	receipt, err := bus.Publish(context.Background(), mustEvent(t, "slow.op"))
	if err != nil {
		t.Fatal(err)
	}
	var timeout *aeerrors.TimeoutError
	if len(receipt.Failed()) != 1 || !errors.As(receipt.Failed()[0].Err, &timeout) {
		t.Errorf("expected TimeoutError, got %+v", receipt.Results)
	}
}

func mustEvent(t *testing.T, eventType string) *event.Event {
	t.Helper()
	evt, err := event.New(eventType, "test", nil)
	if err != nil {
		t.Fatal(err)
	}
	return evt
}
