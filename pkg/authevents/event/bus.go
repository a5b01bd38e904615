package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
)

var (
	// ErrBusClosed is returned by Publish after Close.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrMaxDepth is returned when handlers emit events recursively past BusConfig.MaxDepth.
	ErrMaxDepth = errors.New("max event depth exceeded")

	// ErrDuplicateEvent is returned when an event ID is published twice within DeduplicateTTL.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// EmitFunc is one step of the publish pipeline.
type EmitFunc func(ctx context.Context, evt *Event) (*Receipt, error)

// Middleware wraps the publish pipeline. A middleware may replace the
// event before calling next, reject it by returning an error without
// calling next, or inspect the receipt after next returns.
type Middleware func(next EmitFunc) EmitFunc

// HandlerResult is the outcome of one handler for one event.
type HandlerResult struct {
	HandlerID    string        `json:"handler_id"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
	DeadLettered bool          `json:"dead_lettered"`

	// DeadLetterErr is set when the failure should have been dead-lettered
	// but the DLQ refused it, e.g. because it is full. The pair is lost.
	DeadLetterErr error `json:"-"`
}

// OK reports whether the handler succeeded.
func (r HandlerResult) OK() bool {
	return r.Err == nil
}

// Receipt describes a published event and what its handlers did.
type Receipt struct {
	Event   *Event          `json:"event"`
	Results []HandlerResult `json:"results"`
}

// Failed returns the results of handlers that did not succeed.
func (r *Receipt) Failed() []HandlerResult {
	if r == nil {
		return nil
	}
	var out []HandlerResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// BusConfig configures a Bus. Every dependency is optional.
type BusConfig struct {
	// Store persists events before dispatch. Without one, events are
	// dispatched but not retained.
	Store Store

	// Schemas validates payloads before append.
	Schemas *SchemaRegistry

	// DLQ captures handlers that exhaust HandlerRetry.
	DLQ *DLQ

	// HandlerRetry is the default per-handler retry policy.
	// Default: errors.DefaultRetry
	HandlerRetry aeerrors.RetryConfig

	// AppendRetries bounds re-reads after a stream version conflict.
	// Default: 3
	AppendRetries int

	// MaxDepth limits handlers publishing events recursively.
	// Default: 8
	MaxDepth int

	// DeduplicateTTL rejects republished event IDs for this long.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HandlerRetry:  aeerrors.DefaultRetry,
	AppendRetries: 3,
	MaxDepth:      8,
}

type handlerEntry struct {
	id       string
	pattern  string
	handler  Handler
	retry    aeerrors.RetryConfig
	retrySet bool
	timeout  time.Duration
	noDLQ    bool
	paused   atomic.Bool
}

// Subscription is a registered handler.
type Subscription struct {
	entry *handlerEntry
	bus   *Bus
}

// ID returns the handler ID.
func (s *Subscription) ID() string { return s.entry.id }

// Pattern returns the subscribed type pattern.
func (s *Subscription) Pattern() string { return s.entry.pattern }

// Pause stops delivery to this handler until Resume.
func (s *Subscription) Pause() { s.entry.paused.Store(true) }

// Resume continues delivery after Pause.
func (s *Subscription) Resume() { s.entry.paused.Store(false) }

// IsPaused reports whether delivery is paused.
func (s *Subscription) IsPaused() bool { return s.entry.paused.Load() }

// Unsubscribe removes the handler. In-flight invocations finish.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.entry.id)
}

// Bus validates, persists and fans out events.
//
// Publish runs the middleware chain, then validation, append and a
// concurrent dispatch to every matching handler. Publish returns once all
// handlers have finished; a failing handler never fails the publish.
type Bus struct {
	cfg     BusConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu         sync.RWMutex
	handlers   []*handlerEntry
	byID       map[string]*handlerEntry
	middleware []Middleware
	handlerMWs []HandlerMiddleware
	chain      EmitFunc
	nextAutoID int

	dedupeMu sync.Mutex
	seen     map[string]time.Time

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewBus creates a bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.HandlerRetry.MaxAttempts <= 0 {
		cfg.HandlerRetry = DefaultBusConfig.HandlerRetry
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = DefaultBusConfig.AppendRetries
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultBusConfig.MaxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.MetricsOrNoop(cfg.Metrics),
		spans:   observability.SpansOrNoop(cfg.Spans),
		byID:    make(map[string]*handlerEntry),
	}
	if cfg.DeduplicateTTL > 0 {
		b.seen = make(map[string]time.Time)
	}
	b.chain = b.commit
	return b
}

// Use appends publish middleware. The first registered runs outermost.
func (b *Bus) Use(mws ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mws...)
	chain := EmitFunc(b.commit)
	for i := len(b.middleware) - 1; i >= 0; i-- {
		chain = b.middleware[i](chain)
	}
	b.chain = chain
}

// UseHandler adds handler middleware applied to handlers registered afterwards.
func (b *Bus) UseHandler(mws ...HandlerMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerMWs = append(b.handlerMWs, mws...)
}

// On subscribes h to events whose type matches pattern.
func (b *Bus) On(pattern string, h Handler, opts ...HandlerOption) (*Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("invalid event pattern %q", pattern)
	}
	if h == nil {
		return nil, fmt.Errorf("handler for %q is nil", pattern)
	}

	entry := &handlerEntry{pattern: pattern}
	if n, ok := h.(Named); ok {
		entry.id = n.HandlerName()
	}
	for _, opt := range opts {
		opt(entry)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if entry.id == "" {
		b.nextAutoID++
		entry.id = fmt.Sprintf("%s#%d", pattern, b.nextAutoID)
	}
	if _, exists := b.byID[entry.id]; exists {
		return nil, fmt.Errorf("handler %q already registered", entry.id)
	}
	if !entry.retrySet {
		entry.retry = b.cfg.HandlerRetry
	}
	entry.handler = ChainHandler(h, b.handlerMWs...)

	b.handlers = append(b.handlers, entry)
	b.byID[entry.id] = entry
	return &Subscription{entry: entry, bus: b}, nil
}

// Subscriptions returns the registered handler IDs in registration order.
func (b *Bus) Subscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, len(b.handlers))
	for i, h := range b.handlers {
		ids[i] = h.id
	}
	return ids
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[id]; !ok {
		return
	}
	delete(b.byID, id)
	b.handlers = slices.DeleteFunc(b.handlers, func(e *handlerEntry) bool { return e.id == id })
}

func (b *Bus) matching(eventType string) []*handlerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*handlerEntry
	for _, e := range b.handlers {
		if !e.paused.Load() && MatchType(e.pattern, eventType) {
			out = append(out, e)
		}
	}
	return out
}

// Emit creates and publishes an event. It implements Emitter.
func (b *Bus) Emit(ctx context.Context, eventType, source string, payload any, opts ...Option) (*Event, error) {
	evt, err := New(eventType, source, payload, opts...)
	if err != nil {
		return nil, err
	}
	receipt, err := b.Publish(ctx, evt)
	if err != nil {
		return nil, err
	}
	return receipt.Event, nil
}

// Publish runs evt through the pipeline. The caller's event is not modified.
func (b *Bus) Publish(ctx context.Context, evt *Event) (*Receipt, error) {
	if evt == nil {
		return nil, fmt.Errorf("publish: nil event")
	}
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return nil, ErrBusClosed
	}
	b.inflight.Add(1)
	b.closeMu.RUnlock()
	defer b.inflight.Done()

	if eventDepth(ctx) >= b.cfg.MaxDepth {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrMaxDepth, evt.Type, eventDepth(ctx))
	}

	b.mu.RLock()
	chain := b.chain
	b.mu.RUnlock()

	start := time.Now()
	receipt, err := chain(ctx, evt.Clone())
	b.metrics.RecordPublish(ctx, evt.Type, time.Since(start), err)
	if err != nil {
		observability.LogPublishRejected(b.logger, evt.Type, err)
		return nil, err
	}
	return receipt, nil
}

// commit is the innermost pipeline step.
func (b *Bus) commit(ctx context.Context, evt *Event) (*Receipt, error) {
	if evt.Type == "" {
		return nil, fmt.Errorf("publish: event type is required")
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("publish %s: event id is required", evt.Type)
	}
	if evt.StreamID == "" {
		evt.StreamID = evt.Source
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if parent, ok := ParentFromContext(ctx); ok {
		if evt.CorrelationID == "" {
			evt.CorrelationID = parent.CorrelationID
		}
		if evt.CausationID == "" {
			evt.CausationID = parent.ID
		}
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = evt.ID
	}

	ctx, span := b.spans.StartPublishSpan(ctx, evt.Type, evt.ID)
	timer := observability.TimedOperation()

	if b.cfg.Schemas != nil {
		if err := b.cfg.Schemas.Validate(evt); err != nil {
			b.spans.EndSpanWithError(span, err)
			return nil, err
		}
	}
	if err := b.checkDuplicate(evt.ID); err != nil {
		b.spans.EndSpanWithError(span, err)
		return nil, err
	}

	stored := evt
	if b.cfg.Store != nil {
		var err error
		stored, err = b.append(ctx, evt)
		if err != nil {
			b.forget(evt.ID)
			observability.LogStorageError(b.logger, "append", err)
			b.spans.EndSpanWithError(span, err)
			return nil, err
		}
	} else if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	results := b.dispatch(ctx, stored, true)
	observability.LogPublish(b.logger, stored.Type, stored.ID, stored.StreamID, stored.Version, len(results), timer())
	b.spans.EndSpanWithError(span, nil)
	return &Receipt{Event: stored, Results: results}, nil
}

// append writes evt at the stream head. Appends don't assert a version, so
// a conflict only means another writer claimed the same slot; it is retried.
func (b *Bus) append(ctx context.Context, evt *Event) (*Event, error) {
	var lastErr error
	for i := 0; i < b.cfg.AppendRetries; i++ {
		stored, err := b.cfg.Store.Append(ctx, evt, AnyVersion)
		if err == nil {
			return stored, nil
		}
		var conflict *aeerrors.VersionConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (b *Bus) checkDuplicate(id string) error {
	if b.seen == nil {
		return nil
	}
	now := time.Now()
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	for k, exp := range b.seen {
		if now.After(exp) {
			delete(b.seen, k)
		}
	}
	if _, ok := b.seen[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	b.seen[id] = now.Add(b.cfg.DeduplicateTTL)
	return nil
}

func (b *Bus) forget(id string) {
	if b.seen == nil {
		return
	}
	b.dedupeMu.Lock()
	delete(b.seen, id)
	b.dedupeMu.Unlock()
}

// Redispatch delivers a stored event to current handlers without
// validation or append. Replay uses it. Like Publish it fails with
// ErrBusClosed after Close, and Close waits for it.
func (b *Bus) Redispatch(ctx context.Context, evt *Event, deadLetter bool) ([]HandlerResult, error) {
	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return nil, ErrBusClosed
	}
	b.inflight.Add(1)
	b.closeMu.RUnlock()
	defer b.inflight.Done()

	return b.dispatch(ctx, evt, deadLetter), nil
}

func (b *Bus) dispatch(ctx context.Context, evt *Event, deadLetter bool) []HandlerResult {
	entries := b.matching(evt.Type)
	results := make([]HandlerResult, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = b.run(ctx, entry, evt, deadLetter)
		}()
	}
	wg.Wait()
	return results
}

func (b *Bus) run(ctx context.Context, entry *handlerEntry, evt *Event, deadLetter bool) HandlerResult {
	ctx, span := b.spans.StartHandlerSpan(ctx, entry.id)
	ctx = withHandling(ctx, evt)
	if entry.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.timeout)
		defer cancel()
	}

	result := aeerrors.WithRetryContext(ctx, entry.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.invokeOnce(ctx, entry, evt)
	})
	res := HandlerResult{
		HandlerID: entry.id,
		Attempts:  result.Attempts,
		Duration:  result.Duration,
	}
	b.metrics.RecordHandler(ctx, entry.id, evt.Type, result.Duration, result.Err)
	if result.Err == nil {
		b.spans.EndSpanWithError(span, nil)
		return res
	}

	res.Err = &aeerrors.HandlerError{
		HandlerID: entry.id,
		EventID:   evt.ID,
		EventType: evt.Type,
		Attempts:  result.Attempts,
		Err:       result.Err,
	}
	b.spans.EndSpanWithError(span, res.Err)
	observability.LogHandlerFailure(b.logger, entry.id, evt.Type, evt.ID, result.Attempts, result.Err)

	if deadLetter && !entry.noDLQ && b.cfg.DLQ != nil {
		// The DLQ outlives the publish, so detach from its cancellation.
		if _, err := b.cfg.DLQ.Enqueue(context.WithoutCancel(ctx), evt, entry.id, result.Err, result.Attempts); err != nil {
			res.DeadLetterErr = err
			b.logger.Error("dead letter enqueue failed",
				slog.String("handler_id", entry.id),
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		} else {
			res.DeadLettered = true
		}
	}
	return res
}

func (b *Bus) invokeOnce(ctx context.Context, entry *handlerEntry, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panic: %v", entry.id, r)
		}
	}()
	return entry.handler.Handle(ctx, evt)
}

// Invoke runs one handler once for evt. It implements HandlerInvoker.
func (b *Bus) Invoke(ctx context.Context, handlerID string, evt *Event) error {
	b.mu.RLock()
	entry, ok := b.byID[handlerID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, handlerID)
	}
	return b.invokeOnce(withHandling(ctx, evt), entry, evt)
}

// Close rejects further publishes and waits for in-flight ones.
func (b *Bus) Close(ctx context.Context) error {
	b.closeMu.Lock()
	b.closed = true
	b.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
