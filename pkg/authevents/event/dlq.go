package event

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
)

// ErrHandlerNotFound is returned when a dead letter names a handler that
// is no longer subscribed.
var ErrHandlerNotFound = errors.New("handler not found")

// DeadLetter is an (event, handler) pair that exhausted its in-process retries.
type DeadLetter struct {
	ID        string    `json:"id"`
	Event     *Event    `json:"event"`
	HandlerID string    `json:"handler_id"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"` // handler attempts at original dispatch
	Retries   int       `json:"retries"`  // DLQ retry passes so far
	FailedAt  time.Time `json:"failed_at"`

	LastFailedAt time.Time  `json:"last_failed_at"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	Parked       bool       `json:"parked"`
	ParkedAt     *time.Time `json:"parked_at,omitempty"`

	inFlight bool
}

// HandlerInvoker re-runs a single handler once for an event.
type HandlerInvoker interface {
	Invoke(ctx context.Context, handlerID string, evt *Event) error
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	// MaxRetries is the number of retry passes before an entry is parked.
	// Parked entries are kept until requeued or removed.
	// Default: 3
	MaxRetries int

	// Backoff schedules retry passes from the retry count.
	// Default: 1m initial, 1h max, x2.
	Backoff aeerrors.Backoff

	// MaxSize bounds pending plus parked entries; 0 is unlimited.
	// Enqueue fails once the bound is reached.
	MaxSize int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// OnEnqueue is called when an entry is added.
	OnEnqueue func(*DeadLetter)

	// OnPark is called when an entry exhausts its retries.
	OnPark func(*DeadLetter)

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxRetries: 3,
	Backoff: aeerrors.Backoff{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 2,
		Jitter:     0.1,
	},
}

// DLQStats summarizes queue contents.
type DLQStats struct {
	Pending     int            `json:"pending"`
	Parked      int            `json:"parked"`
	Enqueued    int64          `json:"enqueued"`
	Retried     int64          `json:"retried"`
	Recovered   int64          `json:"recovered"`
	ByHandler   map[string]int `json:"by_handler"`
	ByEventType map[string]int `json:"by_event_type"`
	AvgRetries  float64        `json:"avg_retries"`
}

// RetryReport summarizes one RetryFailed pass.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Parked    int `json:"parked"`
}

// DLQ stores dead letters keyed by (event ID, handler ID). Entries are never
// dropped implicitly: they leave the queue by a successful retry, Remove or
// PurgeOlderThan.
type DLQ struct {
	mu      sync.Mutex
	entries map[string]*DeadLetter
	byKey   map[string]string // event ID + handler ID -> entry ID
	cfg     DLQConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	enqueued  int64
	retried   int64
	recovered int64
}

// NewDLQ creates an empty queue.
func NewDLQ(cfg DLQConfig) *DLQ {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultDLQConfig.MaxRetries
	}
	if cfg.Backoff == (aeerrors.Backoff{}) {
		cfg.Backoff = DefaultDLQConfig.Backoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{
		entries: make(map[string]*DeadLetter),
		byKey:   make(map[string]string),
		cfg:     cfg,
		logger:  logger,
		metrics: observability.MetricsOrNoop(cfg.Metrics),
	}
}

func dlqKey(eventID, handlerID string) string {
	return eventID + "\x00" + handlerID
}

// Enqueue records a failed (event, handler) pair. Re-enqueueing a pair that
// is already present refreshes its error instead of adding a duplicate.
func (d *DLQ) Enqueue(ctx context.Context, evt *Event, handlerID string, cause error, attempts int) (*DeadLetter, error) {
	if evt == nil {
		return nil, fmt.Errorf("dead letter requires an event")
	}
	now := d.cfg.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	d.mu.Lock()
	if id, ok := d.byKey[dlqKey(evt.ID, handlerID)]; ok {
		entry := d.entries[id]
		entry.Error = msg
		entry.LastFailedAt = now
		entry.Attempts += attempts
		out := entry.copy()
		d.mu.Unlock()
		return out, nil
	}
	if d.cfg.MaxSize > 0 && len(d.entries) >= d.cfg.MaxSize {
		d.mu.Unlock()
		return nil, fmt.Errorf("dead letter queue full (%d entries)", d.cfg.MaxSize)
	}

	entry := &DeadLetter{
		ID:           uuid.New().String(),
		Event:        evt,
		HandlerID:    handlerID,
		Error:        msg,
		Attempts:     attempts,
		FailedAt:     now,
		LastFailedAt: now,
		NextRetryAt:  now.Add(d.cfg.Backoff.Delay(0)),
	}
	d.entries[entry.ID] = entry
	d.byKey[dlqKey(evt.ID, handlerID)] = entry.ID
	d.enqueued++
	out := entry.copy()
	d.mu.Unlock()

	d.metrics.RecordDeadLetter(ctx, handlerID, evt.Type)
	observability.LogDeadLetter(d.logger, entry.ID, handlerID, evt.Type, 0, false)
	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(out)
	}
	return out, nil
}

func (e *DeadLetter) copy() *DeadLetter {
	c := *e
	if e.ParkedAt != nil {
		t := *e.ParkedAt
		c.ParkedAt = &t
	}
	return &c
}

// RetryFailed re-invokes every due, unparked entry once, oldest first.
// Successes are removed; failures are rescheduled with backoff or parked
// after MaxRetries. The returned error combines the handler failures.
func (d *DLQ) RetryFailed(ctx context.Context, invoker HandlerInvoker) (RetryReport, error) {
	var report RetryReport
	due := d.claimDue()
	if len(due) == 0 {
		return report, nil
	}

	var errs error
	for i, entry := range due {
		if err := ctx.Err(); err != nil {
			d.release(due[i:])
			return report, multierr.Append(errs, err)
		}
		report.Attempted++
		err := invoker.Invoke(ctx, entry.HandlerID, entry.Event)
		if err == nil {
			d.complete(entry)
			report.Recovered++
			continue
		}
		report.Failed++
		if d.reschedule(entry, err) {
			report.Parked++
		}
		errs = multierr.Append(errs, fmt.Errorf("dead letter %s (%s): %w", entry.ID, entry.HandlerID, err))
	}
	return report, errs
}

// claimDue marks due entries in flight and returns them oldest first.
func (d *DLQ) claimDue() []*DeadLetter {
	now := d.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []*DeadLetter
	for _, e := range d.entries {
		if e.Parked || e.inFlight || e.NextRetryAt.After(now) {
			continue
		}
		e.inFlight = true
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b *DeadLetter) int {
		if c := a.FailedAt.Compare(b.FailedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return due
}

func (d *DLQ) release(entries []*DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		e.inFlight = false
	}
}

func (d *DLQ) complete(entry *DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried++
	d.recovered++
	d.removeLocked(entry)
}

// reschedule records a failed pass and reports whether the entry was parked.
func (d *DLQ) reschedule(entry *DeadLetter, cause error) bool {
	now := d.cfg.Now()
	d.mu.Lock()
	d.retried++
	entry.inFlight = false
	entry.Retries++
	entry.Error = cause.Error()
	entry.LastFailedAt = now
	parked := entry.Retries >= d.cfg.MaxRetries
	if parked {
		entry.Parked = true
		entry.ParkedAt = &now
		entry.NextRetryAt = time.Time{}
	} else {
		entry.NextRetryAt = now.Add(d.cfg.Backoff.Delay(entry.Retries))
	}
	out := entry.copy()
	d.mu.Unlock()

	observability.LogDeadLetter(d.logger, out.ID, out.HandlerID, out.Event.Type, out.Retries, parked)
	if parked && d.cfg.OnPark != nil {
		d.cfg.OnPark(out)
	}
	return parked
}

func (d *DLQ) removeLocked(entry *DeadLetter) {
	delete(d.entries, entry.ID)
	delete(d.byKey, dlqKey(entry.Event.ID, entry.HandlerID))
}

// Get returns a copy of one entry.
func (d *DLQ) Get(id string) (*DeadLetter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	return e.copy(), true
}

// List returns copies of all entries, oldest first.
func (d *DLQ) List() []*DeadLetter {
	return d.filter(func(*DeadLetter) bool { return true })
}

// Parked returns entries that exhausted their retries, oldest first.
func (d *DLQ) Parked() []*DeadLetter {
	return d.filter(func(e *DeadLetter) bool { return e.Parked })
}

func (d *DLQ) filter(keep func(*DeadLetter) bool) []*DeadLetter {
	d.mu.Lock()
	out := make([]*DeadLetter, 0, len(d.entries))
	for _, e := range d.entries {
		if keep(e) {
			out = append(out, e.copy())
		}
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b *DeadLetter) int {
		if c := a.FailedAt.Compare(b.FailedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of entries, parked included.
func (d *DLQ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Requeue un-parks an entry, resets its retry count and makes it due now.
func (d *DLQ) Requeue(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, aeerrors.ErrNotFound)
	}
	e.Parked = false
	e.ParkedAt = nil
	e.Retries = 0
	e.NextRetryAt = d.cfg.Now()
	return nil
}

// Remove deletes an entry.
func (d *DLQ) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, aeerrors.ErrNotFound)
	}
	d.removeLocked(e)
	return nil
}

// PurgeOlderThan removes parked entries that first failed before now-age
// and returns how many were removed.
func (d *DLQ) PurgeOlderThan(age time.Duration) int {
	cutoff := d.cfg.Now().Add(-age)
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if e.Parked && e.FailedAt.Before(cutoff) {
			d.removeLocked(e)
			n++
		}
	}
	return n
}

// Stats returns counts by handler and event type.
func (d *DLQ) Stats() DLQStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := DLQStats{
		Enqueued:    d.enqueued,
		Retried:     d.retried,
		Recovered:   d.recovered,
		ByHandler:   make(map[string]int),
		ByEventType: make(map[string]int),
	}
	retries := 0
	for _, e := range d.entries {
		if e.Parked {
			s.Parked++
		} else {
			s.Pending++
		}
		s.ByHandler[e.HandlerID]++
		s.ByEventType[e.Event.Type]++
		retries += e.Retries
	}
	if n := len(d.entries); n > 0 {
		s.AvgRetries = float64(retries) / float64(n)
	}
	return s
}

// Retrier runs RetryFailed on an interval.
type Retrier struct {
	dlq      *DLQ
	invoker  HandlerInvoker
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRetrier creates a retrier. Interval defaults to 30s.
func NewRetrier(dlq *DLQ, invoker HandlerInvoker, interval time.Duration, logger *slog.Logger) *Retrier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{dlq: dlq, invoker: invoker, interval: interval, logger: logger}
}

// Start begins the retry loop. Calling Start twice is a no-op.
func (r *Retrier) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(ctx, r.stopCh, r.done)
}

// Stop halts the loop and waits for the current pass to finish.
func (r *Retrier) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *Retrier) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			report, err := r.dlq.RetryFailed(ctx, r.invoker)
			if report.Attempted == 0 {
				continue
			}
			r.logger.Info("dead letter retry pass",
				slog.Int("attempted", report.Attempted),
				slog.Int("recovered", report.Recovered),
				slog.Int("failed", report.Failed),
				slog.Int("parked", report.Parked),
				slog.Any("error", err),
			)
		}
	}
}
