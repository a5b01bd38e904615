package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

// DefaultMaxAttempts is the attempt budget for jobs whose endpoint sets none.
const DefaultMaxAttempts = 5

// Queue is the persistent job queue in front of Storage. It owns every job
// state transition; the engine only decides which one to make.
type Queue struct {
	storage     Storage
	maxAttempts int
	now         func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the clock (tests).
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithDefaultMaxAttempts sets the budget used when an endpoint sets none.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// NewQueue creates a queue over storage.
func NewQueue(storage Storage, opts ...QueueOption) *Queue {
	q := &Queue{
		storage:     storage,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Storage returns the backing storage.
func (q *Queue) Storage() Storage {
	return q.storage
}

// Enqueue adds a job as pending and due now. A zero MaxAttempts takes the
// queue default.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.EndpointID == "" || job.URL == "" {
		return fmt.Errorf("enqueue: job needs an endpoint and url")
	}
	now := q.now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if job.Format == "" {
		job.Format = FormatJSON
	}
	job.Status = StatusPending
	job.Attempts = 0
	job.NextAttemptAt = now
	job.LockedUntil = time.Time{}
	job.LastError = ""
	job.LastStatus = 0
	job.CompletedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	return q.storage.SaveJob(ctx, job)
}

// EnqueueEvent builds and enqueues a job delivering evt to ep. Delivery
// settings are copied from ep so later endpoint edits don't reach the job.
func (q *Queue) EnqueueEvent(ctx context.Context, ep *Endpoint, evt *event.Event) (*Job, error) {
	format := ep.Format
	if format == "" {
		format = FormatJSON
	}
	body, _, err := Encode(evt, format)
	if err != nil {
		return nil, err
	}
	job := &Job{
		EndpointID:  ep.ID,
		EventID:     evt.ID,
		EventType:   evt.Type,
		URL:         ep.URL,
		Secret:      ep.Secret,
		Timeout:     ep.Timeout,
		Format:      format,
		Payload:     body,
		MaxAttempts: ep.MaxAttempts,
	}
	if len(ep.Headers) > 0 {
		job.Headers = make(map[string]string, len(ep.Headers))
		for k, v := range ep.Headers {
			job.Headers[k] = v
		}
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Claim leases up to limit due jobs to the caller.
func (q *Queue) Claim(ctx context.Context, limit int, lease time.Duration) ([]*Job, error) {
	return q.storage.ClaimDueJobs(ctx, q.now().UTC(), limit, lease)
}

// Complete marks a claimed job delivered. Complete, Defer, Reschedule and
// Fail only apply while the job is still processing; if it was cancelled or
// recovered meanwhile they return ErrJobChanged.
func (q *Queue) Complete(ctx context.Context, job *Job, statusCode int) error {
	now := q.now().UTC()
	job.Status = StatusCompleted
	job.LastStatus = statusCode
	job.LastError = ""
	job.LockedUntil = time.Time{}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return q.storage.UpdateJob(ctx, job, StatusProcessing)
}

// Defer returns a claimed job to pending at the given time without counting
// an attempt. Used when the breaker or limiter turns a job away.
func (q *Queue) Defer(ctx context.Context, job *Job, at time.Time) error {
	job.Status = StatusPending
	job.NextAttemptAt = at.UTC()
	job.LockedUntil = time.Time{}
	job.UpdatedAt = q.now().UTC()
	return q.storage.UpdateJob(ctx, job, StatusProcessing)
}

// Reschedule records a failed attempt and makes the job due again at the
// given time.
func (q *Queue) Reschedule(ctx context.Context, job *Job, at time.Time, statusCode int, cause string) error {
	job.Status = StatusPending
	job.NextAttemptAt = at.UTC()
	job.LastStatus = statusCode
	job.LastError = cause
	job.LockedUntil = time.Time{}
	job.UpdatedAt = q.now().UTC()
	return q.storage.UpdateJob(ctx, job, StatusProcessing)
}

// Fail marks a job as permanently failed.
func (q *Queue) Fail(ctx context.Context, job *Job, statusCode int, cause string) error {
	now := q.now().UTC()
	job.Status = StatusFailed
	job.LastStatus = statusCode
	job.LastError = cause
	job.LockedUntil = time.Time{}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return q.storage.UpdateJob(ctx, job, StatusProcessing)
}

// Cancel stops a job that hasn't finished. A job cancelled while a worker
// holds it stays cancelled; the worker's result is discarded.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.storage.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("cancel job %s: already %s", id, job.Status)
	}
	from := job.Status
	now := q.now().UTC()
	job.Status = StatusCancelled
	job.LockedUntil = time.Time{}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return q.storage.UpdateJob(ctx, job, from)
}

// Retry re-arms a failed or cancelled job with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.storage.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed && job.Status != StatusCancelled {
		return fmt.Errorf("retry job %s: status is %s", id, job.Status)
	}
	from := job.Status
	now := q.now().UTC()
	job.Status = StatusPending
	job.Attempts = 0
	job.NextAttemptAt = now
	job.CompletedAt = nil
	job.UpdatedAt = now
	return q.storage.UpdateJob(ctx, job, from)
}

// RecoverStale returns jobs whose processing lease expired to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	return q.storage.RecoverStale(ctx, q.now().UTC())
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.storage.GetJob(ctx, id)
}

// List returns jobs matching f.
func (q *Queue) List(ctx context.Context, f JobFilter) ([]*Job, error) {
	return q.storage.ListJobs(ctx, f)
}

// Deliveries returns a job's attempt history, oldest first.
func (q *Queue) Deliveries(ctx context.Context, jobID string) ([]*Delivery, error) {
	return q.storage.ListDeliveries(ctx, jobID)
}

// PruneDeliveries deletes delivery records older than age.
func (q *Queue) PruneDeliveries(ctx context.Context, age time.Duration) (int64, error) {
	n, err := q.storage.DeleteDeliveriesBefore(ctx, q.now().Add(-age))
	if err != nil {
		return 0, &aeerrors.StorageError{Op: "prune deliveries", Err: err}
	}
	return n, nil
}
