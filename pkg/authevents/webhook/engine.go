package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/authevents/pkg/authevents/breaker"
	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
)

// maxResponseBody is how much of a response body a Delivery keeps.
const maxResponseBody = 4 << 10

// Deferral reasons reported to metrics and logs.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonRateLimited = "rate_limited"
)

// EngineConfig configures the delivery engine.
type EngineConfig struct {
	// Workers bounds concurrent HTTP attempts.
	// Default: 4
	Workers int

	// PollInterval is the delay between queue scans.
	// Default: 1 second
	PollInterval time.Duration

	// BatchSize is the number of jobs claimed per scan.
	// Default: 2 × Workers
	BatchSize int

	// Lease is how long a claimed job stays processing before RecoverStale
	// may hand it to another worker. Must exceed the longest timeout.
	// Default: 5 minutes
	Lease time.Duration

	// DefaultTimeout bounds one attempt when the job sets none.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// Backoff schedules retries from the attempt count.
	// Default: errors.DefaultBackoff (1s initial, 1h max, ×2, ±10%)
	Backoff aeerrors.Backoff

	// UserAgent is sent on every request.
	// Default: "authevents-webhooks/1"
	UserAgent string

	HTTPClient *http.Client

	// Breakers holds per-endpoint breakers. When nil one is built from
	// Breaker, logging transitions through the engine.
	Breakers *breaker.Group
	Breaker  breaker.Config

	Limiter *ratelimit.Limiter

	// Limits returns an endpoint's own rate limit, or nil for the limiter default.
	Limits func(endpointID string) *ratelimit.Limit

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultEngineConfig provides reasonable defaults.
var DefaultEngineConfig = EngineConfig{
	Workers:        4,
	PollInterval:   time.Second,
	Lease:          5 * time.Minute,
	DefaultTimeout: 30 * time.Second,
	Backoff:        aeerrors.DefaultBackoff,
	UserAgent:      "authevents-webhooks/1",
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 2 * c.Workers
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.Backoff == (aeerrors.Backoff{}) {
		c.Backoff = d.Backoff
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Limiter == nil {
		c.Limiter = ratelimit.NewLimiter(ratelimit.DefaultLimit)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine delivers queued jobs with signing, retries, per-endpoint circuit
// breaking and rate limiting.
type Engine struct {
	queue   *Queue
	cfg     EngineConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates an engine over queue.
func NewEngine(queue *Queue, cfg EngineConfig) *Engine {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		queue:   queue,
		logger:  logger,
		metrics: observability.MetricsOrNoop(cfg.Metrics),
		spans:   observability.SpansOrNoop(cfg.Spans),
	}
	if cfg.Breakers == nil {
		bcfg := cfg.Breaker
		if bcfg.OnStateChange == nil {
			bcfg.OnStateChange = e.BreakerTransition
		}
		cfg.Breakers = breaker.NewGroup(bcfg)
	}
	e.cfg = cfg
	return e
}

// BreakerTransition logs and records a breaker state change. It fits
// breaker.Config.OnStateChange.
func (e *Engine) BreakerTransition(endpointID string, from, to breaker.State) {
	observability.LogBreakerTransition(e.logger, endpointID, from.String(), to.String())
	e.metrics.RecordBreakerTransition(context.Background(), endpointID, from.String(), to.String())
}

// Breakers returns the engine's breaker group.
func (e *Engine) Breakers() *breaker.Group {
	return e.cfg.Breakers
}

// Start recovers stale jobs and begins polling. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if n, err := e.queue.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	} else if n > 0 {
		e.logger.Info("recovered stale webhook jobs", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	return nil
}

// Stop halts polling and waits for in-flight attempts. Jobs interrupted by
// ctx expiring stay leased and are recovered on the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			observability.LogStorageError(e.logger, "claim jobs", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue claims one batch of due jobs and processes it, at most
// Workers at a time. It returns the number of jobs claimed.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := e.queue.Claim(ctx, e.cfg.BatchSize, e.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (e *Engine) process(ctx context.Context, job *Job) {
	now := e.cfg.Now()
	br := e.cfg.Breakers.For(job.EndpointID)

	if err := br.Allow(); err != nil {
		var open *aeerrors.CircuitOpenError
		retryAfter := e.cfg.Backoff.Base(0)
		if errors.As(err, &open) {
			retryAfter = open.RetryAfter
		}
		e.deferJob(ctx, job, now, retryAfter, ReasonCircuitOpen)
		return
	}

	var limit *ratelimit.Limit
	if e.cfg.Limits != nil {
		limit = e.cfg.Limits(job.EndpointID)
	}
	if ok, wait := e.cfg.Limiter.Allow(job.EndpointID, limit); !ok {
		br.Release()
		e.deferJob(ctx, job, now, wait, ReasonRateLimited)
		return
	}

	attempt := job.Attempts + 1
	ctx, span := e.spans.StartDeliverySpan(ctx, job.ID, job.EndpointID, attempt)
	delivery, sendErr := e.send(ctx, job, attempt)

	// Shutdown mid-request isn't the endpoint's fault.
	if ctx.Err() != nil && errors.Is(sendErr, context.Canceled) {
		br.Release()
		e.spans.EndSpanWithError(span, sendErr)
		e.settle(job, "defer job", e.queue.Defer(context.WithoutCancel(ctx), job, now))
		return
	}

	if err := e.queue.Storage().SaveDelivery(context.WithoutCancel(ctx), delivery); err != nil {
		observability.LogStorageError(e.logger, "save delivery", err)
	}
	e.metrics.RecordDelivery(ctx, job.EndpointID, delivery.StatusCode, delivery.Duration, sendErr)
	observability.LogDelivery(e.logger, job.ID, job.EndpointID, attempt, delivery.StatusCode, delivery.Duration.Milliseconds(), sendErr)
	e.spans.EndSpanWithError(span, sendErr)

	job.Attempts = attempt
	store := context.WithoutCancel(ctx)
	if sendErr == nil {
		br.Success()
		if e.settle(job, "complete job", e.queue.Complete(store, job, delivery.StatusCode)) {
			e.metrics.RecordJobFinished(ctx, job.EndpointID, string(StatusCompleted))
		}
		return
	}

	br.Failure()
	if attempt >= job.MaxAttempts {
		if e.settle(job, "fail job", e.queue.Fail(store, job, delivery.StatusCode, delivery.Error)) {
			observability.LogJobExhausted(e.logger, job.ID, job.EndpointID, attempt, delivery.Error)
			e.metrics.RecordJobFinished(ctx, job.EndpointID, string(StatusFailed))
		}
		return
	}
	next := now.Add(e.cfg.Backoff.Delay(attempt))
	e.settle(job, "reschedule job", e.queue.Reschedule(store, job, next, delivery.StatusCode, delivery.Error))
}

func (e *Engine) deferJob(ctx context.Context, job *Job, now time.Time, wait time.Duration, reason string) {
	observability.LogDeliveryDeferred(e.logger, job.ID, job.EndpointID, reason, wait)
	e.metrics.RecordDeferred(ctx, job.EndpointID, reason)
	e.settle(job, "defer job", e.queue.Defer(context.WithoutCancel(ctx), job, now.Add(wait)))
}

// settle reports whether a worker's state change was stored. A job that was
// cancelled or recovered while held keeps its newer state.
func (e *Engine) settle(job *Job, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrJobChanged):
		e.logger.Info("job changed during delivery, result dropped",
			slog.String("job_id", job.ID),
			slog.String("endpoint_id", job.EndpointID),
			slog.String("op", op),
		)
	default:
		observability.LogStorageError(e.logger, op, err)
	}
	return false
}

// send makes one signed HTTP attempt. The returned error is a
// *errors.DeliveryError for anything but a 2xx response.
func (e *Engine) send(ctx context.Context, job *Job, attempt int) (*Delivery, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.cfg.Now()
	d := &Delivery{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		EndpointID: job.EndpointID,
		EventID:    job.EventID,
		EventType:  job.EventType,
		Attempt:    attempt,
		CreatedAt:  start.UTC(),
	}
	fail := func(status int, err error) (*Delivery, error) {
		d.Duration = e.cfg.Now().Sub(start)
		d.StatusCode = status
		d.Error = err.Error()
		return d, &aeerrors.DeliveryError{
			JobID:      job.ID,
			EndpointID: job.EndpointID,
			Attempt:    attempt,
			StatusCode: status,
			Err:        err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fail(0, fmt.Errorf("build request: %w", err))
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	contentType := "application/json"
	if job.Format == FormatCloudEvents {
		contentType = ContentTypeCloudEvents
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set(HeaderSignature, SignatureHeader(job.Secret, job.Payload, start))
	req.Header.Set(HeaderID, job.EventID)
	req.Header.Set(HeaderEvent, job.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(0, &aeerrors.TimeoutError{Operation: "deliver " + job.ID, Duration: timeout})
		}
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	d.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, &aeerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Endpoint:   job.URL,
		})
	}
	d.StatusCode = resp.StatusCode
	d.Duration = e.cfg.Now().Sub(start)
	return d, nil
}
