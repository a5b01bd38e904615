package authevents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/randalmurphal/authevents/pkg/authevents/breaker"
	"github.com/randalmurphal/authevents/pkg/authevents/config"
	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
	"github.com/randalmurphal/authevents/pkg/authevents/registry"
	"github.com/randalmurphal/authevents/pkg/authevents/store"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

// ErrHubClosed is returned by Start after Close.
var ErrHubClosed = errors.New("hub closed")

// janitorInterval is how often old delivery records are pruned.
const janitorInterval = time.Hour

// Hub wires the event pipeline and webhook delivery into one unit.
//
// Producers publish through Emitter(). Every stored event is offered to
// in-process handlers and to the webhook dispatcher, which queues one job
// per matching endpoint. The engine delivers those jobs in the background
// once Start is called.
type Hub struct {
	settings config.Settings
	logger   *slog.Logger

	store      store.Store
	ownsStore  bool
	redis      *redis.Client
	ownsRedis  bool
	schemas    *event.SchemaRegistry
	dlq        *event.DLQ
	bus        *event.Bus
	replayer   *event.Replayer
	endpoints  *webhook.EndpointRegistry
	queue      *webhook.Queue
	dispatcher *webhook.Dispatcher
	limiter    *ratelimit.Limiter
	engine     *webhook.Engine
	retrier    *event.Retrier
	catalog    *registry.Registry[string, event.EventInfo]

	mu          sync.Mutex
	started     bool
	closed      bool
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New builds a Hub from settings. Endpoints persisted by an earlier process
// are loaded before it returns. Nothing runs in the background until Start.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*Hub, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	var cfg hubConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Hub{
		settings: settings,
		logger:   cfg.logger,
		catalog:  registry.New[string, event.EventInfo](),
	}
	if h.logger == nil {
		h.logger = NewLogger(settings.Log)
	}
	metrics, spans := h.observability(cfg)

	h.store, h.ownsStore = cfg.store, false
	if h.store == nil {
		st, err := store.Open(settings.Store.Driver, settings.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		h.store, h.ownsStore = st, true
	}

	h.schemas = cfg.schemas
	if h.schemas == nil {
		h.schemas = event.NewSchemaRegistry()
	}

	h.dlq = event.NewDLQ(event.DLQConfig{
		MaxRetries: settings.DLQ.MaxRetries,
		Backoff: aeerrors.Backoff{
			Initial:    settings.DLQ.BackoffInitial,
			Max:        settings.DLQ.BackoffMax,
			Multiplier: 2,
			Jitter:     0.1,
		},
		MaxSize: settings.DLQ.MaxSize,
		Logger:  h.logger,
		Metrics: metrics,
	})

	h.bus = event.NewBus(event.BusConfig{
		Store:   h.store,
		Schemas: h.schemas,
		DLQ:     h.dlq,
		HandlerRetry: aeerrors.RetryConfig{
			MaxAttempts:    settings.Bus.HandlerAttempts,
			InitialBackoff: settings.Bus.HandlerBackoff,
			MaxBackoff:     aeerrors.DefaultRetry.MaxBackoff,
			BackoffFactor:  2,
			Jitter:         0.1,
			RetryableFunc:  aeerrors.RetryAll,
		},
		AppendRetries:  settings.Bus.AppendRetries,
		MaxDepth:       settings.Bus.MaxDepth,
		DeduplicateTTL: settings.Bus.DeduplicateTTL,
		Logger:         h.logger,
		Metrics:        metrics,
		Spans:          spans,
	})
	h.bus.UseHandler(event.RecoveryMiddleware())
	if settings.Bus.HandlerTimeout > 0 {
		h.bus.UseHandler(event.TimeoutMiddleware(settings.Bus.HandlerTimeout))
	}

	h.replayer = event.NewReplayer(h.store, h.bus, h.logger)
	h.retrier = event.NewRetrier(h.dlq, h.bus, settings.DLQ.RetryInterval, h.logger)

	h.endpoints = webhook.NewEndpointRegistry(h.store)
	if n, err := h.endpoints.Load(ctx); err != nil {
		return nil, h.abort(err)
	} else if n > 0 {
		h.logger.Info("loaded webhook endpoints", slog.Int("count", n))
	}

	h.queue = webhook.NewQueue(h.store, webhook.WithDefaultMaxAttempts(settings.Webhook.MaxAttempts))
	h.limiter = ratelimit.NewLimiter(ratelimit.Limit{Rate: settings.RateLimit.Rate, Burst: settings.RateLimit.Burst})
	h.engine = webhook.NewEngine(h.queue, webhook.EngineConfig{
		Workers:        settings.Webhook.Workers,
		PollInterval:   settings.Webhook.PollInterval,
		BatchSize:      settings.Webhook.BatchSize,
		Lease:          settings.Webhook.Lease,
		DefaultTimeout: settings.Webhook.DefaultTimeout,
		Backoff: aeerrors.Backoff{
			Initial:    settings.Webhook.BackoffInitial,
			Max:        settings.Webhook.BackoffMax,
			Multiplier: 2,
			Jitter:     0.1,
		},
		UserAgent:  settings.Webhook.UserAgent,
		HTTPClient: cfg.httpClient,
		Breaker: breaker.Config{
			FailureThreshold:    settings.Breaker.FailureThreshold,
			SuccessThreshold:    settings.Breaker.SuccessThreshold,
			Cooldown:            settings.Breaker.Cooldown,
			HalfOpenMaxRequests: settings.Breaker.HalfOpenMaxRequests,
		},
		Limiter: h.limiter,
		Limits:  h.endpoints.RateLimit,
		Logger:  h.logger,
		Metrics: metrics,
		Spans:   spans,
	})
	// Changed endpoints start over with a fresh bucket and breaker.
	h.endpoints.OnChange(func(id string) {
		h.limiter.Reset(id)
		h.engine.Breakers().Remove(id)
	})

	idem, err := h.idempotency(cfg)
	if err != nil {
		return nil, h.abort(err)
	}
	h.dispatcher = webhook.NewDispatcher(h.endpoints, h.queue, idem, h.logger)
	if _, err := h.bus.On("*", h.dispatcher); err != nil {
		return nil, h.abort(err)
	}
	return h, nil
}

func (h *Hub) observability(cfg hubConfig) (observability.MetricsRecorder, observability.SpanManager) {
	metrics, spans := cfg.metrics, cfg.spans
	backend := h.settings.Metrics.Backend
	if metrics == nil {
		switch backend {
		case "prometheus":
			reg := cfg.registerer
			if reg == nil {
				reg = prometheus.DefaultRegisterer
			}
			metrics = observability.NewPrometheusMetrics(reg)
		case "none":
			metrics = observability.NoopMetrics{}
		default:
			metrics = observability.NewMetricsRecorder()
		}
	}
	if spans == nil {
		if backend == "none" {
			spans = observability.NoopSpanManager{}
		} else {
			spans = observability.NewSpanManager()
		}
	}
	return metrics, spans
}

func (h *Hub) idempotency(cfg hubConfig) (webhook.Idempotency, error) {
	if cfg.idempotency != nil {
		return cfg.idempotency, nil
	}
	rs := h.settings.Redis
	h.redis = cfg.redis
	if h.redis == nil && rs.Enabled() {
		opts, err := webhook.RedisOptions(rs.URL, rs.Addr, rs.Password, rs.DB)
		if err != nil {
			return nil, err
		}
		h.redis, h.ownsRedis = redis.NewClient(opts), true
	}
	if h.redis != nil {
		return webhook.NewRedisIdempotency(h.redis, rs.IdempotencyTTL, rs.Prefix)
	}
	return webhook.NewMemoryIdempotency(rs.IdempotencyTTL), nil
}

// abort releases what New opened before failing.
func (h *Hub) abort(err error) error {
	if h.ownsRedis && h.redis != nil {
		err = multierr.Append(err, h.redis.Close())
	}
	if h.ownsStore {
		err = multierr.Append(err, h.store.Close())
	}
	return err
}

// NewLogger builds the default JSON or text logger for s.
func NewLogger(s config.LogSettings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(s.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Start runs the delivery engine, the dead-letter retrier and the pruning
// loop. Calling Start twice is a no-op.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.started {
		return nil
	}
	if err := h.engine.Start(ctx); err != nil {
		return err
	}
	h.retrier.Start(ctx)

	jctx, cancel := context.WithCancel(ctx)
	h.stopJanitor = cancel
	h.janitorDone = make(chan struct{})
	go h.janitor(jctx, h.janitorDone)

	h.started = true
	h.logger.Info("authevents hub started",
		slog.String("store", h.settings.Store.Driver),
		slog.Int("webhook_workers", h.settings.Webhook.Workers),
	)
	return nil
}

func (h *Hub) janitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Prune(ctx)
		}
	}
}

// Prune deletes delivery records older than Settings.Webhook.DeliveryRetention.
// Parked dead letters are kept for inspection; remove them explicitly with
// DLQ().Remove or DLQ().PurgeOlderThan.
func (h *Hub) Prune(ctx context.Context) {
	age := h.settings.Webhook.DeliveryRetention
	if age <= 0 {
		return
	}
	n, err := h.queue.PruneDeliveries(ctx, age)
	if err != nil {
		observability.LogStorageError(h.logger, "prune deliveries", err)
	}
	if n > 0 {
		h.logger.Info("pruned deliveries", slog.Int64("deliveries", n))
	}
}

// Close stops accepting events, waits for in-flight handlers, stops the
// background workers and closes what the Hub opened. Jobs still leased
// when ctx expires are recovered on the next Start.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	started := h.started
	h.mu.Unlock()

	err := h.bus.Close(ctx)
	if started {
		h.retrier.Stop()
		err = multierr.Append(err, h.engine.Stop(ctx))
		h.stopJanitor()
		<-h.janitorDone
	}
	if h.ownsRedis && h.redis != nil {
		err = multierr.Append(err, h.redis.Close())
	}
	if h.ownsStore {
		err = multierr.Append(err, h.store.Close())
	}
	return err
}

// Emit publishes an event; Hub satisfies event.Emitter.
func (h *Hub) Emit(ctx context.Context, eventType, source string, payload any, opts ...event.Option) (*event.Event, error) {
	return h.bus.Emit(ctx, eventType, source, payload, opts...)
}

// Emitter returns the narrow publishing interface handed to producers.
func (h *Hub) Emitter() event.Emitter { return h.bus }

func (h *Hub) Bus() *event.Bus                      { return h.bus }
func (h *Hub) Schemas() *event.SchemaRegistry       { return h.schemas }
func (h *Hub) DLQ() *event.DLQ                      { return h.dlq }
func (h *Hub) Replayer() *event.Replayer            { return h.replayer }
func (h *Hub) Endpoints() *webhook.EndpointRegistry { return h.endpoints }
func (h *Hub) Queue() *webhook.Queue                { return h.queue }
func (h *Hub) Engine() *webhook.Engine              { return h.engine }
func (h *Hub) Store() store.Store                   { return h.store }
func (h *Hub) Settings() config.Settings            { return h.settings }

// Receiver returns a receiver for secret using the configured tolerance.
func (h *Hub) Receiver(secret string) *webhook.Receiver {
	return &webhook.Receiver{
		Secret:    secret,
		Tolerance: h.settings.Webhook.SignatureTolerance,
		Logger:    h.logger,
	}
}
