package authevents

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
	"github.com/randalmurphal/authevents/pkg/authevents/store"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

// hubConfig holds collaborators that can't come from Settings.
type hubConfig struct {
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	registerer  prometheus.Registerer
	httpClient  *http.Client
	store       store.Store
	redis       *redis.Client
	idempotency webhook.Idempotency
	schemas     *event.SchemaRegistry
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithLogger sets the logger shared by every component.
// Default: a slog JSON handler on stderr at Settings.Log.Level
func WithLogger(l *slog.Logger) Option {
	return func(c *hubConfig) { c.logger = l }
}

// WithMetrics overrides the recorder chosen by Settings.Metrics.Backend.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *hubConfig) { c.metrics = m }
}

// WithSpanManager overrides the tracer.
// Default: OpenTelemetry spans unless the metrics backend is "none"
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *hubConfig) { c.spans = s }
}

// WithPrometheusRegisterer sets where the "prometheus" backend registers
// its collectors.
// Default: prometheus.DefaultRegisterer
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *hubConfig) { c.registerer = reg }
}

// WithHTTPClient sets the client used for webhook deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(c *hubConfig) { c.httpClient = client }
}

// WithStore uses an existing store instead of opening one from
// Settings.Store. The Hub doesn't close stores it didn't open.
func WithStore(s store.Store) Option {
	return func(c *hubConfig) { c.store = s }
}

// WithRedis uses an existing client for the idempotency guard.
// The Hub doesn't close clients it didn't create.
func WithRedis(client *redis.Client) Option {
	return func(c *hubConfig) { c.redis = client }
}

// WithIdempotency overrides the webhook enqueue guard.
func WithIdempotency(idem webhook.Idempotency) Option {
	return func(c *hubConfig) { c.idempotency = idem }
}

// WithSchemas starts the Hub with schemas already registered.
func WithSchemas(r *event.SchemaRegistry) Option {
	return func(c *hubConfig) { c.schemas = r }
}
