package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// EnvPrefix prefixes every environment override, e.g. AUTHEVENTS_WEBHOOK_WORKERS.
const EnvPrefix = "AUTHEVENTS"

// Settings is the typed configuration of a Hub.
type Settings struct {
	Log       LogSettings
	Store     StoreSettings
	Bus       BusSettings
	DLQ       DLQSettings
	Webhook   WebhookSettings
	Breaker   BreakerSettings
	RateLimit RateLimitSettings
	Redis     RedisSettings
	Metrics   MetricsSettings
}

type LogSettings struct {
	Level  string `split_words:"true" validate:"oneof=debug info warn error"`
	Format string `split_words:"true" validate:"oneof=json text"`
}

type StoreSettings struct {
	Driver string `split_words:"true" validate:"oneof=memory sqlite"`
	Path   string `split_words:"true" validate:"required_if=Driver sqlite"`
}

type BusSettings struct {
	HandlerAttempts int           `split_words:"true" validate:"gte=1"`
	HandlerBackoff  time.Duration `split_words:"true" validate:"gte=0"`
	HandlerTimeout  time.Duration `split_words:"true" validate:"gte=0"`
	AppendRetries   int           `split_words:"true" validate:"gte=0"`
	MaxDepth        int           `split_words:"true" validate:"gte=1"`
	DeduplicateTTL  time.Duration `split_words:"true" validate:"gte=0"`
}

type DLQSettings struct {
	MaxRetries     int           `split_words:"true" validate:"gte=0"`
	BackoffInitial time.Duration `split_words:"true" validate:"gt=0"`
	BackoffMax     time.Duration `split_words:"true" validate:"gtefield=BackoffInitial"`
	RetryInterval  time.Duration `split_words:"true" validate:"gt=0"`
	MaxSize        int           `split_words:"true" validate:"gte=0"`
}

type WebhookSettings struct {
	Workers            int           `split_words:"true" validate:"gte=1,lte=1024"`
	PollInterval       time.Duration `split_words:"true" validate:"gt=0"`
	BatchSize          int           `split_words:"true" validate:"gte=0"`
	MaxAttempts        int           `split_words:"true" validate:"gte=1,lte=100"`
	BackoffInitial     time.Duration `split_words:"true" validate:"gt=0"`
	BackoffMax         time.Duration `split_words:"true" validate:"gtefield=BackoffInitial"`
	DefaultTimeout     time.Duration `split_words:"true" validate:"gt=0"`
	Lease              time.Duration `split_words:"true" validate:"gtfield=DefaultTimeout"`
	SignatureTolerance time.Duration `split_words:"true" validate:"gt=0"`
	UserAgent          string        `split_words:"true"`
	DeliveryRetention  time.Duration `split_words:"true" validate:"gte=0"`
}

type BreakerSettings struct {
	FailureThreshold    int           `split_words:"true" validate:"gte=1"`
	SuccessThreshold    int           `split_words:"true" validate:"gte=1"`
	Cooldown            time.Duration `split_words:"true" validate:"gt=0"`
	HalfOpenMaxRequests int           `split_words:"true" validate:"gte=1"`
}

type RateLimitSettings struct {
	Rate  float64 `split_words:"true" validate:"gt=0"`
	Burst int     `split_words:"true" validate:"gte=1"`
}

// RedisSettings enables the shared idempotency guard when URL or Addr is set.
type RedisSettings struct {
	URL            string        `split_words:"true"`
	Addr           string        `split_words:"true"`
	Password       string        `split_words:"true"`
	DB             int           `split_words:"true" validate:"gte=0"`
	Prefix         string        `split_words:"true"`
	IdempotencyTTL time.Duration `split_words:"true" validate:"gt=0"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisSettings) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

type MetricsSettings struct {
	Backend string `split_words:"true" validate:"oneof=otel prometheus none"`
}

// DefaultSettings mirrors the component defaults.
func DefaultSettings() Settings {
	return Settings{
		Log:   LogSettings{Level: "info", Format: "json"},
		Store: StoreSettings{Driver: "memory"},
		Bus: BusSettings{
			HandlerAttempts: 3,
			HandlerBackoff:  50 * time.Millisecond,
			AppendRetries:   3,
			MaxDepth:        8,
		},
		DLQ: DLQSettings{
			MaxRetries:     3,
			BackoffInitial: time.Minute,
			BackoffMax:     time.Hour,
			RetryInterval:  30 * time.Second,
		},
		Webhook: WebhookSettings{
			Workers:            4,
			PollInterval:       time.Second,
			MaxAttempts:        5,
			BackoffInitial:     time.Second,
			BackoffMax:         time.Hour,
			DefaultTimeout:     30 * time.Second,
			Lease:              5 * time.Minute,
			SignatureTolerance: 300 * time.Second,
			UserAgent:          "authevents-webhooks/1",
			DeliveryRetention:  7 * 24 * time.Hour,
		},
		Breaker: BreakerSettings{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			Cooldown:            60 * time.Second,
			HalfOpenMaxRequests: 3,
		},
		RateLimit: RateLimitSettings{Rate: 10, Burst: 20},
		Redis:     RedisSettings{Prefix: "authevents", IdempotencyTTL: 24 * time.Hour},
		Metrics:   MetricsSettings{Backend: "otel"},
	}
}

// SettingsFrom reads Settings out of c, keeping defaults for missing keys.
func SettingsFrom(c Config) Settings {
	s := DefaultSettings()

	log := c.Sub("log")
	s.Log.Level = log.String("level", s.Log.Level)
	s.Log.Format = log.String("format", s.Log.Format)

	st := c.Sub("store")
	s.Store.Driver = st.String("driver", s.Store.Driver)
	s.Store.Path = st.String("path", s.Store.Path)

	bus := c.Sub("bus")
	s.Bus.HandlerAttempts = bus.Int("handler_attempts", s.Bus.HandlerAttempts)
	s.Bus.HandlerBackoff = bus.Duration("handler_backoff", s.Bus.HandlerBackoff)
	s.Bus.HandlerTimeout = bus.Duration("handler_timeout", s.Bus.HandlerTimeout)
	s.Bus.AppendRetries = bus.Int("append_retries", s.Bus.AppendRetries)
	s.Bus.MaxDepth = bus.Int("max_depth", s.Bus.MaxDepth)
	s.Bus.DeduplicateTTL = bus.Duration("deduplicate_ttl", s.Bus.DeduplicateTTL)

	dlq := c.Sub("dlq")
	s.DLQ.MaxRetries = dlq.Int("max_retries", s.DLQ.MaxRetries)
	s.DLQ.BackoffInitial = dlq.Duration("backoff_initial", s.DLQ.BackoffInitial)
	s.DLQ.BackoffMax = dlq.Duration("backoff_max", s.DLQ.BackoffMax)
	s.DLQ.RetryInterval = dlq.Duration("retry_interval", s.DLQ.RetryInterval)
	s.DLQ.MaxSize = dlq.Int("max_size", s.DLQ.MaxSize)

	wh := c.Sub("webhook")
	s.Webhook.Workers = wh.Int("workers", s.Webhook.Workers)
	s.Webhook.PollInterval = wh.Duration("poll_interval", s.Webhook.PollInterval)
	s.Webhook.BatchSize = wh.Int("batch_size", s.Webhook.BatchSize)
	s.Webhook.MaxAttempts = wh.Int("max_attempts", s.Webhook.MaxAttempts)
	s.Webhook.BackoffInitial = wh.Duration("backoff_initial", s.Webhook.BackoffInitial)
	s.Webhook.BackoffMax = wh.Duration("backoff_max", s.Webhook.BackoffMax)
	s.Webhook.DefaultTimeout = wh.Duration("default_timeout", s.Webhook.DefaultTimeout)
	s.Webhook.Lease = wh.Duration("lease", s.Webhook.Lease)
	s.Webhook.SignatureTolerance = wh.Duration("signature_tolerance", s.Webhook.SignatureTolerance)
	s.Webhook.UserAgent = wh.String("user_agent", s.Webhook.UserAgent)
	s.Webhook.DeliveryRetention = wh.Duration("delivery_retention", s.Webhook.DeliveryRetention)

	br := c.Sub("breaker")
	s.Breaker.FailureThreshold = br.Int("failure_threshold", s.Breaker.FailureThreshold)
	s.Breaker.SuccessThreshold = br.Int("success_threshold", s.Breaker.SuccessThreshold)
	s.Breaker.Cooldown = br.Duration("cooldown", s.Breaker.Cooldown)
	s.Breaker.HalfOpenMaxRequests = br.Int("half_open_max_requests", s.Breaker.HalfOpenMaxRequests)

	rl := c.Sub("ratelimit")
	s.RateLimit.Rate = rl.Float("rate", s.RateLimit.Rate)
	s.RateLimit.Burst = rl.Int("burst", s.RateLimit.Burst)

	rd := c.Sub("redis")
	s.Redis.URL = rd.String("url", s.Redis.URL)
	s.Redis.Addr = rd.String("addr", s.Redis.Addr)
	s.Redis.Password = rd.String("password", s.Redis.Password)
	s.Redis.DB = rd.Int("db", s.Redis.DB)
	s.Redis.Prefix = rd.String("prefix", s.Redis.Prefix)
	s.Redis.IdempotencyTTL = rd.Duration("idempotency_ttl", s.Redis.IdempotencyTTL)

	s.Metrics.Backend = c.String("metrics.backend", s.Metrics.Backend)
	return s
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints.
func (s Settings) Validate() error {
	return validate.Struct(s)
}
