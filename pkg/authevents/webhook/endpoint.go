package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
)

// Format selects the request body encoding.
type Format string

const (
	// FormatJSON is the plain {id, event, timestamp, data, version} payload.
	FormatJSON Format = "json"
	// FormatCloudEvents wraps the same data in a CloudEvents 1.0 JSON envelope.
	FormatCloudEvents Format = "cloudevents"
)

// RateLimit is a dedicated per-endpoint token bucket.
type RateLimit = ratelimit.Limit

// Filter selects the event types an endpoint receives.
// An empty filter matches nothing; use "*" to receive everything.
type Filter struct {
	Patterns []string `json:"patterns" yaml:"patterns"`
}

// Events builds a filter from exact types or wildcard patterns.
func Events(patterns ...string) Filter {
	return Filter{Patterns: patterns}
}

// AllEvents matches every event type.
func AllEvents() Filter {
	return Filter{Patterns: []string{"*"}}
}

// Matches reports whether eventType passes the filter.
func (f Filter) Matches(eventType string) bool {
	return event.MatchAny(f.Patterns, eventType)
}

// Endpoint is an external subscriber.
type Endpoint struct {
	ID          string            `json:"id" validate:"required"`
	URL         string            `json:"url" validate:"required,url"`
	Secret      string            `json:"-" validate:"required,min=16"`
	Filter      Filter            `json:"filter"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Format      Format            `json:"format,omitempty" validate:"omitempty,oneof=json cloudevents"`

	// Timeout bounds one HTTP attempt; 0 uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`

	// MaxAttempts caps delivery attempts; 0 uses the engine default.
	MaxAttempts int `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`

	// RateLimit overrides the limiter default when set.
	RateLimit *RateLimit `json:"rate_limit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointOption configures NewEndpoint.
type EndpointOption func(*Endpoint)

// WithID sets a specific endpoint ID (default: random UUID).
func WithID(id string) EndpointOption {
	return func(e *Endpoint) { e.ID = id }
}

// WithFilter sets the event filter.
func WithFilter(f Filter) EndpointOption {
	return func(e *Endpoint) { e.Filter = f }
}

// WithHeader adds a custom request header.
func WithHeader(key, value string) EndpointOption {
	return func(e *Endpoint) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.Timeout = d }
}

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) EndpointOption {
	return func(e *Endpoint) { e.MaxAttempts = n }
}

// WithRateLimit gives the endpoint its own bucket.
func WithRateLimit(rate float64, burst int) EndpointOption {
	return func(e *Endpoint) { e.RateLimit = &RateLimit{Rate: rate, Burst: burst} }
}

// WithFormat sets the body encoding.
func WithFormat(f Format) EndpointOption {
	return func(e *Endpoint) { e.Format = f }
}

// WithDescription sets a human-readable description.
func WithDescription(d string) EndpointOption {
	return func(e *Endpoint) { e.Description = d }
}

// Disabled creates the endpoint switched off.
func Disabled() EndpointOption {
	return func(e *Endpoint) { e.Enabled = false }
}

// NewEndpoint creates an enabled endpoint with a random ID.
// An empty secret is replaced by GenerateSecret.
func NewEndpoint(rawURL, secret string, opts ...EndpointOption) *Endpoint {
	if secret == "" {
		secret = GenerateSecret()
	}
	now := time.Now().UTC()
	e := &Endpoint{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Secret:    secret,
		Enabled:   true,
		Format:    FormatJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateSecret returns a random 32-byte signing secret, hex encoded.
func GenerateSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return "whsec_" + hex.EncodeToString(buf)
}

// Receives reports whether the endpoint should get eventType.
func (e *Endpoint) Receives(eventType string) bool {
	return e.Enabled && e.Filter.Matches(eventType)
}

var validate = validator.New()

// Validate checks the endpoint's fields and filter patterns.
func (e *Endpoint) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("endpoint %s: %w", e.ID, err)
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("endpoint %s: url must be http or https", e.ID)
	}
	for _, p := range e.Filter.Patterns {
		if !event.ValidPattern(p) {
			return fmt.Errorf("endpoint %s: invalid event pattern %q", e.ID, p)
		}
	}
	if e.RateLimit != nil && (e.RateLimit.Rate <= 0 || e.RateLimit.Burst <= 0) {
		return fmt.Errorf("endpoint %s: rate limit needs positive rate and burst", e.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	c.Filter.Patterns = append([]string(nil), e.Filter.Patterns...)
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.RateLimit != nil {
		rl := *e.RateLimit
		c.RateLimit = &rl
	}
	return &c
}
