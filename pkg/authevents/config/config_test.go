package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/authevents/pkg/authevents/config"
)

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "hub",
		"timeout":  "1h30m",
		"interval": 2,
		"ratio":    0.5,
		"whole":    3.0,
		"frac":     3.5,
		"enabled":  true,
		"tags":     []any{"a", "b"},
		"mixed":    []any{"a", 1},
	})

	assert.Equal(t, "hub", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("enabled", "x"), "wrong type")
	assert.Equal(t, 90*time.Minute, cfg.Duration("timeout", 0))
	assert.Equal(t, 2*time.Second, cfg.Duration("interval", 0))
	assert.Equal(t, 500*time.Millisecond, cfg.Duration("ratio", 0))
	assert.Equal(t, time.Second, cfg.Duration("name", time.Second), "unparseable")
	assert.Equal(t, 3, cfg.Int("whole", 0))
	assert.Equal(t, 7, cfg.Int("frac", 7), "fractional floats aren't ints")
	assert.Equal(t, 2.0, cfg.Float("interval", 0))
	assert.True(t, cfg.Bool("enabled", false))
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("tags", nil))
	assert.Equal(t, []string{"d"}, cfg.StringSlice("mixed", []string{"d"}))
	assert.True(t, cfg.Has("name"))
	assert.False(t, cfg.Has("missing"))
	assert.Nil(t, cfg.Any("missing", nil))
}

func TestNilMap(t *testing.T) {
	cfg := config.New(nil)
	assert.NotNil(t, cfg.Raw())
	assert.Equal(t, "d", cfg.String("k", "d"))
	assert.Empty(t, cfg.Sub("k").Raw())
}

func TestDottedPathsAndSub(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
webhook:
  workers: 8
  breaker:
    cooldown: 30s
flat.key: direct
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Int("webhook.workers", 0))
	assert.Equal(t, 30*time.Second, cfg.Duration("webhook.breaker.cooldown", 0))
	assert.Equal(t, 8, cfg.Sub("webhook").Int("workers", 0))
	assert.Equal(t, 30*time.Second, cfg.Sub("webhook").Sub("breaker").Duration("cooldown", 0))
	assert.Equal(t, "direct", cfg.String("flat.key", ""), "literal keys win over paths")
	assert.Equal(t, 1, cfg.Int("webhook.workers.deeper", 1))
	assert.Empty(t, cfg.Sub("webhook.workers").Raw(), "scalar isn't a section")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("store:\n  driver: sqlite\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.String("store.driver", ""))

	jsonPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"webhook":{"workers":6}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Int("webhook.workers", 0))

	_, err = config.FromFile(filepath.Join(dir, "c.toml"))
	assert.Error(t, err)

	tomlPath := filepath.Join(dir, "real.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("a = 1"), 0o600))
	_, err = config.FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported")

	_, err = config.FromYAML([]byte("a: [unclosed"))
	assert.Error(t, err)
	_, err = config.FromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestSettingsFrom(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
store:
  driver: sqlite
  path: /tmp/events.db
webhook:
  workers: 16
  backoff_initial: 2s
  max_attempts: 7
breaker:
  cooldown: 45
ratelimit:
  rate: 2.5
  burst: 5
redis:
  url: redis://localhost:6379/0
metrics:
  backend: prometheus
`))
	require.NoError(t, err)

	s := config.SettingsFrom(cfg)
	assert.Equal(t, "sqlite", s.Store.Driver)
	assert.Equal(t, "/tmp/events.db", s.Store.Path)
	assert.Equal(t, 16, s.Webhook.Workers)
	assert.Equal(t, 2*time.Second, s.Webhook.BackoffInitial)
	assert.Equal(t, 7, s.Webhook.MaxAttempts)
	assert.Equal(t, 45*time.Second, s.Breaker.Cooldown)
	assert.Equal(t, 2.5, s.RateLimit.Rate)
	assert.Equal(t, 5, s.RateLimit.Burst)
	assert.True(t, s.Redis.Enabled())
	assert.Equal(t, "prometheus", s.Metrics.Backend)

	// Untouched sections keep defaults.
	d := config.DefaultSettings()
	assert.Equal(t, d.DLQ, s.DLQ)
	assert.Equal(t, d.Bus, s.Bus)
	assert.NoError(t, s.Validate())
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, config.DefaultSettings().Validate())

	tests := []struct {
		name   string
		mutate func(*config.Settings)
	}{
		{"unknown driver", func(s *config.Settings) { s.Store.Driver = "postgres" }},
		{"sqlite without path", func(s *config.Settings) { s.Store.Driver = "sqlite" }},
		{"no workers", func(s *config.Settings) { s.Webhook.Workers = 0 }},
		{"lease shorter than timeout", func(s *config.Settings) { s.Webhook.Lease = time.Second }},
		{"backoff max below initial", func(s *config.Settings) { s.DLQ.BackoffMax = time.Second }},
		{"zero rate", func(s *config.Settings) { s.RateLimit.Rate = 0 }},
		{"unknown metrics backend", func(s *config.Settings) { s.Metrics.Backend = "statsd" }},
		{"bad log level", func(s *config.Settings) { s.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultSettings()
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoad_Layers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authevents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
webhook:
  workers: 8
  poll_interval: 250ms
ratelimit:
  burst: 40
`), 0o600))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("AUTHEVENTS_RATELIMIT_RATE=3\n"), 0o600))

	t.Setenv("AUTHEVENTS_WEBHOOK_WORKERS", "12")
	t.Setenv("AUTHEVENTS_BREAKER_HALF_OPEN_MAX_REQUESTS", "1")
	t.Setenv("AUTHEVENTS_REDIS_IDEMPOTENCY_TTL", "1h")
	// godotenv sets variables process-wide; make sure the test cleans up.
	t.Setenv("AUTHEVENTS_RATELIMIT_RATE", "")
	require.NoError(t, os.Unsetenv("AUTHEVENTS_RATELIMIT_RATE"))

	s, err := config.LoadWith(config.LoadOptions{Path: path, DotEnv: []string{envFile, filepath.Join(dir, "missing.env")}})
	require.NoError(t, err)

	assert.Equal(t, 12, s.Webhook.Workers, "env beats file")
	assert.Equal(t, 250*time.Millisecond, s.Webhook.PollInterval, "file beats default")
	assert.Equal(t, 40, s.RateLimit.Burst)
	assert.Equal(t, 3.0, s.RateLimit.Rate, "from .env")
	assert.Equal(t, 1, s.Breaker.HalfOpenMaxRequests)
	assert.Equal(t, time.Hour, s.Redis.IdempotencyTTL)
	assert.Equal(t, "memory", s.Store.Driver)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("AUTHEVENTS_STORE_DRIVER", "cassandra")
	_, err := config.LoadWith(config.LoadOptions{DotEnv: []string{}})
	assert.ErrorContains(t, err, "invalid settings")
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("AUTHEVENTS_WEBHOOK_WORKERS", "many")
	_, err := config.LoadWith(config.LoadOptions{DotEnv: []string{}})
	assert.ErrorContains(t, err, "parsing environment")
}

func TestLoad_SkipEnv(t *testing.T) {
	t.Setenv("AUTHEVENTS_WEBHOOK_WORKERS", "99")
	s, err := config.LoadWith(config.LoadOptions{DotEnv: []string{}, SkipEnv: true})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Webhook.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.LoadWith(config.LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml"), DotEnv: []string{}})
	assert.Error(t, err)
}
