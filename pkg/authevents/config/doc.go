/*
Package config loads Hub settings.

# Sources

Settings are layered, later sources winning:

 1. DefaultSettings
 2. an optional YAML or JSON file
 3. AUTHEVENTS_* environment variables, after reading .env

The result is validated before it is returned:

	s, err := config.Load("authevents.yaml")
	if err != nil {
	    log.Fatal(err)
	}

A file mirrors the Settings sections in snake case:

	store:
	  driver: sqlite
	  path: /var/lib/authevents/events.db
	webhook:
	  workers: 8
	  backoff_initial: 2s
	ratelimit:
	  rate: 5
	  burst: 10

Environment names join the prefix, section and field:
AUTHEVENTS_WEBHOOK_WORKERS, AUTHEVENTS_STORE_PATH, AUTHEVENTS_REDIS_URL.

# Raw access

Config wraps decoded YAML/JSON for typed lookups with defaults. Keys may be
dotted paths:

	cfg, _ := config.FromYAML(data)
	workers := cfg.Int("webhook.workers", 4)
	timeout := cfg.Sub("webhook").Duration("default_timeout", 30*time.Second)

Durations accept strings ("30s", "1h30m") or numbers of seconds.
*/
package config
