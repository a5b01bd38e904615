package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long an (event, endpoint) claim is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// Idempotency guards against enqueueing the same event for the same
// endpoint twice, e.g. when two processes replay the same stream.
type Idempotency interface {
	// Claim marks key and reports whether this caller got it first.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later Claim succeeds again.
	Release(ctx context.Context, key string) error
}

// IdempotencyKey builds the key for an (event, endpoint) pair.
func IdempotencyKey(eventID, endpointID string) string {
	return eventID + ":" + endpointID
}

// MemoryIdempotency is an in-process Idempotency for single-instance use.
type MemoryIdempotency struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryIdempotency creates an in-process guard. ttl <= 0 uses DefaultIdempotencyTTL.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotency{ttl: ttl, keys: make(map[string]time.Time), now: time.Now}
}

// Claim implements Idempotency.
func (m *MemoryIdempotency) Claim(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)
	if len(m.keys)%1024 == 0 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

// Release implements Idempotency.
func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

// redisCmdable is the part of *redis.Client the guard uses.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisIdempotency shares claims between processes with SET NX and a TTL.
// Keys follow "<prefix>:webhook:<event_id>:<endpoint_id>".
type RedisIdempotency struct {
	client redisCmdable
	ttl    time.Duration
	prefix string
}

// NewRedisIdempotency creates a guard on client. ttl <= 0 uses DefaultIdempotencyTTL.
func NewRedisIdempotency(client redisCmdable, ttl time.Duration, prefix string) (*RedisIdempotency, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if prefix == "" {
		prefix = "authevents"
	}
	return &RedisIdempotency{client: client, ttl: ttl, prefix: prefix}, nil
}

func (r *RedisIdempotency) key(k string) string {
	return r.prefix + ":webhook:" + k
}

// Claim implements Idempotency.
func (r *RedisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	set, err := r.client.SetNX(ctx, r.key(key), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return set, nil
}

// Release implements Idempotency.
func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// RedisOptions builds client options from a redis:// URL or a plain address.
func RedisOptions(url, addr, password string, db int) (*redis.Options, error) {
	if url == "" && addr == "" {
		return nil, errors.New("redis url or address is required")
	}
	if url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr, Password: password, DB: db}, nil
}
