package webhook

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/authevents/pkg/authevents/ratelimit"
	"github.com/randalmurphal/authevents/pkg/authevents/registry"
)

// EndpointRegistry manages endpoints. Writes go to Storage first; reads are
// served from an in-process cache so matching never touches the database.
type EndpointRegistry struct {
	storage Storage
	cache   *registry.Registry[string, *Endpoint]

	// onChange runs after an endpoint is updated or removed.
	onChange []func(endpointID string)
}

// NewEndpointRegistry creates an empty registry over storage. Call Load to
// pick up endpoints persisted by an earlier process.
func NewEndpointRegistry(storage Storage) *EndpointRegistry {
	return &EndpointRegistry{
		storage: storage,
		cache:   registry.New[string, *Endpoint](),
	}
}

// OnChange registers fn to run after an endpoint is updated or removed.
// Per-endpoint state such as rate-limit buckets hooks in here.
func (r *EndpointRegistry) OnChange(fn func(endpointID string)) {
	r.onChange = append(r.onChange, fn)
}

// Load fills the cache from storage.
func (r *EndpointRegistry) Load(ctx context.Context) (int, error) {
	eps, err := r.storage.ListEndpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("load endpoints: %w", err)
	}
	for _, ep := range eps {
		r.cache.Put(ep.ID, ep)
	}
	return len(eps), nil
}

// Register validates and stores a new endpoint.
func (r *EndpointRegistry) Register(ctx context.Context, ep *Endpoint) error {
	if _, exists := r.cache.Get(ep.ID); exists {
		return fmt.Errorf("endpoint %s already registered", ep.ID)
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	stored := ep.Clone()
	if err := r.storage.SaveEndpoint(ctx, stored); err != nil {
		return err
	}
	r.cache.Put(stored.ID, stored)
	return nil
}

// Update replaces an existing endpoint. Jobs already queued keep the
// settings they were enqueued with.
func (r *EndpointRegistry) Update(ctx context.Context, ep *Endpoint) error {
	cur, ok := r.cache.Get(ep.ID)
	if !ok {
		return fmt.Errorf("endpoint %s: %w", ep.ID, ErrEndpointNotFound)
	}
	if err := ep.Validate(); err != nil {
		return err
	}
	stored := ep.Clone()
	stored.CreatedAt = cur.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	if err := r.storage.SaveEndpoint(ctx, stored); err != nil {
		return err
	}
	r.cache.Put(stored.ID, stored)
	r.changed(stored.ID)
	return nil
}

// SetEnabled switches an endpoint on or off.
func (r *EndpointRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ep, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, ErrEndpointNotFound)
	}
	ep.Enabled = enabled
	return r.Update(ctx, ep)
}

// Remove deletes an endpoint. Its queued jobs are left to finish.
func (r *EndpointRegistry) Remove(ctx context.Context, id string) error {
	if _, ok := r.cache.Get(id); !ok {
		return fmt.Errorf("endpoint %s: %w", id, ErrEndpointNotFound)
	}
	if err := r.storage.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	r.cache.Delete(id)
	r.changed(id)
	return nil
}

func (r *EndpointRegistry) changed(id string) {
	for _, fn := range r.onChange {
		fn(id)
	}
}

// Get returns a copy of one endpoint.
func (r *EndpointRegistry) Get(id string) (*Endpoint, bool) {
	ep, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	return ep.Clone(), true
}

// List returns copies of every endpoint ordered by ID.
func (r *EndpointRegistry) List() []*Endpoint {
	return r.collect(func(*Endpoint) bool { return true })
}

// Matching returns the enabled endpoints whose filter accepts eventType.
func (r *EndpointRegistry) Matching(eventType string) []*Endpoint {
	return r.collect(func(ep *Endpoint) bool { return ep.Receives(eventType) })
}

func (r *EndpointRegistry) collect(keep func(*Endpoint) bool) []*Endpoint {
	var out []*Endpoint
	for _, ep := range r.cache.All() {
		if keep(ep) {
			out = append(out, ep.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Endpoint) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RateLimit returns an endpoint's own limit, or nil for the limiter
// default. It fits EngineConfig.Limits.
func (r *EndpointRegistry) RateLimit(endpointID string) *ratelimit.Limit {
	ep, ok := r.cache.Get(endpointID)
	if !ok || ep.RateLimit == nil {
		return nil
	}
	l := *ep.RateLimit
	return &l
}
