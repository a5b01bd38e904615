package breaker

import (
	"github.com/randalmurphal/authevents/pkg/authevents/registry"
)

// Group holds one breaker per endpoint, created on first use.
type Group struct {
	cfg      Config
	breakers *registry.Registry[string, *Breaker]
}

// NewGroup creates a group whose breakers share cfg.
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: registry.New[string, *Breaker](),
	}
}

// For returns the breaker for endpointID.
func (g *Group) For(endpointID string) *Breaker {
	return g.breakers.GetOrCreate(endpointID, func() *Breaker {
		return New(endpointID, g.cfg)
	})
}

// Remove forgets an endpoint's breaker.
func (g *Group) Remove(endpointID string) {
	g.breakers.Delete(endpointID)
}

// Snapshots returns the state of every known breaker ordered by endpoint ID.
func (g *Group) Snapshots() []Snapshot {
	ids := registry.SortedKeys(g.breakers, func(a, b string) bool { return a < b })
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if b, ok := g.breakers.Get(id); ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
