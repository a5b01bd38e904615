package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

type memStream struct {
	events    []*event.Event // index i holds version i+1
	updatedAt time.Time
}

// MemoryStore keeps everything in process memory.
// It is suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*event.Event // index i holds position i+1
	ids       map[string]struct{}
	streams   map[string]*memStream
	snapshots map[string]*event.Snapshot

	endpoints  map[string]*webhook.Endpoint
	jobs       map[string]*webhook.Job
	deliveries []*webhook.Delivery

	closed bool
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:       make(map[string]struct{}),
		streams:   make(map[string]*memStream),
		snapshots: make(map[string]*event.Snapshot),
		endpoints: make(map[string]*webhook.Endpoint),
		jobs:      make(map[string]*webhook.Job),
		now:       time.Now,
	}
}

// Append implements event.Store.
func (s *MemoryStore) Append(ctx context.Context, evt *event.Event, expectedVersion int64) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, dup := s.ids[evt.ID]; dup {
		return nil, fmt.Errorf("append %s: %w", evt.ID, ErrDuplicateEvent)
	}

	stream := s.streams[evt.StreamID]
	var current int64
	if stream != nil {
		current = int64(len(stream.events))
	}
	if expectedVersion != event.AnyVersion && expectedVersion != current {
		return nil, &aeerrors.VersionConflictError{
			StreamID: evt.StreamID,
			Expected: expectedVersion,
			Actual:   current,
		}
	}
	if stream == nil {
		stream = &memStream{}
		s.streams[evt.StreamID] = stream
	}

	stored := evt.Clone()
	stored.Version = current + 1
	stored.Position = int64(len(s.events)) + 1
	stored.StoredAt = s.now().UTC()

	s.events = append(s.events, stored)
	s.ids[stored.ID] = struct{}{}
	stream.events = append(stream.events, stored)
	stream.updatedAt = stored.StoredAt
	return stored.Clone(), nil
}

// Query implements event.Store.
func (s *MemoryStore) Query(ctx context.Context, q event.Query) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		var matched []*event.Event
		for _, evt := range s.events {
			if q.Matches(evt) {
				matched = append(matched, evt)
			}
		}
		s.mu.RUnlock()

		event.SortByOccurrence(matched)
		for i, evt := range matched {
			if q.Limit > 0 && i >= q.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(evt.Clone(), nil) {
				return
			}
		}
	}
}

// ReadStream implements event.Store.
func (s *MemoryStore) ReadStream(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[*event.Event, error] {
	return func(yield func(*event.Event, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, ErrClosed)
			return
		}
		var events []*event.Event
		if stream := s.streams[streamID]; stream != nil {
			start := max(fromVersion, 1) - 1
			if start < int64(len(stream.events)) {
				events = slices.Clone(stream.events[start:])
			}
		}
		s.mu.RUnlock()

		for _, evt := range events {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(evt.Clone(), nil) {
				return
			}
		}
	}
}

// StreamVersion implements event.Store.
func (s *MemoryStore) StreamVersion(_ context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if stream := s.streams[streamID]; stream != nil {
		return int64(len(stream.events)), nil
	}
	return 0, nil
}

// Streams returns every stream head, sorted by ID.
func (s *MemoryStore) Streams(_ context.Context) ([]event.StreamInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]event.StreamInfo, 0, len(s.streams))
	for id, st := range s.streams {
		out = append(out, event.StreamInfo{ID: id, Version: int64(len(st.events)), UpdatedAt: st.updatedAt})
	}
	slices.SortFunc(out, func(a, b event.StreamInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// SaveSnapshot implements event.Store.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *event.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var head int64
	if stream := s.streams[snap.StreamID]; stream != nil {
		head = int64(len(stream.events))
	}
	var latest int64
	if cur := s.snapshots[snap.StreamID]; cur != nil {
		latest = cur.Version
	}
	if err := checkSnapshot(snap, latest, head); err != nil {
		return err
	}

	c := *snap
	c.State = slices.Clone(snap.State)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.snapshots[snap.StreamID] = &c
	return nil
}

func checkSnapshot(snap *event.Snapshot, latest, head int64) error {
	switch {
	case snap.Version < 1:
		return fmt.Errorf("%w: %s version %d", event.ErrInvalidSnapshot, snap.StreamID, snap.Version)
	case snap.Version <= latest:
		return fmt.Errorf("%w: %s version %d not after snapshot %d",
			event.ErrInvalidSnapshot, snap.StreamID, snap.Version, latest)
	case snap.Version > head:
		return fmt.Errorf("%w: %s version %d beyond stream version %d",
			event.ErrInvalidSnapshot, snap.StreamID, snap.Version, head)
	}
	return nil
}

// LatestSnapshot implements event.Store.
func (s *MemoryStore) LatestSnapshot(_ context.Context, streamID string) (*event.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	snap, ok := s.snapshots[streamID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", streamID, ErrNotFound)
	}
	c := *snap
	c.State = slices.Clone(snap.State)
	return &c, nil
}

// SaveEndpoint implements webhook.Storage.
func (s *MemoryStore) SaveEndpoint(_ context.Context, ep *webhook.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.endpoints[ep.ID] = ep.Clone()
	return nil
}

// GetEndpoint implements webhook.Storage.
func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	return ep.Clone(), nil
}

// ListEndpoints implements webhook.Storage.
func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*webhook.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep.Clone())
	}
	slices.SortFunc(out, func(a, b *webhook.Endpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteEndpoint implements webhook.Storage.
func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	delete(s.endpoints, id)
	return nil
}

// SaveJob implements webhook.Storage.
func (s *MemoryStore) SaveJob(_ context.Context, job *webhook.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// UpdateJob implements webhook.Storage.
func (s *MemoryStore) UpdateJob(_ context.Context, job *webhook.Job, from webhook.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("job %s is %s, not %s: %w", job.ID, cur.Status, from, webhook.ErrJobChanged)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob implements webhook.Storage.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*webhook.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs implements webhook.Storage. Jobs are ordered by creation time.
func (s *MemoryStore) ListJobs(_ context.Context, f webhook.JobFilter) ([]*webhook.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*webhook.Job
	for _, job := range s.jobs {
		if f.EndpointID != "" && job.EndpointID != f.EndpointID {
			continue
		}
		if f.EventID != "" && job.EventID != f.EventID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *webhook.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ClaimDueJobs implements webhook.Storage.
func (s *MemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*webhook.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var due []*webhook.Job
	for _, job := range s.jobs {
		if job.Status == webhook.StatusPending && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	slices.SortFunc(due, func(a, b *webhook.Job) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*webhook.Job, len(due))
	for i, job := range due {
		job.Status = webhook.StatusProcessing
		job.LockedUntil = now.Add(lease)
		job.UpdatedAt = now
		out[i] = job.Clone()
	}
	return out, nil
}

// RecoverStale implements webhook.Storage.
func (s *MemoryStore) RecoverStale(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, job := range s.jobs {
		if job.Status == webhook.StatusProcessing && job.LockedUntil.Before(now) {
			job.Status = webhook.StatusPending
			job.NextAttemptAt = now
			job.LockedUntil = time.Time{}
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// SaveDelivery implements webhook.Storage.
func (s *MemoryStore) SaveDelivery(_ context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := *d
	s.deliveries = append(s.deliveries, &c)
	return nil
}

// ListDeliveries implements webhook.Storage, ordered by attempt.
func (s *MemoryStore) ListDeliveries(_ context.Context, jobID string) ([]*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*webhook.Delivery
	for _, d := range s.deliveries {
		if d.JobID == jobID {
			c := *d
			out = append(out, &c)
		}
	}
	slices.SortStableFunc(out, func(a, b *webhook.Delivery) int { return a.Attempt - b.Attempt })
	return out, nil
}

// ListEndpointDeliveries implements webhook.Storage, newest first.
func (s *MemoryStore) ListEndpointDeliveries(_ context.Context, endpointID string, limit int) ([]*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*webhook.Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if d.EndpointID != endpointID {
			continue
		}
		c := *d
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteDeliveriesBefore implements webhook.Storage.
func (s *MemoryStore) DeleteDeliveriesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	kept := s.deliveries[:0]
	var removed int64
	for _, d := range s.deliveries {
		if d.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	s.deliveries = kept
	return removed, nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
