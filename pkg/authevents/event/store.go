package event

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"time"
)

// AnyVersion skips the optimistic concurrency check on Append.
const AnyVersion int64 = -1

// ErrInvalidSnapshot is returned for a snapshot that is stale or ahead of its stream.
var ErrInvalidSnapshot = errors.New("invalid snapshot version")

// Store is the append-only event log.
//
// Implementations must be safe for concurrent use. Appends to one stream
// are serialized; versions within a stream are contiguous starting at 1.
type Store interface {
	// Append persists evt at the next version of its stream and returns the
	// stored copy with Version, Position and StoredAt assigned.
	// expectedVersion is the stream version the caller last saw, or AnyVersion.
	// A mismatch returns *errors.VersionConflictError.
	Append(ctx context.Context, evt *Event, expectedVersion int64) (*Event, error)

	// Query returns matching events ordered by OccurredAt, then Position.
	// The sequence is lazy and can be iterated more than once.
	Query(ctx context.Context, q Query) iter.Seq2[*Event, error]

	// ReadStream returns a stream's events with Version >= fromVersion in version order.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[*Event, error]

	// StreamVersion returns the current version of a stream, 0 if it has no events.
	StreamVersion(ctx context.Context, streamID string) (int64, error)

	// SaveSnapshot stores aggregate state. The version must be greater than
	// the latest snapshot's and not beyond the stream's current version.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LatestSnapshot returns the highest-version snapshot of a stream,
	// or errors.ErrNotFound.
	LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
}

// Query selects events from a Store. Zero fields don't filter.
type Query struct {
	// Types holds exact types or wildcard patterns, see MatchType.
	Types         []string
	Source        string
	StreamID      string
	CorrelationID string

	// From is inclusive, To is exclusive.
	From time.Time
	To   time.Time

	// FromVersion skips events below this stream version.
	FromVersion int64

	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// Matches reports whether evt satisfies every filter except Limit.
func (q Query) Matches(evt *Event) bool {
	if len(q.Types) > 0 && !MatchAny(q.Types, evt.Type) {
		return false
	}
	if q.Source != "" && evt.Source != q.Source {
		return false
	}
	if q.StreamID != "" && evt.StreamID != q.StreamID {
		return false
	}
	if q.CorrelationID != "" && evt.CorrelationID != q.CorrelationID {
		return false
	}
	if q.FromVersion > 0 && evt.Version < q.FromVersion {
		return false
	}
	if !q.From.IsZero() && evt.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !evt.OccurredAt.Before(q.To) {
		return false
	}
	return true
}

// Snapshot is materialized aggregate state at a stream version.
type Snapshot struct {
	StreamID  string          `json:"stream_id"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// StreamInfo is the head of a stream.
type StreamInfo struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Event, error]) ([]*Event, error) {
	var out []*Event
	for evt, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// SortByOccurrence orders events by OccurredAt, then Position.
func SortByOccurrence(events []*Event) {
	slices.SortStableFunc(events, func(a, b *Event) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		switch {
		case a.Position < b.Position:
			return -1
		case a.Position > b.Position:
			return 1
		}
		return 0
	})
}
