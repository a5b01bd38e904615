package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is an authentication state change.
// Events are immutable once published; handlers must not modify them.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // "domain.action", e.g. "user.created"
	Source string `json:"source"` // emitting component, e.g. "password"

	// StreamID groups events of one aggregate. Defaults to Source.
	StreamID string `json:"stream_id"`

	// Version is the position within the stream, assigned on append.
	Version int64 `json:"version"`

	// Position is the global store order, assigned on append.
	Position int64 `json:"position"`

	// SchemaVersion pins validation to a schema version; 0 means latest.
	SchemaVersion int `json:"schema_version,omitempty"`

	Payload  map[string]any    `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	StoredAt   time.Time `json:"stored_at,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: random UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithStream sets the stream the event is appended to.
func WithStream(streamID string) Option {
	return func(e *Event) {
		e.StreamID = streamID
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Event) {
		e.CausationID = id
	}
}

// WithParent links the event to the event that caused it.
func WithParent(parent *Event) Option {
	return func(e *Event) {
		if parent == nil {
			return
		}
		e.CorrelationID = parent.CorrelationID
		if e.CorrelationID == "" {
			e.CorrelationID = parent.ID
		}
		e.CausationID = parent.ID
	}
}

// WithOccurredAt sets a specific occurrence time (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(e *Event) {
		e.OccurredAt = t
	}
}

// WithSchemaVersion pins the schema version used for validation.
func WithSchemaVersion(v int) Option {
	return func(e *Event) {
		e.SchemaVersion = v
	}
}

// WithMetadata adds a metadata entry.
func WithMetadata(key, value string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// New creates an event. The payload must encode to a JSON object; maps are
// used as given, anything else is round-tripped through encoding/json.
func New(eventType, source string, payload any, opts ...Option) (*Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	data, err := ToPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventType, err)
	}

	evt := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Source:     source,
		Payload:    data,
		OccurredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(evt)
	}
	if evt.StreamID == "" {
		evt.StreamID = source
	}
	return evt, nil
}

// ToPayload converts v into a JSON object map.
func ToPayload(v any) (map[string]any, error) {
	switch p := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	case json.RawMessage:
		return decodeObject(p)
	case []byte:
		return decodeObject(p)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return decodeObject(raw)
}

func decodeObject(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// PayloadBytes returns the JSON encoding of the payload.
func (e *Event) PayloadBytes() []byte {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload, _ = copyValue(e.Payload).(map[string]any)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}

// Emitter is the narrow interface producers use to publish events.
// Producers never see storage or delivery internals.
type Emitter interface {
	Emit(ctx context.Context, eventType, source string, payload any, opts ...Option) (*Event, error)
}

// EventInfo documents an event a producer may emit.
type EventInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// Provider is implemented by producers that advertise their events.
// The list is documentation only and is not enforced at emit time.
type Provider interface {
	ProvidedEvents() []EventInfo
}
