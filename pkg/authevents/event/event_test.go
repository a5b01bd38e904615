package event_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

type loginPayload struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
}

func TestNew(t *testing.T) {
	evt, err := event.New("user.login", "password", loginPayload{UserID: "u1", Method: "password"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ID == "" {
		t.Error("expected generated ID")
	}
	if evt.StreamID != "password" {
		t.Errorf("expected stream to default to source, got %q", evt.StreamID)
	}
	if evt.OccurredAt.IsZero() || evt.OccurredAt.Location() != time.UTC {
		t.Errorf("expected UTC occurrence time, got %v", evt.OccurredAt)
	}
	if evt.Payload["user_id"] != "u1" {
		t.Errorf("expected payload user_id u1, got %v", evt.Payload["user_id"])
	}

	var decoded loginPayload
	if err := evt.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Method != "password" {
		t.Errorf("expected method password, got %q", decoded.Method)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := event.New("", "password", nil); err == nil {
		t.Error("expected error for empty type")
	}
	if _, err := event.New("user.login", "password", []string{"not", "an", "object"}); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestNewOptions(t *testing.T) {
	parent, _ := event.New("user.created", "admin", nil, event.WithCorrelationID("corr"))
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	evt, err := event.New("session.created", "session", map[string]any{"user_id": "u1"},
		event.WithID("fixed"),
		event.WithStream("user-u1"),
		event.WithParent(parent),
		event.WithOccurredAt(at),
		event.WithSchemaVersion(2),
		event.WithMetadata("ip", "127.0.0.1"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ID != "fixed" || evt.StreamID != "user-u1" {
		t.Errorf("unexpected id/stream: %s %s", evt.ID, evt.StreamID)
	}
	if evt.CorrelationID != "corr" || evt.CausationID != parent.ID {
		t.Errorf("expected correlation from parent, got %s / %s", evt.CorrelationID, evt.CausationID)
	}
	if !evt.OccurredAt.Equal(at) || evt.SchemaVersion != 2 || evt.Metadata["ip"] != "127.0.0.1" {
		t.Errorf("options not applied: %+v", evt)
	}
}

func TestClone(t *testing.T) {
	evt, _ := event.New("user.updated", "admin", map[string]any{
		"changes": map[string]any{"email": "a@example.com"},
		"roles":   []any{"admin"},
	}, event.WithMetadata("k", "v"))

	c := evt.Clone()
	c.Payload["changes"].(map[string]any)["email"] = "b@example.com"
	c.Payload["roles"].([]any)[0] = "user"
	c.Metadata["k"] = "changed"

	if evt.Payload["changes"].(map[string]any)["email"] != "a@example.com" {
		t.Error("clone shares nested map with original")
	}
	if evt.Payload["roles"].([]any)[0] != "admin" {
		t.Error("clone shares slice with original")
	}
	if evt.Metadata["k"] != "v" {
		t.Error("clone shares metadata with original")
	}
}

func TestToPayload(t *testing.T) {
	m, err := event.ToPayload([]byte(`{"a":1}`))
	if err != nil || m["a"] != float64(1) {
		t.Errorf("bytes payload: %v %v", m, err)
	}
	m, err = event.ToPayload(nil)
	if err != nil || m == nil || len(m) != 0 {
		t.Errorf("nil payload should be empty object: %v %v", m, err)
	}
	if _, err := event.ToPayload("string"); err == nil {
		t.Error("expected error for string payload")
	}
}
