package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	ceevent "github.com/cloudevents/sdk-go/v2/event"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

// ContentTypeCloudEvents is the structured-mode CloudEvents media type.
const ContentTypeCloudEvents = "application/cloudevents+json"

// Payload is the JSON body delivered to endpoints.
type Payload struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Version   string         `json:"version"`
}

// NewPayload builds the delivery body for evt.
func NewPayload(evt *event.Event) Payload {
	version := "1"
	if evt.SchemaVersion > 0 {
		version = strconv.Itoa(evt.SchemaVersion)
	}
	data := evt.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Payload{
		ID:        evt.ID,
		Event:     evt.Type,
		Timestamp: evt.OccurredAt.UTC().Format(time.RFC3339),
		Data:      data,
		Version:   version,
	}
}

// Encode renders evt in the given format and returns the body and its
// content type.
func Encode(evt *event.Event, format Format) ([]byte, string, error) {
	switch format {
	case "", FormatJSON:
		body, err := json.Marshal(NewPayload(evt))
		if err != nil {
			return nil, "", fmt.Errorf("encode payload %s: %w", evt.ID, err)
		}
		return body, "application/json", nil
	case FormatCloudEvents:
		ce, err := ToCloudEvent(evt)
		if err != nil {
			return nil, "", err
		}
		body, err := json.Marshal(ce)
		if err != nil {
			return nil, "", fmt.Errorf("encode cloudevent %s: %w", evt.ID, err)
		}
		return body, ContentTypeCloudEvents, nil
	default:
		return nil, "", fmt.Errorf("unknown webhook format %q", format)
	}
}

// ToCloudEvent maps evt onto a CloudEvents 1.0 event. The data is the same
// object sent in the plain JSON format.
func ToCloudEvent(evt *event.Event) (ceevent.Event, error) {
	ce := ceevent.New()
	ce.SetID(evt.ID)
	ce.SetType(evt.Type)
	source := evt.Source
	if source == "" {
		source = "authevents"
	}
	ce.SetSource(source)
	ce.SetTime(evt.OccurredAt)
	if evt.StreamID != "" {
		ce.SetSubject(evt.StreamID)
	}
	p := NewPayload(evt)
	ce.SetExtension("schemaversion", p.Version)
	if evt.CorrelationID != "" {
		ce.SetExtension("correlationid", evt.CorrelationID)
	}
	if err := ce.SetData(ceevent.ApplicationJSON, p.Data); err != nil {
		return ce, fmt.Errorf("cloudevent data %s: %w", evt.ID, err)
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("cloudevent %s: %w", evt.ID, err)
	}
	return ce, nil
}

// FromCloudEvent converts a received CloudEvent back to a Payload.
func FromCloudEvent(ce *ceevent.Event) (Payload, error) {
	data := map[string]any{}
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&data); err != nil {
			return Payload{}, fmt.Errorf("cloudevent %s data: %w", ce.ID(), err)
		}
	}
	version := "1"
	if v, ok := ce.Extensions()["schemaversion"]; ok {
		version = fmt.Sprint(v)
	}
	return Payload{
		ID:        ce.ID(),
		Event:     ce.Type(),
		Timestamp: ce.Time().UTC().Format(time.RFC3339),
		Data:      data,
		Version:   version,
	}, nil
}
