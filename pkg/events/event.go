// Package events holds the broadcast event model, the wire envelope and the
// publisher contract shared by the aggregator, broadcaster and event sources.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source identifies who caused an event.
type Source struct {
	UserID      string `json:"userId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Event is an immutable domain event. Name is only meaningful for KindCustom.
type Event struct {
	ID        string
	Kind      Kind
	Name      string
	RoomID    string
	Payload   Payload
	Timestamp time.Time
	Source    Source
}

// New creates an event stamped at the given time with a fresh, time ordered id.
func New(kind Kind, room string, payload Payload, src Source, at time.Time) Event {
	return Event{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Kind:      kind,
		RoomID:    room,
		Payload:   payload,
		Timestamp: at,
		Source:    src,
	}
}

// NewCustom creates an application event with a free-form type name.
func NewCustom(name, room string, body json.RawMessage, src Source, at time.Time) Event {
	ev := New(KindCustom, room, Raw(body), src, at)
	ev.Name = name
	return ev
}

// Type is the wire name of the event.
func (e Event) Type() string {
	if e.Kind == KindCustom {
		return e.Name
	}
	return e.Kind.String()
}

func (e Event) Target() string { return e.RoomID }

func (e Event) Origin() Source { return e.Source }

// Outbound is anything the broadcaster can deliver: single events and
// aggregated batches.
type Outbound interface {
	// Target is the room the message is scoped to, empty when unscoped.
	Target() string
	Origin() Source
	Envelope() (Envelope, error)
}

type wireBody struct {
	ID     string  `json:"id"`
	RoomID string  `json:"roomId,omitempty"`
	Source Source  `json:"source"`
	Data   Payload `json:"data"`
}

func (e Event) Envelope() (Envelope, error) {
	env, err := NewEnvelope(e.Type(), wireBody{ID: e.ID, RoomID: e.RoomID, Source: e.Source, Data: e.Payload}, e.Timestamp)
	if err != nil {
		return Envelope{}, err
	}
	env.MessageID = e.ID
	return env, nil
}

type jsonEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Source    Source          `json:"source"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var body []byte
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		body = b
	} else {
		body = []byte("null")
	}
	return json.Marshal(jsonEvent{
		ID:        e.ID,
		Type:      e.Type(),
		RoomID:    e.RoomID,
		Payload:   body,
		Timestamp: e.Timestamp.UnixMilli(),
		Source:    e.Source,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var je jsonEvent
	if err := json.Unmarshal(b, &je); err != nil {
		return err
	}
	if je.Type == "" {
		return ErrMissingType
	}
	kind, known := ParseKind(je.Type)
	payload, err := decodePayload(kind, je.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        je.ID,
		Kind:      kind,
		RoomID:    je.RoomID,
		Payload:   payload,
		Timestamp: time.UnixMilli(je.Timestamp),
		Source:    je.Source,
	}
	if !known {
		e.Name = je.Type
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.Timestamp), ulid.DefaultEntropy()).String()
	}
	return nil
}

// Decode parses a JSON encoded event as produced by MarshalJSON.
func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Publisher accepts domain events. The aggregator is the usual implementation.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
