package aggregate

import (
	"time"

	"github.com/a-essam23/livecore/pkg/events"
)

// Aggregated is the single message emitted when a pending group flushes.
type Aggregated struct {
	ID        string
	Rule      string
	Key       string
	EventType string
	RoomID    string
	Source    events.Source
	Events    []events.Event
	Data      any
	Count     int
	Timestamp time.Time
}

var _ events.Outbound = Aggregated{}

func (a Aggregated) Target() string { return a.RoomID }

func (a Aggregated) Origin() events.Source { return a.Source }

type aggregatedBody struct {
	ID        string         `json:"id"`
	Rule      string         `json:"rule"`
	Key       string         `json:"key"`
	EventType string         `json:"eventType"`
	RoomID    string         `json:"roomId,omitempty"`
	Count     int            `json:"count"`
	Data      any            `json:"data"`
	Events    []events.Event `json:"events"`
}

func (a Aggregated) Envelope() (events.Envelope, error) {
	env, err := events.NewEnvelope(events.TypeAggregated, aggregatedBody{
		ID:        a.ID,
		Rule:      a.Rule,
		Key:       a.Key,
		EventType: a.EventType,
		RoomID:    a.RoomID,
		Count:     a.Count,
		Data:      a.Data,
		Events:    a.Events,
	}, a.Timestamp)
	if err != nil {
		return events.Envelope{}, err
	}
	env.MessageID = a.ID
	return env, nil
}
