package engine

import (
	"encoding/json"
	"fmt"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/pipeline"
)

// roomMessage is a pre-built envelope addressed to a room, used by actions
// that forward client data without creating a domain event.
type roomMessage struct {
	room   string
	source events.Source
	env    events.Envelope
}

var _ events.Outbound = roomMessage{}

func (m roomMessage) Target() string                     { return m.room }
func (m roomMessage) Origin() events.Source              { return m.source }
func (m roomMessage) Envelope() (events.Envelope, error) { return m.env, nil }

func newRoomMessage(pctx *pipeline.Cargo, room, eventName, payload string) (roomMessage, error) {
	var body any
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return roomMessage{}, fmt.Errorf("%w: payload for '%s' is not valid JSON", pipeline.ErrBadRequest, eventName)
		}
		body = json.RawMessage(payload)
	}
	env, err := events.NewEnvelope(eventName, body, pctx.Now)
	if err != nil {
		return roomMessage{}, err
	}
	return roomMessage{room: room, source: pctx.Source(), env: env}, nil
}

// decodePayload unmarshals the message payload, tagging failures as bad requests.
func decodePayload(pctx *pipeline.Cargo, v any) error {
	if len(pctx.Message.Payload) == 0 {
		return fmt.Errorf("%w: '%s' requires a payload", pipeline.ErrBadRequest, pctx.Message.Type)
	}
	if err := json.Unmarshal(pctx.Message.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBadRequest, err)
	}
	return nil
}
