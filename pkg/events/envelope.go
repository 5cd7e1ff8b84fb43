package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved envelope types.
const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeEstablished = "connection:established"
	TypeRoomJoin    = "room:join"
	TypeRoomJoined  = "room:joined"
	TypeRoomLeave   = "room:leave"
	TypeRoomLeft    = "room:left"
	TypeAggregated  = "aggregated"
	TypeError       = "error"

	TypeDocOp          = "doc:op"
	TypeDocApplied     = "doc:applied"
	TypeDocConflict    = "doc:conflict"
	TypeDocUndo        = "doc:undo"
	TypeDocRedo        = "doc:redo"
	TypeDocDiff        = "doc:diff"
	TypePresenceActive = "presence:activity"
	TypePresenceStatus = "presence:status"
	TypeTyping         = "typing"
)

var reservedTypes = map[string]struct{}{
	TypeAuth: {}, TypePing: {}, TypePong: {}, TypeEstablished: {},
	TypeRoomJoin: {}, TypeRoomJoined: {}, TypeRoomLeave: {}, TypeRoomLeft: {},
	TypeAggregated: {}, TypeError: {},
	TypeDocOp: {}, TypeDocApplied: {}, TypeDocConflict: {}, TypeDocUndo: {}, TypeDocRedo: {}, TypeDocDiff: {},
	TypePresenceActive: {}, TypePresenceStatus: {}, TypeTyping: {},
}

// IsReserved reports whether typ is one of the envelope types above. Custom
// events may not use these names.
func IsReserved(typ string) bool {
	_, ok := reservedTypes[typ]
	return ok
}

var ErrMissingType = errors.New("envelope has no type")

// Envelope is the JSON frame exchanged over every connection.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewEnvelope marshals payload into an envelope stamped with at.
func NewEnvelope(typ string, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: at.UnixMilli()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// EncodeMessage is NewEnvelope followed by Encode.
func EncodeMessage(typ string, payload any, at time.Time) ([]byte, error) {
	env, err := NewEnvelope(typ, payload, at)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}
