package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the kind specific body of an Event. The set of implementations is
// closed; see decodePayload for the mapping from Kind to variant.
type Payload interface {
	isPayload()
}

// EntityChange describes a create/update/delete of a task, comment or project.
type EntityChange struct {
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Changes    map[string]any `json:"changes,omitempty"`
}

// Cursor is a caret position inside a shared document.
type Cursor struct {
	DocumentID string `json:"documentId"`
	Position   int    `json:"position"`
	Selection  int    `json:"selection,omitempty"`
}

type PresenceChange struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	Room     string    `json:"room,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
}

type TypingChange struct {
	UserID string `json:"userId"`
	Room   string `json:"room"`
	Typing bool   `json:"typing"`
}

// DocumentChange announces a new document version.
type DocumentChange struct {
	DocumentID string          `json:"documentId"`
	Version    int             `json:"version"`
	AuthorID   string          `json:"authorId"`
	Operation  json.RawMessage `json:"operation,omitempty"`
	State      map[string]any  `json:"state,omitempty"`
}

// Raw is an opaque JSON body, used for custom events.
type Raw json.RawMessage

func (EntityChange) isPayload()   {}
func (PresenceChange) isPayload() {}
func (TypingChange) isPayload()   {}
func (DocumentChange) isPayload() {}
func (Raw) isPayload()            {}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

func decodePayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindTaskCreated, KindTaskUpdated, KindTaskDeleted,
		KindCommentAdded, KindCommentUpdated, KindProjectUpdated:
		var p EntityChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindPresenceUpdated:
		var p PresenceChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindTypingUpdated:
		var p TypingChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindDocumentChanged:
		var p DocumentChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindCustom:
		return Raw(append([]byte(nil), data...)), nil
	default:
		return nil, fmt.Errorf("unknown event kind %d", kind)
	}
}
