// Package history keeps the append-only version chain of shared documents.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

var (
	ErrNotFound        = errors.New("history: version not found")
	ErrVersionConflict = errors.New("history: version does not extend the chain")
)

// State is the materialized content of a document. Values are JSON values
// and are treated as immutable once stored.
type State map[string]any

func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	return maps.Clone(s)
}

// Version is one immutable step of a document. Op and Inverse are the encoded
// operation as applied and the operation that reverts it.
type Version struct {
	DocumentID string          `json:"documentId"`
	Number     int             `json:"number"`
	State      State           `json:"state"`
	Parent     *int            `json:"parent,omitempty"`
	CreatedBy  string          `json:"createdBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Op         json.RawMessage `json:"op,omitempty"`
	Inverse    json.RawMessage `json:"inverse,omitempty"`
}

// Store persists versions. Append accepts only the next number in the chain,
// with Parent pointing at the previous number (nil for version 0).
type Store interface {
	Append(ctx context.Context, v Version) error
	Latest(ctx context.Context, documentID string) (Version, error)
	Get(ctx context.Context, documentID string, number int) (Version, error)
	// Range returns versions with from < Number <= to in ascending order.
	Range(ctx context.Context, documentID string, from, to int) ([]Version, error)
}

// CheckLink validates v against the current head. head is -1 for an empty chain.
func CheckLink(head int, v Version) error {
	if v.Number != head+1 {
		return ErrVersionConflict
	}
	if v.Number == 0 {
		if v.Parent != nil {
			return ErrVersionConflict
		}
		return nil
	}
	if v.Parent == nil || *v.Parent != head {
		return ErrVersionConflict
	}
	return nil
}

func ParentOf(number int) *int {
	if number <= 0 {
		return nil
	}
	p := number - 1
	return &p
}
