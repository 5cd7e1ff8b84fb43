package collab

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBase      = errors.New("collab: base version out of range")
	ErrInvalidOperation = errors.New("collab: invalid operation")
	ErrConflict         = errors.New("collab: conflicting edit")
	ErrNothingToUndo    = errors.New("collab: nothing to undo")
	ErrNothingToRedo    = errors.New("collab: nothing to redo")
)

// ConflictError is returned when an edit cannot be reconciled with one that
// was applied after its base version.
type ConflictError struct {
	Incoming  Operation
	Competing Operation
	Field     string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s field %q: %s", e.Incoming.DocumentID, e.Field, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
