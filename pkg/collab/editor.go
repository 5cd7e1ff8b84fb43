// Package collab applies concurrent edits to shared documents, rebasing stale
// edits onto the versions committed since their base.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/history"
	"github.com/google/uuid"
)

// DocumentRoomPrefix scopes document.changed events.
const DocumentRoomPrefix = "doc:"

func RoomFor(documentID string) string { return DocumentRoomPrefix + documentID }

type Options struct {
	Mode Mode
}

type origin int

const (
	originEdit origin = iota
	originUndo
	originRedo
)

type stackKey struct {
	doc  string
	user string
}

type stacks struct {
	undo []int
	redo []int
}

type Editor struct {
	store     history.Store
	publisher events.Publisher
	clock     clock.Clock
	mode      Mode

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stacksMu sync.Mutex
	stacks   map[stackKey]*stacks

	logger *slog.Logger
}

func New(logger *slog.Logger, store history.Store, pub events.Publisher, clk clock.Clock, opts Options) *Editor {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Mode == "" {
		opts.Mode = ModeLWW
	}
	return &Editor{
		store:     store,
		publisher: pub,
		clock:     clk,
		mode:      opts.Mode,
		locks:     make(map[string]*sync.Mutex),
		stacks:    make(map[stackKey]*stacks),
		logger:    logger.With(slog.String("component", "collab_editor")),
	}
}

func (e *Editor) lock(documentID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[documentID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[documentID] = l
	}
	e.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Current returns the latest version, creating the empty version 0 on first use.
func (e *Editor) Current(ctx context.Context, documentID string) (history.Version, error) {
	unlock := e.lock(documentID)
	defer unlock()
	return e.head(ctx, documentID)
}

func (e *Editor) head(ctx context.Context, documentID string) (history.Version, error) {
	v, err := e.store.Latest(ctx, documentID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, history.ErrNotFound) {
		return history.Version{}, fmt.Errorf("load %s: %w", documentID, err)
	}
	root := history.Version{DocumentID: documentID, Number: 0, State: history.State{}, CreatedAt: e.clock.Now()}
	if err := e.store.Append(ctx, root); err != nil {
		if errors.Is(err, history.ErrVersionConflict) {
			return e.store.Latest(ctx, documentID)
		}
		return history.Version{}, fmt.Errorf("create %s: %w", documentID, err)
	}
	return root, nil
}

// Apply commits op. An op based on the current version applies directly; a
// stale one is first rebased over every version since its base.
func (e *Editor) Apply(ctx context.Context, op Operation) (history.Version, error) {
	return e.apply(ctx, op, originEdit)
}

func (e *Editor) apply(ctx context.Context, op Operation, from origin) (history.Version, error) {
	if op.DocumentID == "" {
		return history.Version{}, fmt.Errorf("%w: missing document id", ErrInvalidOperation)
	}
	if op.Change == nil {
		return history.Version{}, fmt.Errorf("%w: missing change", ErrInvalidOperation)
	}
	if err := op.Change.validate(); err != nil {
		return history.Version{}, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.AppliedAt.IsZero() {
		op.AppliedAt = e.clock.Now()
	}

	unlock := e.lock(op.DocumentID)
	defer unlock()

	head, err := e.head(ctx, op.DocumentID)
	if err != nil {
		return history.Version{}, err
	}
	if op.BaseVersion < 0 || op.BaseVersion > head.Number {
		return history.Version{}, fmt.Errorf("%w: base %d, current %d", ErrInvalidBase, op.BaseVersion, head.Number)
	}

	change := op.Change
	if op.BaseVersion < head.Number {
		since, err := e.store.Range(ctx, op.DocumentID, op.BaseVersion, head.Number)
		if err != nil {
			return history.Version{}, fmt.Errorf("load versions since %d: %w", op.BaseVersion, err)
		}
		for _, v := range since {
			applied, err := decodeOperation(v)
			if err != nil {
				return history.Version{}, err
			}
			next, c := rebase(change, op.AppliedAt, applied, e.mode)
			if c != nil {
				e.logger.Info("Rejected conflicting edit", slog.String("documentID", op.DocumentID), slog.String("field", c.field), slog.String("author", op.AuthorID))
				return history.Version{}, &ConflictError{Incoming: op, Competing: applied, Field: c.field, Reason: c.reason}
			}
			if next == nil {
				// nothing left to apply
				return head, nil
			}
			change = next
		}
	}

	state, appliedChange, inverse, err := apply(head.State, change)
	if err != nil {
		return history.Version{}, err
	}
	committed := op
	committed.BaseVersion = head.Number
	committed.Change = appliedChange
	opJSON, err := json.Marshal(committed)
	if err != nil {
		return history.Version{}, fmt.Errorf("encode operation: %w", err)
	}
	invJSON, err := EncodeChange(inverse)
	if err != nil {
		return history.Version{}, err
	}

	v := history.Version{
		DocumentID: op.DocumentID,
		Number:     head.Number + 1,
		State:      state,
		Parent:     history.ParentOf(head.Number + 1),
		CreatedBy:  op.AuthorID,
		CreatedAt:  op.AppliedAt,
		Op:         opJSON,
		Inverse:    invJSON,
	}
	if err := e.store.Append(ctx, v); err != nil {
		return history.Version{}, fmt.Errorf("commit %s@%d: %w", v.DocumentID, v.Number, err)
	}
	e.record(op.DocumentID, op.AuthorID, v.Number, from)

	if e.publisher != nil {
		ev := events.New(events.KindDocumentChanged, RoomFor(v.DocumentID), events.DocumentChange{
			DocumentID: v.DocumentID,
			Version:    v.Number,
			AuthorID:   op.AuthorID,
			Operation:  opJSON,
			State:      v.State,
		}, events.Source{UserID: op.AuthorID}, v.CreatedAt)
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("Failed to publish document change", slog.String("documentID", v.DocumentID), slog.Int("version", v.Number), slog.Any("error", err))
		}
	}
	return v, nil
}

func decodeOperation(v history.Version) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(v.Op, &op); err != nil {
		return Operation{}, fmt.Errorf("decode %s@%d: %w", v.DocumentID, v.Number, err)
	}
	return op, nil
}

func (e *Editor) record(documentID, userID string, version int, from origin) {
	if userID == "" {
		return
	}
	e.stacksMu.Lock()
	defer e.stacksMu.Unlock()
	k := stackKey{doc: documentID, user: userID}
	s, ok := e.stacks[k]
	if !ok {
		s = &stacks{}
		e.stacks[k] = s
	}
	switch from {
	case originEdit:
		s.undo = append(s.undo, version)
		s.redo = nil
	case originUndo:
		s.redo = append(s.redo, version)
	case originRedo:
		s.undo = append(s.undo, version)
	}
}

func (e *Editor) pop(documentID, userID string, redo bool) (int, bool) {
	e.stacksMu.Lock()
	defer e.stacksMu.Unlock()
	s, ok := e.stacks[stackKey{doc: documentID, user: userID}]
	if !ok {
		return 0, false
	}
	stack := &s.undo
	if redo {
		stack = &s.redo
	}
	if len(*stack) == 0 {
		return 0, false
	}
	n := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]
	return n, true
}

// restore puts back an entry whose revert failed so the user can retry once
// the conflict is resolved.
func (e *Editor) restore(documentID, userID string, number int, redo bool) {
	e.stacksMu.Lock()
	defer e.stacksMu.Unlock()
	k := stackKey{doc: documentID, user: userID}
	s, ok := e.stacks[k]
	if !ok {
		s = &stacks{}
		e.stacks[k] = s
	}
	if redo {
		s.redo = append(s.redo, number)
	} else {
		s.undo = append(s.undo, number)
	}
}

// Undo reverts the user's most recent edit of the document. The inverse is
// applied as a new version and rebased like any other edit.
func (e *Editor) Undo(ctx context.Context, documentID, userID string) (history.Version, error) {
	n, ok := e.pop(documentID, userID, false)
	if !ok {
		return history.Version{}, ErrNothingToUndo
	}
	v, err := e.revert(ctx, documentID, userID, n, originUndo)
	if err != nil {
		e.restore(documentID, userID, n, false)
	}
	return v, err
}

// Redo reapplies the most recently undone edit.
func (e *Editor) Redo(ctx context.Context, documentID, userID string) (history.Version, error) {
	n, ok := e.pop(documentID, userID, true)
	if !ok {
		return history.Version{}, ErrNothingToRedo
	}
	v, err := e.revert(ctx, documentID, userID, n, originRedo)
	if err != nil {
		e.restore(documentID, userID, n, true)
	}
	return v, err
}

func (e *Editor) revert(ctx context.Context, documentID, userID string, number int, from origin) (history.Version, error) {
	v, err := e.store.Get(ctx, documentID, number)
	if err != nil {
		return history.Version{}, fmt.Errorf("load %s@%d: %w", documentID, number, err)
	}
	inverse, err := DecodeChange(v.Inverse)
	if err != nil {
		return history.Version{}, err
	}
	return e.apply(ctx, Operation{
		DocumentID:  documentID,
		AuthorID:    userID,
		BaseVersion: number,
		Change:      inverse,
	}, from)
}

// Diff compares two recorded versions of a document. Either order is
// accepted; a negative number is ErrInvalidBase and a version that was never
// recorded is history.ErrNotFound.
func (e *Editor) Diff(ctx context.Context, documentID string, from, to int) (history.Delta, error) {
	if from < 0 || to < 0 {
		return history.Delta{}, fmt.Errorf("%w: versions %d..%d", ErrInvalidBase, from, to)
	}
	a, err := e.store.Get(ctx, documentID, from)
	if err != nil {
		return history.Delta{}, fmt.Errorf("load %s@%d: %w", documentID, from, err)
	}
	b, err := e.store.Get(ctx, documentID, to)
	if err != nil {
		return history.Delta{}, fmt.Errorf("load %s@%d: %w", documentID, to, err)
	}
	return history.Diff(a.State, b.State), nil
}

// Replay recomputes a document's state from its recorded operations.
func (e *Editor) Replay(ctx context.Context, documentID string) (history.State, error) {
	head, err := e.store.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	versions, err := e.store.Range(ctx, documentID, 0, head.Number)
	if err != nil {
		return nil, err
	}
	state := history.State{}
	for _, v := range versions {
		op, err := decodeOperation(v)
		if err != nil {
			return nil, err
		}
		if state, _, _, err = apply(state, op.Change); err != nil {
			return nil, fmt.Errorf("replay %s@%d: %w", documentID, v.Number, err)
		}
	}
	return state, nil
}
