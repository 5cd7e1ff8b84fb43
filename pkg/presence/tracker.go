// Package presence tracks which users are online, where they are and whether
// they are still active.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/state"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

var ErrInvalidStatus = errors.New("presence: invalid status")

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

type Record struct {
	UserID      string
	WorkspaceID string
	Status      Status
	LastSeen    time.Time
	CurrentRoom string
	Cursor      *events.Cursor
}

// Listener is told about every effective presence change.
type Listener interface {
	PresenceChanged(ctx context.Context, r Record)
}

type Options struct {
	// IdleTimeout moves online users without activity to away.
	IdleTimeout time.Duration
}

type Tracker struct {
	publisher events.Publisher
	clock     clock.Clock
	opts      Options

	mu      sync.Mutex
	records map[string]*Record
	conns   map[string]int

	lmu       sync.RWMutex
	listeners []Listener

	logger *slog.Logger
}

var _ state.Observer = (*Tracker)(nil)

func New(logger *slog.Logger, pub events.Publisher, clk clock.Clock, opts Options) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Tracker{
		publisher: pub,
		clock:     clk,
		opts:      opts,
		records:   make(map[string]*Record),
		conns:     make(map[string]int),
		logger:    logger.With(slog.String("component", "presence")),
	}
}

func (t *Tracker) AddListener(l Listener) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listeners = append(t.listeners, l)
}

// ConnectionOpened counts a new connection as activity and marks the user
// online. A busy status set while other connections were open is kept.
func (t *Tracker) ConnectionOpened(c *state.Connection) {
	p := c.Principal()
	now := t.clock.Now()
	t.mu.Lock()
	t.conns[p.UserID]++
	first := t.conns[p.UserID] == 1
	out, _, changed := t.updateLocked(p.UserID, now, func(r *Record) {
		r.WorkspaceID = p.WorkspaceID
		if first || r.Status != StatusBusy {
			r.Status = StatusOnline
		}
	})
	t.mu.Unlock()
	if changed {
		t.announce(context.Background(), out, "")
	}
}

// ConnectionClosed marks a user offline once their last connection is gone.
func (t *Tracker) ConnectionClosed(c *state.Connection) {
	userID := c.UserID()
	now := t.clock.Now()
	t.mu.Lock()
	if t.conns[userID] > 0 {
		t.conns[userID]--
	}
	last := t.conns[userID] == 0
	var out Record
	var prevRoom string
	var changed bool
	if last {
		delete(t.conns, userID)
		out, prevRoom, changed = t.updateLocked(userID, now, func(r *Record) {
			r.Status = StatusOffline
			r.CurrentRoom = ""
			r.Cursor = nil
		})
	}
	t.mu.Unlock()
	if changed {
		t.announce(context.Background(), out, prevRoom)
	}
}

// Activity records that a user did something in room, making them online.
func (t *Tracker) Activity(ctx context.Context, userID, room string, cursor *events.Cursor, at time.Time) error {
	t.mu.Lock()
	out, prevRoom, changed := t.updateLocked(userID, at, func(r *Record) {
		r.Status = StatusOnline
		r.CurrentRoom = room
		r.Cursor = cursor
	})
	t.mu.Unlock()
	if !changed {
		return nil
	}
	return t.announce(ctx, out, prevRoom)
}

func (t *Tracker) SetStatus(ctx context.Context, userID string, status Status, at time.Time) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	t.mu.Lock()
	out, prevRoom, changed := t.updateLocked(userID, at, func(r *Record) {
		r.Status = status
		if status == StatusOffline {
			r.CurrentRoom = ""
			r.Cursor = nil
		}
	})
	t.mu.Unlock()
	if !changed {
		return nil
	}
	return t.announce(ctx, out, prevRoom)
}

func (t *Tracker) MarkAway(ctx context.Context, userID string, at time.Time) error {
	return t.SetStatus(ctx, userID, StatusAway, at)
}

// SweepIdle moves online users idle for longer than IdleTimeout to away and
// returns their ids.
func (t *Tracker) SweepIdle(ctx context.Context, now time.Time) []string {
	cutoff := now.Add(-t.opts.IdleTimeout)
	t.mu.Lock()
	var idle []string
	for id, r := range t.records {
		if r.Status == StatusOnline && r.LastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(idle)
	for _, id := range idle {
		t.mu.Lock()
		var out Record
		var changed bool
		// activity may have arrived since the scan
		if r, ok := t.records[id]; ok && r.Status == StatusOnline && r.LastSeen.Before(cutoff) {
			r.Status = StatusAway
			out, changed = *r, true
		}
		t.mu.Unlock()
		if changed {
			t.announce(ctx, out, "")
		}
	}
	return idle
}

// updateLocked applies fn unless at is older than the stored LastSeen. It
// returns the new record, the previous room and whether anything changed.
func (t *Tracker) updateLocked(userID string, at time.Time, fn func(r *Record)) (Record, string, bool) {
	r, ok := t.records[userID]
	if !ok {
		r = &Record{UserID: userID, Status: StatusOffline}
		t.records[userID] = r
	} else if at.Before(r.LastSeen) {
		return Record{}, "", false
	}
	before := *r
	fn(r)
	r.LastSeen = at
	changed := !ok || before.Status != r.Status || before.CurrentRoom != r.CurrentRoom || !sameCursor(before.Cursor, r.Cursor)
	return *r, before.CurrentRoom, changed
}

func sameCursor(a, b *events.Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// GetPresenceInRoom lists users currently in roomID that are not offline.
func (t *Tracker) GetPresenceInRoom(roomID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.records {
		if r.CurrentRoom == roomID && r.Status != StatusOffline {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// announce publishes presence.updated and notifies listeners. The event is
// scoped to the user's room, or the room they just left.
func (t *Tracker) announce(ctx context.Context, r Record, prevRoom string) error {
	t.lmu.RLock()
	ls := append([]Listener(nil), t.listeners...)
	t.lmu.RUnlock()
	for _, l := range ls {
		l.PresenceChanged(ctx, r)
	}

	if t.publisher == nil {
		return nil
	}
	room := r.CurrentRoom
	if room == "" {
		room = prevRoom
	}
	ev := events.New(events.KindPresenceUpdated, room, events.PresenceChange{
		UserID:   r.UserID,
		Status:   string(r.Status),
		Room:     r.CurrentRoom,
		LastSeen: r.LastSeen,
		Cursor:   r.Cursor,
	}, events.Source{UserID: r.UserID, WorkspaceID: r.WorkspaceID}, r.LastSeen)
	if err := t.publisher.Publish(ctx, ev); err != nil {
		t.logger.Warn("Failed to publish presence", slog.String("userID", r.UserID), slog.Any("error", err))
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}
