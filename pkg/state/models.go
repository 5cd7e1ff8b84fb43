package state

import (
	"sync"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/google/uuid"
)

// Transport is the write side of a live connection.
type Transport interface {
	ID() uuid.UUID
	// Send enqueues msg without blocking. Messages are written in the order
	// Send was called.
	Send(msg []byte) error
	Close(reason error)
}

type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	mu            sync.RWMutex
	principal     *auth.Principal
	state         ConnState
	lastHeartbeat time.Time
	rooms         map[string]struct{}
}

// NewConnection builds a connection in StateConnecting.
func NewConnection(p *auth.Principal, t Transport, ip string, now time.Time) *Connection {
	return &Connection{
		ID:            t.ID(),
		IPAddress:     ip,
		Transport:     t,
		CreatedAt:     now,
		principal:     p,
		state:         StateConnecting,
		lastHeartbeat: now,
		rooms:         make(map[string]struct{}),
	}
}

func (c *Connection) Principal() *auth.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

func (c *Connection) UserID() string { return c.Principal().UserID }

func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Rooms returns a snapshot of the joined rooms.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Connection) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// transition moves the connection forward in its lifecycle. Backward moves and
// moves out of StateClosed are refused.
func (c *Connection) transition(to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || to <= c.state {
		return false
	}
	c.state = to
	return true
}

// The mutators below are for Registry implementations.

func (c *Connection) SetPrincipal(p *auth.Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

func (c *Connection) MarkOpen() bool    { return c.transition(StateOpen) }
func (c *Connection) MarkClosing() bool { return c.transition(StateClosing) }
func (c *Connection) MarkClosed() bool  { return c.transition(StateClosed) }

func (c *Connection) Touch(at time.Time) {
	c.mu.Lock()
	if at.After(c.lastHeartbeat) {
		c.lastHeartbeat = at
	}
	c.mu.Unlock()
}

func (c *Connection) AddRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Connection) RemoveRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}
