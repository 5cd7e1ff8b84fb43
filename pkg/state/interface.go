package state

import (
	"context"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/google/uuid"
)

// UserRoomPrefix marks virtual rooms that address every connection of a user.
const UserRoomPrefix = "user:"

// Observer is notified of connection lifecycle changes. Calls happen outside the
// registry locks.
type Observer interface {
	ConnectionOpened(c *Connection)
	ConnectionClosed(c *Connection)
}

type Registry interface {
	// --- Connection Lifecycle ---
	// Register sends the handshake and exposes the connection only if that
	// succeeds. A nil principal fails with ErrUnauthenticated.
	Register(ctx context.Context, p *auth.Principal, t Transport, ipAddr string) (*Connection, error)
	Heartbeat(connID uuid.UUID) error
	// Remove closes the connection and drops every membership. Idempotent.
	Remove(connID uuid.UUID, reason error) error
	// Sweep closes every open connection whose heartbeat is older than timeout.
	Sweep(now time.Time, timeout time.Duration) []*Connection
	Get(connID uuid.UUID) (*Connection, bool)
	UpdatePrincipal(connID uuid.UUID, p *auth.Principal) error

	// --- Lookups ---
	ByUser(userID string) []*Connection
	ByRoom(roomID string) []*Connection
	All() []*Connection
	Count() int
	UserConnectionCount(userID string) int
	OldestUserConnection(userID string) (*Connection, bool)

	// --- Room Membership ---
	JoinRoom(connID uuid.UUID, roomID string) error
	LeaveRoom(connID uuid.UUID, roomID string) error
	RoomCount() int

	Observe(o Observer)
}
