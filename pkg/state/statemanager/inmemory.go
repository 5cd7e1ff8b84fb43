package statemanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/state"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*state.Connection
	users map[string]map[uuid.UUID]*state.Connection
	rooms map[string]map[uuid.UUID]*state.Connection

	obsMu     sync.RWMutex
	observers []state.Observer

	clock  clock.Clock
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, clk clock.Clock) *InMemoryManager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]map[uuid.UUID]*state.Connection),
		rooms:  make(map[string]map[uuid.UUID]*state.Connection),
		clock:  clk,
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

type establishedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	WorkspaceID  string `json:"workspaceId,omitempty"`
	ServerTime   int64  `json:"serverTime"`
}

func (m *InMemoryManager) Observe(o state.Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *InMemoryManager) notify(fn func(state.Observer)) {
	m.obsMu.RLock()
	obs := append([]state.Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// --- Connection Lifecycle ---

func (m *InMemoryManager) Register(ctx context.Context, p *auth.Principal, t state.Transport, ipAddr string) (*state.Connection, error) {
	if p == nil || p.UserID == "" {
		return nil, state.ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	conn := state.NewConnection(p, t, ipAddr, now)

	m.mu.RLock()
	_, exists := m.conns[conn.ID]
	m.mu.RUnlock()
	if exists {
		return nil, state.ErrAlreadyRegistered
	}

	msg, err := events.EncodeMessage(events.TypeEstablished, establishedPayload{
		ConnectionID: conn.ID.String(),
		UserID:       p.UserID,
		WorkspaceID:  p.WorkspaceID,
		ServerTime:   now.UnixMilli(),
	}, now)
	if err != nil {
		return nil, err
	}
	if err := t.Send(msg); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.conns[conn.ID]; exists {
		m.mu.Unlock()
		return nil, state.ErrAlreadyRegistered
	}
	conn.MarkOpen()
	m.conns[conn.ID] = conn
	userConns, ok := m.users[p.UserID]
	if !ok {
		userConns = make(map[uuid.UUID]*state.Connection)
		m.users[p.UserID] = userConns
	}
	userConns[conn.ID] = conn
	m.mu.Unlock()

	m.logger.Debug("Connection registered", slog.String("connID", conn.ID.String()), slog.String("userID", p.UserID))
	m.notify(func(o state.Observer) { o.ConnectionOpened(conn) })
	return conn, nil
}

func (m *InMemoryManager) Heartbeat(connID uuid.UUID) error {
	conn, ok := m.Get(connID)
	if !ok {
		return state.ErrUnknownConnection
	}
	conn.Touch(m.clock.Now())
	return nil
}

func (m *InMemoryManager) Remove(connID uuid.UUID, reason error) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	userID := conn.UserID()
	if userConns, ok := m.users[userID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.users, userID)
		}
	}
	for _, roomID := range conn.Rooms() {
		m.dropMember(roomID, connID)
		conn.RemoveRoom(roomID)
	}
	m.mu.Unlock()

	conn.MarkClosed()
	conn.Transport.Close(reason)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Any("reason", reason))
	m.notify(func(o state.Observer) { o.ConnectionClosed(conn) })
	return nil
}

// dropMember must be called with m.mu held.
func (m *InMemoryManager) dropMember(roomID string, connID uuid.UUID) {
	members, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	// For memory hygiene, remove the room if it's now empty.
	if len(members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

func (m *InMemoryManager) Sweep(now time.Time, timeout time.Duration) []*state.Connection {
	cutoff := now.Add(-timeout)
	m.mu.RLock()
	var expired []*state.Connection
	for _, c := range m.conns {
		if c.State() == state.StateOpen && c.LastHeartbeat().Before(cutoff) {
			expired = append(expired, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range expired {
		c.MarkClosing()
		m.logger.Info("Closing connection after heartbeat timeout", slog.String("connID", c.ID.String()), slog.String("userID", c.UserID()))
		_ = m.Remove(c.ID, &state.TimeoutError{Kind: state.TimeoutHeartbeat, ID: c.ID.String()})
	}
	return expired
}

func (m *InMemoryManager) Get(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

func (m *InMemoryManager) UpdatePrincipal(connID uuid.UUID, p *auth.Principal) error {
	if p == nil {
		return state.ErrUnauthenticated
	}
	conn, ok := m.Get(connID)
	if !ok {
		return state.ErrUnknownConnection
	}
	if conn.UserID() != p.UserID {
		return state.ErrPrincipalMismatch
	}
	conn.SetPrincipal(p)
	return nil
}

// --- Lookups ---

func (m *InMemoryManager) ByUser(userID string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.users[userID])
}

func (m *InMemoryManager) ByRoom(roomID string) []*state.Connection {
	if userID, ok := strings.CutPrefix(roomID, state.UserRoomPrefix); ok {
		return m.ByUser(userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.rooms[roomID])
}

func (m *InMemoryManager) All() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.conns)
}

func (m *InMemoryManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *InMemoryManager) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID])
}

func (m *InMemoryManager) OldestUserConnection(userID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for _, c := range m.users[userID] {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

// --- Room Membership ---

func (m *InMemoryManager) JoinRoom(connID uuid.UUID, roomID string) error {
	if strings.HasPrefix(roomID, state.UserRoomPrefix) || roomID == "" {
		return fmt.Errorf("join %q: %w", roomID, state.ErrReservedRoom)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if conn.State() != state.StateOpen {
		return state.ErrNotOpen
	}
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]*state.Connection)
		m.rooms[roomID] = members
	}
	members[connID] = conn
	if conn.AddRoom(roomID) {
		m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	}
	return nil
}

func (m *InMemoryManager) LeaveRoom(connID uuid.UUID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	m.dropMember(roomID, connID)
	if conn.RemoveRoom(roomID) {
		m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	}
	return nil
}

func collect(set map[uuid.UUID]*state.Connection) []*state.Connection {
	out := make([]*state.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
