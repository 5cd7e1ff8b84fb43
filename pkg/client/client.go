// Package client is the peer side of the live connection: it keeps a socket
// open, re-authenticates and rejoins rooms after reconnects, and queues
// outgoing messages while offline.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrClosed          = errors.New("client: closed")
	ErrTooManyAttempts = errors.New("client: reconnect attempts exhausted")
)

// TokenProvider supplies the credential sent on every (re)connect.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type Options struct {
	URL    string
	Dialer Dialer
	Token  TokenProvider

	PingInterval time.Duration
	PongTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// MaxAttempts stops reconnecting after this many consecutive failures.
	// Zero retries forever.
	MaxAttempts int
	// MaxQueue bounds the offline queue; the oldest message is dropped first.
	MaxQueue int

	OnMessage     func(env events.Envelope)
	OnStateChange func(s State)

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = GorillaDialer{}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 1000
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Backoff is the delay before reconnect attempt n (n >= 1):
// min(base * 1.5^(n-1), cap).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(1.5, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

type Client struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    Conn
	queue   [][]byte
	rooms   map[string]struct{}
	closed  bool
	session int

	// pingSeq identifies the ping still waiting for a pong, zero if none.
	pingSeq atomic.Int64
	dropped atomic.Uint64
	closing chan struct{}

	logger *slog.Logger
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		rooms:   make(map[string]struct{}),
		closing: make(chan struct{}),
		logger:  opts.Logger.With(slog.String("component", "client")),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped counts messages evicted from a full offline queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Queued is the number of messages waiting for a connection.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.logger.Debug("Client state changed", slog.String("state", s.String()))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Run connects and keeps reconnecting after abnormal closes until Close is
// called, ctx is done or MaxAttempts consecutive attempts fail. A normal
// closure from the server ends Run with a nil error.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.mu.Lock()
		if c.closed {
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			return nil
		}
		if attempt == 0 {
			c.setStateLocked(StateConnecting)
		} else {
			c.setStateLocked(StateReconnecting)
		}
		c.mu.Unlock()

		err := c.connect(ctx)
		if c.isClosed() {
			c.finish()
			return nil
		}
		if ctx.Err() != nil {
			c.finish()
			return ctx.Err()
		}
		if errors.Is(err, errNormalClosure) {
			c.logger.Info("Server closed the connection normally")
			c.finish()
			return nil
		}
		if errors.Is(err, errSessionEnded) {
			// the connection was up; start the count over
			attempt = 0
		}
		attempt++
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			c.finish()
			return fmt.Errorf("%w: %v", ErrTooManyAttempts, err)
		}
		delay := Backoff(attempt, c.opts.BackoffBase, c.opts.BackoffCap)
		c.logger.Info("Connection lost, reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		c.mu.Lock()
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		if err := c.sleep(ctx, delay); err != nil {
			c.finish()
			if c.isClosed() {
				return nil
			}
			return err
		}
	}
}

var (
	errSessionEnded  = errors.New("session ended")
	errNormalClosure = errors.New("closed normally by server")
)

func (c *Client) finish() {
	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	wake := make(chan struct{})
	t := c.opts.Clock.AfterFunc(d, func() { close(wake) })
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-c.closing:
		t.Stop()
		return ErrClosed
	}
}

// connect dials once and serves the connection until it ends. A session that
// opened and was then lost is reported as errSessionEnded, a normal close
// frame from the server as errNormalClosure.
func (c *Client) connect(ctx context.Context) error {
	var token string
	header := http.Header{}
	if c.opts.Token != nil {
		t, err := c.opts.Token.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		token = t
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	session, err := c.open(conn, token)
	if err != nil {
		conn.Close()
		return fmt.Errorf("open: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	c.schedulePing(conn, session, stop)
	err = c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return errNormalClosure
	}
	return fmt.Errorf("%w: %v", errSessionEnded, err)
}

// open authenticates, flushes the offline queue and rejoins rooms, in that
// order, before any other write can reach the socket.
func (c *Client) open(conn Conn, token string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	now := c.opts.Clock.Now()
	auth, err := events.EncodeMessage(events.TypeAuth, map[string]string{"token": token}, now)
	if err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return 0, err
	}
	for len(c.queue) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, c.queue[0]); err != nil {
			return 0, err
		}
		c.queue = c.queue[1:]
	}
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	for _, r := range rooms {
		msg, err := events.EncodeMessage(events.TypeRoomJoin, roomPayload{RoomID: r}, now)
		if err != nil {
			return 0, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return 0, err
		}
	}
	c.conn = conn
	c.session++
	c.pingSeq.Store(0)
	c.setStateLocked(StateConnected)
	c.logger.Info("Connected", slog.String("url", c.opts.URL), slog.Int("rooms", len(rooms)))
	return c.session, nil
}

func (c *Client) readLoop(conn Conn) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		env, err := events.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("Dropping malformed message", slog.Any("error", err))
			continue
		}
		if env.Type == events.TypePong {
			c.pingSeq.Store(0)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}

// schedulePing sends a ping every PingInterval and closes the socket if the
// matching pong does not arrive within PongTimeout.
func (c *Client) schedulePing(conn Conn, session int, stop <-chan struct{}) {
	var seq int64
	var tick func()
	tick = func() {
		select {
		case <-stop:
			return
		default:
		}
		seq++
		mine := seq
		c.pingSeq.Store(mine)
		if err := c.writeSession(session, events.TypePing, map[string]int64{"seq": mine}); err != nil {
			conn.Close()
			return
		}
		c.opts.Clock.AfterFunc(c.opts.PongTimeout, func() {
			if c.pingSeq.Load() == mine {
				c.logger.Warn("No pong received, closing connection", slog.Int64("seq", mine))
				conn.Close()
			}
		})
		c.opts.Clock.AfterFunc(c.opts.PingInterval, tick)
	}
	c.opts.Clock.AfterFunc(c.opts.PingInterval, tick)
}

func (c *Client) writeSession(session int, typ string, payload any) error {
	msg, err := events.EncodeMessage(typ, payload, c.opts.Clock.Now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || c.conn == nil {
		return errSessionEnded
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Send writes a message now if connected, otherwise queues it for the next
// connection.
func (c *Client) Send(typ string, payload any) error {
	msg, err := events.EncodeMessage(typ, payload, c.opts.Clock.Now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnected && c.conn != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err == nil {
			return nil
		}
		// the read loop will notice the broken socket
		c.logger.Debug("Write failed, queueing message", slog.String("type", typ))
	}
	c.enqueueLocked(msg)
	return nil
}

func (c *Client) enqueueLocked(msg []byte) {
	if len(c.queue) >= c.opts.MaxQueue {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
	}
	c.queue = append(c.queue, msg)
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

// Join subscribes to a room now and after every reconnect.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		// joined on open
		return nil
	}
	return c.Send(events.TypeRoomJoin, roomPayload{RoomID: roomID})
}

func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.rooms, roomID)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send(events.TypeRoomLeave, roomPayload{RoomID: roomID})
}

// Close ends the connection without reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
