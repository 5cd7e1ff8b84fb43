package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrSendQueueFull  = errors.New("transport: send queue full")
	ErrServerShutdown = errors.New("transport: server shutting down")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next inbound frame. Zero disables it.
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
	ReadLimit     int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	wg      *sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	closing atomic.Bool
	// reason is written once before quit is closed.
	reason error

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	config = config.withDefaults()
	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

// Run starts the read and write pumps. It is a no-op after Close.
func (c *Connection) Run() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	defer c.wg.Done()

	for {
		typ, message, err := c.read()
		if err != nil {
			c.Close(err)
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) read() (websocket.MessageType, []byte, error) {
	ctx := c.ctx
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		defer cancel()
	}
	typ, r, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, nil, err
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Warn("Failed to read message body", slog.Any("error", err))
		return 0, nil, err
	}
	return typ, message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
// It owns the underlying socket shutdown.
func (c *Connection) writePump() {
	defer c.wg.Done()
	defer close(c.done)
	defer c.cancel()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close(err)
				c.conn.CloseNow()
				return
			}
		case <-c.quit:
			if c.reason == nil || errors.Is(c.reason, ErrServerShutdown) {
				c.drain()
			}
			status, text := closeStatus(c.reason)
			c.conn.Close(status, text)
			return
		}
	}
}

// drain writes whatever is still queued, stopping at the first failure.
func (c *Connection) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// Send enqueues a message without blocking. It is safe for concurrent use.
func (c *Connection) Send(message []byte) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		c.logger.Warn("Send queue full, dropping message", slog.Int("queueSize", cap(c.send)))
		return ErrSendQueueFull
	}
}

// Close shuts the connection down and runs the close handler once. It may be
// called again from within that handler.
func (c *Connection) Close(reason error) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.reason = reason
	c.logger.Info("Transport connection closing", slog.Any("reason", reason), slog.String("status", websocket.CloseStatus(reason).String()))
	close(c.quit)

	// never started: nobody else will release the socket
	if c.started.CompareAndSwap(false, true) {
		c.conn.CloseNow()
		c.cancel()
		close(c.done)
	}
	if c.onClose != nil {
		c.onClose(c.id, reason)
	}
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case reason == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(reason, ErrServerShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case websocket.CloseStatus(reason) != -1:
		return websocket.StatusNormalClosure, ""
	}
	return websocket.StatusPolicyViolation, truncateReason(reason.Error(), 120)
}

// truncateReason cuts text to at most max bytes without splitting a rune.
// Close frame reasons are limited to 123 bytes of valid UTF-8.
func truncateReason(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}
func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
