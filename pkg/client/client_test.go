package client_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/client"
	"github.com/a-essam23/livecore/pkg/clock"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// --- fakes ---

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	readErr error

	mu      sync.Mutex
	written []events.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return websocket.TextMessage, b, nil
	case <-c.done:
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	env, err := events.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// closeFrame ends the connection as if the server sent a close frame.
func (c *fakeConn) closeFrame(code int) {
	c.once.Do(func() {
		c.readErr = &websocket.CloseError{Code: code}
		close(c.done)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, env := range c.written {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) push(typ string) {
	b, _ := events.EncodeMessage(typ, nil, time.Now())
	c.inbound <- b
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	fail    error
	headers []http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h http.Header) (client.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, h)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fixture struct {
	client *client.Client
	dialer *fakeDialer
	clock  *clock.Fake
	done   chan error
	cancel context.CancelFunc
}

func start(t *testing.T, mutate func(*client.Options)) *fixture {
	t.Helper()
	f := &fixture{dialer: &fakeDialer{}, clock: clock.NewFake(time.Unix(1700000000, 0)), done: make(chan error, 1)}
	opts := client.Options{
		URL:          "ws://example.invalid/ws",
		Dialer:       f.dialer,
		Token:        client.StaticToken("secret"),
		PingInterval: 10 * time.Second,
		PongTimeout:  2 * time.Second,
		BackoffBase:  time.Second,
		BackoffCap:   8 * time.Second,
		Clock:        f.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.client = client.New(opts)
	return f
}

func (f *fixture) run() {
	var ctx context.Context
	ctx, f.cancel = context.WithCancel(context.Background())
	go func() { f.done <- f.client.Run(ctx) }()
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()
	f.client.Close()
	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run returned %v after Close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	f.cancel()
}

// --- tests ---

func TestBackoff(t *testing.T) {
	base, max := time.Second, 8*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 1500 * time.Millisecond},
		{3, 2250 * time.Millisecond},
		{4, 3375 * time.Millisecond},
		{6, 7593750 * time.Microsecond},
		{7, 8 * time.Second},
		{40, 8 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, client.Backoff(tc.attempt, base, max), tc.want)
	}
}

func TestOpenSendsAuthThenQueueThenRooms(t *testing.T) {
	f := start(t, nil)
	f.client.Send("note", map[string]int{"n": 1})
	f.client.Send("note", map[string]int{"n": 2})
	f.client.Join("project:1")
	assert.Equal(t, f.client.Queued(), 2)

	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })

	conn := f.dialer.conn(0)
	assert.Equal(t, conn.types(), []string{"auth", "note", "note", "room:join"})
	assert.Equal(t, string(conn.written[0].Payload), `{"token":"secret"}`)
	assert.Equal(t, string(conn.written[1].Payload), `{"n":1}`)
	assert.Equal(t, f.dialer.headers[0].Get("Authorization"), "Bearer secret")
	assert.Equal(t, f.client.Queued(), 0)

	f.client.Send("live", nil)
	assert.Equal(t, conn.types()[4], "live")
	f.stop(t)
}

func TestReconnectsAfterAbnormalClose(t *testing.T) {
	var mu sync.Mutex
	var states []client.State
	f := start(t, func(o *client.Options) {
		o.OnStateChange = func(s client.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	f.client.Join("doc:1")
	f.run()
	eventually(t, "first connection", func() bool { return f.client.State() == client.StateConnected })

	f.dialer.conn(0).Close()
	eventually(t, "reconnect", func() bool {
		f.clock.Advance(time.Second)
		return f.dialer.dialCount() == 2 && f.client.State() == client.StateConnected
	})

	assert.Equal(t, f.dialer.conn(1).types(), []string{"auth", "room:join"})
	mu.Lock()
	assert.Equal(t, states[:4], []client.State{client.StateConnecting, client.StateConnected, client.StateReconnecting, client.StateConnected})
	mu.Unlock()
	f.stop(t)
}

func TestMissingPongForcesReconnect(t *testing.T) {
	f := start(t, nil)
	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })
	conn := f.dialer.conn(0)

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, conn.types()[len(conn.types())-1], "ping")
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, conn.isClosed(), true)
	f.stop(t)
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	var mu sync.Mutex
	var got []string
	f := start(t, func(o *client.Options) {
		o.OnMessage = func(env events.Envelope) {
			mu.Lock()
			got = append(got, env.Type)
			mu.Unlock()
		}
	})
	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })
	conn := f.dialer.conn(0)

	f.clock.Advance(10 * time.Second)
	conn.push(events.TypePong)
	conn.push("task.updated")
	eventually(t, "message delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, conn.isClosed(), false)
	mu.Lock()
	assert.Equal(t, got, []string{"task.updated"})
	mu.Unlock()
	f.stop(t)
}

func TestNormalServerCloseEndsRun(t *testing.T) {
	f := start(t, func(o *client.Options) { o.MaxAttempts = 3 })
	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })

	f.dialer.conn(0).closeFrame(websocket.CloseNormalClosure)
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("expected Run to end cleanly, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run kept going after a normal close")
	}
	f.clock.Advance(time.Minute)
	assert.Equal(t, f.dialer.dialCount(), 1)
	assert.Equal(t, f.client.State(), client.StateDisconnected)
	f.client.Close()
	f.cancel()
}

func TestGoingAwayCloseReconnects(t *testing.T) {
	f := start(t, nil)
	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })

	f.dialer.conn(0).closeFrame(websocket.CloseGoingAway)
	eventually(t, "reconnect", func() bool {
		f.clock.Advance(time.Second)
		return f.dialer.dialCount() == 2 && f.client.State() == client.StateConnected
	})
	f.stop(t)
}

func TestCloseDoesNotReconnect(t *testing.T) {
	f := start(t, nil)
	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })
	f.stop(t)

	f.clock.Advance(time.Minute)
	assert.Equal(t, f.dialer.dialCount(), 1)
	assert.Equal(t, f.client.State(), client.StateDisconnected)
	assert.Equal(t, errors.Is(f.client.Send("late", nil), client.ErrClosed), true)
}

func TestOfflineQueueDropsOldest(t *testing.T) {
	f := start(t, func(o *client.Options) { o.MaxQueue = 3 })
	for i := 0; i < 5; i++ {
		f.client.Send("note", map[string]int{"n": i})
	}
	assert.Equal(t, f.client.Queued(), 3)
	assert.Equal(t, f.client.Dropped(), uint64(2))

	f.run()
	eventually(t, "connected", func() bool { return f.client.State() == client.StateConnected })
	conn := f.dialer.conn(0)
	conn.mu.Lock()
	first := string(conn.written[1].Payload)
	conn.mu.Unlock()
	assert.Equal(t, first, `{"n":2}`)
	f.stop(t)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	f := start(t, func(o *client.Options) { o.MaxAttempts = 2 })
	f.dialer.fail = errors.New("connection refused")
	f.run()

	var err error
	eventually(t, "Run to give up", func() bool {
		f.clock.Advance(time.Second)
		select {
		case err = <-f.done:
			return true
		default:
			return false
		}
	})
	assert.Equal(t, errors.Is(err, client.ErrTooManyAttempts), true)
	assert.Equal(t, f.dialer.dialCount(), 3)
	assert.Equal(t, f.client.State(), client.StateDisconnected)
	f.cancel()
}
