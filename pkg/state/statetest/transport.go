// Package statetest provides an in-memory Transport for tests.
package statetest

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("statetest: transport closed")

// Transport records every message sent to it.
type Transport struct {
	id uuid.UUID

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	reason  error
	failing error
}

func NewTransport() *Transport {
	return &Transport{id: uuid.New()}
}

func (t *Transport) ID() uuid.UUID { return t.id }

func (t *Transport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.failing != nil {
		return t.failing
	}
	t.sent = append(t.sent, append([]byte(nil), msg...))
	return nil
}

func (t *Transport) Close(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.reason = reason
	}
}

// FailWith makes every following Send return err. nil restores delivery.
func (t *Transport) FailWith(err error) {
	t.mu.Lock()
	t.failing = err
	t.mu.Unlock()
}

func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) Closed() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.reason
}
