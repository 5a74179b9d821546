// Package registrytest provides an in-memory Transport for tests.
package registrytest

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/carlink/internal/registry"
)

var ErrClosed = errors.New("transport closed")

// Transport records everything sent to it. Ping answers immediately unless
// Unresponsive is set, in which case it blocks until ctx ends.
type Transport struct {
	mu           sync.Mutex
	sent         []any
	audio        [][]byte
	closed       bool
	unresponsive bool
	sendErr      error
	onSend       func(msg any)
	pings        int
}

func New() *Transport {
	return &Transport{}
}

// Connect builds a connection for deviceID backed by a fresh Transport.
func Connect(deviceID string) (*registry.Connection, *Transport) {
	t := New()
	return registry.NewConnection(deviceID, "127.0.0.1", t), t
}

func (t *Transport) SetUnresponsive(v bool) {
	t.mu.Lock()
	t.unresponsive = v
	t.mu.Unlock()
}

func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// OnSend registers a hook run synchronously after each recorded message.
func (t *Transport) OnSend(fn func(msg any)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

func (t *Transport) Send(_ context.Context, msg any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	hook := t.onSend
	t.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (t *Transport) SendAudio(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.audio = append(t.audio, append([]byte(nil), frame...))
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	t.pings++
	closed, unresponsive := t.closed, t.unresponsive
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if unresponsive {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Sent() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) AudioFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.audio)
}

func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
