package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/carlink/internal/observability"
	"github.com/ent0n29/carlink/internal/protocol"
)

var ErrTransportClosed = errors.New("device channel closed")

type frameKind int

const (
	frameJSON frameKind = iota
	frameAudio
	framePing
)

type frame struct {
	kind    frameKind
	msg     any
	payload []byte
}

// wsTransport is the registry.Transport of one websocket. Every write goes
// through the outbound queue so only the writer pump touches the socket.
type wsTransport struct {
	conn         *websocket.Conn
	outbound     chan frame
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	metrics      *observability.Metrics

	pingSeq atomic.Uint64
	mu      sync.Mutex
	pongs   map[string]chan struct{}
}

func newWSTransport(conn *websocket.Conn, queueSize int, writeTimeout time.Duration, metrics *observability.Metrics) *wsTransport {
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{
		conn:         conn,
		outbound:     make(chan frame, queueSize),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
		metrics:      metrics,
		pongs:        make(map[string]chan struct{}),
	}
}

func (t *wsTransport) Send(ctx context.Context, msg any) error {
	return t.enqueue(ctx, frame{kind: frameJSON, msg: msg})
}

func (t *wsTransport) SendAudio(ctx context.Context, audio []byte) error {
	return t.enqueue(ctx, frame{kind: frameAudio, payload: audio})
}

// Ping writes a ping carrying a fresh payload and waits for the pong echoing it.
func (t *wsTransport) Ping(ctx context.Context) error {
	payload := strconv.FormatUint(t.pingSeq.Add(1), 10)
	done := make(chan struct{})
	t.mu.Lock()
	t.pongs[payload] = done
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pongs, payload)
		t.mu.Unlock()
	}()

	if err := t.enqueue(ctx, frame{kind: framePing, payload: []byte(payload)}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlePong resolves the Ping waiting on payload, if any.
func (t *wsTransport) handlePong(payload string) {
	t.mu.Lock()
	done, ok := t.pongs[payload]
	if ok {
		delete(t.pongs, payload)
	}
	t.mu.Unlock()
	if ok {
		close(done)
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

func (t *wsTransport) enqueue(ctx context.Context, f frame) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.outbound <- f:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump owns all socket writes until the transport closes or a write
// fails. keepalive > 0 adds periodic empty pings.
func (t *wsTransport) writePump(keepalive time.Duration) {
	var tick <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer t.Close()

	for {
		select {
		case <-t.closed:
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-tick:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				t.writeFailed("keepalive")
				return
			}
		case f := <-t.outbound:
			if err := t.write(f); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) write(f frame) error {
	deadline := time.Now().Add(t.writeTimeout)
	switch f.kind {
	case framePing:
		if err := t.conn.WriteControl(websocket.PingMessage, f.payload, deadline); err != nil {
			t.writeFailed("ping")
			return err
		}
	case frameAudio:
		_ = t.conn.SetWriteDeadline(deadline)
		if err := t.conn.WriteMessage(websocket.BinaryMessage, f.payload); err != nil {
			t.writeFailed("audio")
			return err
		}
		t.observe("audio")
	default:
		_ = t.conn.SetWriteDeadline(deadline)
		if err := t.conn.WriteJSON(f.msg); err != nil {
			t.writeFailed("write_json")
			return err
		}
		if mt, ok := protocol.MessageTypeOf(f.msg); ok {
			t.observe(string(mt))
		}
	}
	return nil
}

func (t *wsTransport) observe(msgType string) {
	if t.metrics == nil {
		return
	}
	t.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
}

func (t *wsTransport) writeFailed(stage string) {
	if t.metrics == nil {
		return
	}
	t.metrics.WSWriteErrors.WithLabelValues(stage).Inc()
}
