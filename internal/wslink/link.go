// Package wslink wraps a WebSocket connection in the small [Link] interface
// the session managers write to. Managers never see the raw connection:
// they send JSON frames or binary payloads and close with a code.
//
// Writes on a Link are serialized — at most one outbound send is in flight
// per link, and frame order follows call order. That property is what the
// relay fabric's per-App ordering guarantee rests on.
package wslink

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Link is a duplex channel endpoint as seen by the write side.
// Implementations must be safe for concurrent use.
type Link interface {
	// Send marshals v as JSON and writes it as a text frame.
	Send(ctx context.Context, v any) error

	// SendBinary writes data as a binary frame.
	SendBinary(ctx context.Context, data []byte) error

	// Close closes the link with the given close code and reason.
	// Calling Close more than once is safe; later calls return nil.
	Close(code int, reason string) error
}

// WS is the production [Link] over a coder/websocket connection.
type WS struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Compile-time interface assertion.
var _ Link = (*WS)(nil)

// New wraps an accepted WebSocket connection.
func New(conn *websocket.Conn) *WS {
	return &WS{conn: conn}
}

// Send implements [Link].
func (w *WS) Send(ctx context.Context, v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := wsjson.Write(ctx, w.conn, v); err != nil {
		return fmt.Errorf("wslink: send: %w", err)
	}
	return nil
}

// SendBinary implements [Link].
func (w *WS) SendBinary(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("wslink: send binary: %w", err)
	}
	return nil
}

// Close implements [Link].
func (w *WS) Close(code int, reason string) error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// Read blocks for the next inbound frame. It is used by the endpoint read
// loops, not by managers, and is intentionally not part of [Link].
func (w *WS) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return w.conn.Read(ctx)
}
