// Package mock provides a test double for the wslink.Link interface.
package mock

import (
	"context"
	"sync"
)

// CloseCall records one Close invocation.
type CloseCall struct {
	Code   int
	Reason string
}

// Link is an in-memory wslink.Link that records everything sent to it.
// All methods are safe for concurrent use.
type Link struct {
	mu sync.Mutex

	// SendErr, when non-nil, is returned by Send and SendBinary.
	SendErr error

	sent       []any
	sentBinary [][]byte
	closeCalls []CloseCall
}

// Send records v unless SendErr is set.
func (l *Link) Send(_ context.Context, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, v)
	return nil
}

// SendBinary records data unless SendErr is set.
func (l *Link) SendBinary(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.sentBinary = append(l.sentBinary, buf)
	return nil
}

// Close records the call.
func (l *Link) Close(code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCalls = append(l.closeCalls, CloseCall{Code: code, Reason: reason})
	return nil
}

// Sent returns a copy of all JSON frames sent so far.
func (l *Link) Sent() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentBinary returns a copy of all binary frames sent so far.
func (l *Link) SentBinary() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sentBinary))
	copy(out, l.sentBinary)
	return out
}

// CloseCalls returns a copy of all Close invocations.
func (l *Link) CloseCalls() []CloseCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CloseCall, len(l.closeCalls))
	copy(out, l.closeCalls)
	return out
}

// SetSendErr makes subsequent sends fail with err (nil restores success).
func (l *Link) SetSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SendErr = err
}
