// Package transcription owns the per-session recognition pipeline: the
// VAD-gated lifecycle of provider streams, failover and retry policy,
// fan-out of results to subscribed Apps, and the rolling transcript history.
package transcription

import "sync"

// StreamLimiter caps the number of live provider streams process-wide.
// One instance is shared by all sessions.
type StreamLimiter struct {
	mu  sync.Mutex
	max int
	cur int
}

// NewStreamLimiter creates a limiter allowing at most max concurrent
// streams.
func NewStreamLimiter(max int) *StreamLimiter {
	return &StreamLimiter{max: max}
}

// TryAcquire reserves one stream slot. It never blocks; a false return
// means the cap is reached and the caller must not create a stream.
func (l *StreamLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur >= l.max {
		return false
	}
	l.cur++
	return true
}

// Release returns a previously acquired slot.
func (l *StreamLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur > 0 {
		l.cur--
	}
}

// InUse reports the current number of reserved slots.
func (l *StreamLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}
