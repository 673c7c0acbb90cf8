// Package audio routes binary PCM from the glasses link to the
// transcription pipeline and to Apps subscribed to raw audio, and keeps a
// short rolling buffer of recent audio for debugging endpoints.
package audio

import (
	"sync"
	"time"
)

// chunk is one buffered audio frame with its arrival time.
type chunk struct {
	at   time.Time
	data []byte
}

// Ring keeps the most recent span of audio chunks. Chunks older than the
// configured span are evicted on every write. Safe for concurrent use.
type Ring struct {
	span time.Duration

	mu     sync.Mutex
	chunks []chunk
	bytes  int
}

// NewRing creates a Ring holding span worth of audio.
func NewRing(span time.Duration) *Ring {
	if span <= 0 {
		span = 10 * time.Second
	}
	return &Ring{span: span}
}

// Add copies data into the ring and evicts expired chunks.
func (r *Ring) Add(data []byte) {
	now := time.Now()
	buf := make([]byte, len(data))
	copy(buf, data)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = append(r.chunks, chunk{at: now, data: buf})
	r.bytes += len(buf)
	r.evict(now)
}

// Snapshot returns the buffered audio concatenated oldest-first.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evict(time.Now())
	out := make([]byte, 0, r.bytes)
	for _, c := range r.chunks {
		out = append(out, c.data...)
	}
	return out
}

// Len reports the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(time.Now())
	return r.bytes
}

// evict drops chunks older than the span. Must be called with r.mu held.
func (r *Ring) evict(now time.Time) {
	cutoff := now.Add(-r.span)
	i := 0
	for i < len(r.chunks) && r.chunks[i].at.Before(cutoff) {
		r.bytes -= len(r.chunks[i].data)
		i++
	}
	if i > 0 {
		r.chunks = append(r.chunks[:0], r.chunks[i:]...)
	}
}
