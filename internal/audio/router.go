package audio

import (
	"time"

	"github.com/lenslab/lenscloud/internal/subscription"
)

// TranscriptionSink receives every audio chunk that arrives on the glasses
// link. Implemented by the transcription manager.
type TranscriptionSink interface {
	FeedAudio(chunk []byte)
}

// BinarySender delivers a raw audio chunk to one App by package name.
// Implemented by the App manager; delivery failures are handled there.
type BinarySender interface {
	SendBinaryTo(pkg string, chunk []byte)
}

// Router fans incoming glasses audio out to the transcription pipeline,
// to Apps subscribed to raw audio chunks, and into the recent-audio ring.
// Safe for concurrent use; Feed is called from the glasses read loop only,
// but snapshots may be taken from HTTP handlers at any time.
type Router struct {
	subs   *subscription.Index
	sink   TranscriptionSink
	sender BinarySender
	ring   *Ring
}

// NewRouter wires a Router. ringSpan bounds the recent-audio buffer.
func NewRouter(subs *subscription.Index, sink TranscriptionSink, sender BinarySender, ringSpan time.Duration) *Router {
	return &Router{
		subs:   subs,
		sink:   sink,
		sender: sender,
		ring:   NewRing(ringSpan),
	}
}

// Feed handles one binary frame from the glasses link.
func (r *Router) Feed(chunk []byte) {
	r.ring.Add(chunk)
	r.sink.FeedAudio(chunk)

	for _, pkg := range r.subs.Subscribers(subscription.StreamAudioChunk) {
		r.sender.SendBinaryTo(pkg, chunk)
	}
}

// Recent returns the buffered recent audio, oldest-first.
func (r *Router) Recent() []byte {
	return r.ring.Snapshot()
}
