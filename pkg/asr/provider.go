// Package asr defines the Provider interface for streaming
// speech-recognition and speech-translation backends.
//
// A provider wraps a real-time recognition service and exposes a uniform
// duplex interface: once a stream is started it accepts raw PCM audio and
// emits interim and final [Result] values on a channel. Two styles of
// backend are abstracted — push-stream services with session lifecycle
// events (Azure-like) and tokenised message streams (Soniox-like) — and the
// transcription manager treats them interchangeably, including for
// mid-session failover.
//
// Implementations must be safe for concurrent use; many streams may be open
// against one Provider simultaneously.
package asr

import (
	"context"
	"time"
)

// StreamConfig describes one recognition or translation stream.
type StreamConfig struct {
	// TranscribeLanguage is the BCP-47 tag of the spoken language
	// (e.g., "en-US").
	TranscribeLanguage string

	// TranslateLanguage, when non-empty, requests translation of the
	// recognised speech into this language.
	TranslateLanguage string

	// SampleRate is the PCM sample rate in Hz. 16-bit mono is assumed.
	SampleRate int
}

// IsTranslation reports whether the stream translates rather than merely
// transcribes.
func (c StreamConfig) IsTranslation() bool {
	return c.TranslateLanguage != ""
}

// StreamHandle is an open recognition stream. Callers must call Close when
// done; all methods are safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of 16-bit mono PCM to the provider.
	// Calling SendAudio after Close returns [ErrStreamClosed].
	SendAudio(chunk []byte) error

	// Results returns the channel of interim and final results, in the
	// order the provider produced them. Closed when the stream ends.
	Results() <-chan Result

	// Finalize forces the provider to commit buffered audio to final
	// results. Providers that emit finals eagerly may make this a no-op.
	Finalize() error

	// Err reports why the stream ended: the classified fault carried by an
	// in-band provider error message, or nil for a clean shutdown. Only
	// valid after the Results channel has closed.
	Err() error

	// Close terminates the stream and releases its resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over a recognition backend.
type Provider interface {
	// Name identifies the provider ("azure", "soniox") in logs, metrics,
	// and failover exclusion sets.
	Name() string

	// StartStream opens a recognition (or translation) stream. The
	// returned handle accepts audio immediately; results begin once the
	// backend session is live. ctx bounds establishment only.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// InitLatency is the provider's expected stream establishment time,
	// used to prefer the fastest provider on the VAD fast-start path.
	InitLatency() time.Duration

	// RecordFailure feeds the provider's health accounting.
	RecordFailure(err error)

	// Healthy reports whether the provider is currently usable. Selection
	// skips unhealthy providers unless none remain.
	Healthy() bool

	// Dispose releases provider-level resources. Open streams must be
	// closed by their owners first.
	Dispose() error
}
