package asr

import (
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned by SendAudio after the stream has ended.
var ErrStreamClosed = errors.New("asr: stream closed")

// Result is one recognition or translation result from a provider.
// Interim and final results use the same type.
type Result struct {
	// Text is the recognised (or translated) content.
	Text string

	// IsFinal marks an authoritative result; interim results may be
	// revised by later ones.
	IsFinal bool

	// Language is the text's language: the transcribe language for
	// recognition, the target language for translation.
	Language string

	// SpeakerID identifies the speaker when diarization is active.
	SpeakerID string

	// Confidence is the provider's confidence score (0.0–1.0); zero when
	// not reported.
	Confidence float64

	// Timestamp marks when the provider produced the result.
	Timestamp time.Time
}

// Error is a classified provider fault. Code carries the HTTP-equivalent
// status (429 rate limit, 401/403 auth, 5xx server) or 0 for transport
// faults.
type Error struct {
	Provider string
	Code     int
	Message  string
}

// NewError builds a classified provider fault.
func NewError(provider string, code int, message string) *Error {
	return &Error{Provider: provider, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("asr(%s): %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("asr(%s): %d %s", e.Provider, e.Code, e.Message)
}

// RateLimited reports whether the fault is a rate-limit rejection.
func (e *Error) RateLimited() bool {
	return e.Code == 429
}

// Retryable reports whether the fault is worth retrying: transport faults,
// rate limits, and server errors are; auth failures and other client
// errors are not.
func (e *Error) Retryable() bool {
	switch {
	case e.Code == 0:
		return true // transport/network
	case e.Code == 429:
		return true
	case e.Code >= 500:
		return true
	default:
		return false // 401/403 and other 4xx
	}
}

// IsRetryable classifies any error. Errors that are not [*Error] (context
// deadlines, dial failures) count as retryable transport faults; a wrapped
// [*Error] keeps its own classification.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return true
}

// IsRateLimited reports whether err wraps a rate-limit fault.
func IsRateLimited(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.RateLimited()
}
