// Package mock provides scripted test doubles for the asr interfaces.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lenslab/lenscloud/pkg/asr"
)

// Provider is a scripted asr.Provider. StartStream consumes StartErrs one
// entry per call: a nil entry yields a live [Stream], a non-nil entry is
// returned as the error. When StartErrs is exhausted, calls succeed.
// All methods are safe for concurrent use.
type Provider struct {
	// NameStr is returned by Name. Defaults to "mock".
	NameStr string

	// StartErrs scripts the outcome of successive StartStream calls.
	StartErrs []error

	// InitLat is returned by InitLatency.
	InitLat time.Duration

	// Unhealthy forces Healthy() to return false.
	Unhealthy bool

	mu         sync.Mutex
	startCalls []asr.StreamConfig
	streams    []*Stream
	failures   []error
	disposed   bool
}

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// Name implements asr.Provider.
func (p *Provider) Name() string {
	if p.NameStr == "" {
		return "mock"
	}
	return p.NameStr
}

// InitLatency implements asr.Provider.
func (p *Provider) InitLatency() time.Duration { return p.InitLat }

// Healthy implements asr.Provider.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unhealthy && !p.disposed
}

// RecordFailure implements asr.Provider.
func (p *Provider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

// Dispose implements asr.Provider.
func (p *Provider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
	return nil
}

// StartStream implements asr.Provider.
func (p *Provider) StartStream(_ context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.startCalls)
	p.startCalls = append(p.startCalls, cfg)

	if n < len(p.StartErrs) && p.StartErrs[n] != nil {
		return nil, p.StartErrs[n]
	}

	s := &Stream{
		Config:  cfg,
		results: make(chan asr.Result, 64),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// StartCalls returns the configs of all StartStream invocations.
func (p *Provider) StartCalls() []asr.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]asr.StreamConfig, len(p.startCalls))
	copy(out, p.startCalls)
	return out
}

// Streams returns all live and closed streams created so far.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Failures returns all errors passed to RecordFailure.
func (p *Provider) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, len(p.failures))
	copy(out, p.failures)
	return out
}

// Stream is a scripted asr.StreamHandle. Tests feed results with [Stream.Emit]
// and end the stream with [Stream.Fail] or Close.
type Stream struct {
	Config asr.StreamConfig

	mu            sync.Mutex
	chunks        [][]byte
	finalizeCalls int
	closed        bool
	termErr       error
	results       chan asr.Result
}

// Compile-time interface assertion.
var _ asr.StreamHandle = (*Stream)(nil)

// SendAudio implements asr.StreamHandle.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return asr.ErrStreamClosed
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks = append(s.chunks, buf)
	return nil
}

// Results implements asr.StreamHandle.
func (s *Stream) Results() <-chan asr.Result { return s.results }

// Finalize implements asr.StreamHandle.
func (s *Stream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return asr.ErrStreamClosed
	}
	s.finalizeCalls++
	return nil
}

// Close implements asr.StreamHandle.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

// Emit delivers a result to the stream's consumer. No-op after Close.
func (s *Stream) Emit(r asr.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}

// Err implements asr.StreamHandle.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Fail ends the stream the way a transport fault does: the results channel
// closes without a Close call from the consumer side.
func (s *Stream) Fail() {
	s.Close()
}

// FailWith ends the stream with an in-band provider fault; Err reports err
// after the results channel closes.
func (s *Stream) FailWith(err error) {
	s.mu.Lock()
	if !s.closed {
		s.termErr = err
	}
	s.mu.Unlock()
	s.Close()
}

// Chunks returns a copy of all audio chunks received.
func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// FinalizeCalls returns how many times Finalize was called.
func (s *Stream) FinalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeCalls
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
