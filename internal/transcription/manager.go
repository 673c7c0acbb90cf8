package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/resilience"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/pkg/asr"
)

// finalizeDrain is how long final results may trail a finalize before the
// stream is torn down on a VAD stop.
const finalizeDrain = 500 * time.Millisecond

// AppSender relays frames to Apps. Implemented by appmgr.Manager.
type AppSender interface {
	Send(ctx context.Context, pkg string, v any) appmgr.SendResult
}

// Transcript is the payload relayed to subscribed Apps for every interim
// and final result.
type Transcript struct {
	Text               string    `json:"text"`
	IsFinal            bool      `json:"isFinal"`
	TranscribeLanguage string    `json:"transcribeLanguage"`
	TranslateLanguage  string    `json:"translateLanguage,omitempty"`
	DidTranslate       bool      `json:"didTranslate,omitempty"`
	SpeakerID          string    `json:"speakerId,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Options configures a Manager for one user session. Limiter and Breaker
// are shared process-wide; everything else is per session.
type Options struct {
	UserID    string
	Cfg       config.TranscriptionConfig
	Subs      *subscription.Index
	Providers []asr.Provider
	Sender    AppSender
	Limiter   *StreamLimiter
	Breaker   *resilience.Breaker
	Metrics   *observe.Metrics
	Log       *slog.Logger
}

type streamState int

const (
	streamPending streamState = iota
	streamActive
	streamClosing
)

// streamInstance is one desired provider stream for a language pair. The
// instance survives provider failover and retries; the handle inside it
// changes.
type streamInstance struct {
	pair   subscription.LanguagePair
	cancel context.CancelFunc

	mu        sync.Mutex
	state     streamState
	handle    asr.StreamHandle
	provider  string
	lastAudio time.Time
}

// markClosing flags the instance so the run loop exits instead of retrying
// when the current handle ends.
func (s *streamInstance) markClosing() {
	s.mu.Lock()
	s.state = streamClosing
	s.mu.Unlock()
}

// Manager drives the recognition streams of one session. All exported
// methods are safe for concurrent use.
type Manager struct {
	userID    string
	cfg       config.TranscriptionConfig
	subs      *subscription.Index
	providers []asr.Provider
	sender    AppSender
	limiter   *StreamLimiter
	breaker   *resilience.Breaker
	metrics   *observe.Metrics
	log       *slog.Logger
	history   *History

	ctx    context.Context
	cancel context.CancelFunc

	initOnce sync.Once

	mu          sync.Mutex
	sampleRate  int
	vadActive   bool
	streams     map[subscription.LanguagePair]*streamInstance
	buffer      [][]byte
	bufferTimer *time.Timer
	disposed    bool
}

// New creates a Manager. Providers are tried in the given order, default
// first; the VAD fast path prefers the provider with the lowest expected
// init latency instead.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		userID:    opts.UserID,
		cfg:       opts.Cfg,
		subs:      opts.Subs,
		providers: opts.Providers,
		sender:    opts.Sender,
		limiter:   opts.Limiter,
		breaker:   opts.Breaker,
		metrics:   opts.Metrics,
		log:       opts.Log.With("user_id", opts.UserID),
		history:   NewHistory(opts.Cfg.HistoryWindow),
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[subscription.LanguagePair]*streamInstance),
	}
}

// EnsureInit starts the background janitor. Idempotent; every public entry
// point calls it so the manager needs no separate start step.
func (m *Manager) EnsureInit() {
	m.initOnce.Do(func() {
		go m.janitor()
	})
}

// SetSampleRate records the PCM sample rate declared by the glasses.
func (m *Manager) SetSampleRate(hz int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleRate = hz
}

// History returns the rolling transcript history.
func (m *Manager) History() *History { return m.history }

// IsTranscribing reports whether any provider stream is live.
func (m *Manager) IsTranscribing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		s.mu.Lock()
		active := s.state == streamActive
		s.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// UpdateSubscriptions reconciles running streams against the language
// pairs the subscription index currently implies. Streams nobody needs are
// stopped; missing ones are started if voice activity is ongoing.
func (m *Manager) UpdateSubscriptions() {
	m.EnsureInit()

	desired := make(map[subscription.LanguagePair]bool)
	for _, pair := range m.subs.LanguagePairs() {
		desired[pair] = true
	}

	m.mu.Lock()
	var toStop []*streamInstance
	for pair, s := range m.streams {
		if !desired[pair] {
			toStop = append(toStop, s)
			delete(m.streams, pair)
		}
	}
	if m.vadActive && !m.disposed {
		m.ensureStreamsLocked(desired, false)
	}
	m.mu.Unlock()

	for _, s := range toStop {
		s.markClosing()
		s.cancel()
	}
}

// SetVAD handles a voice-activity transition. Rising edge: streams start
// on the fast path and audio is buffered until they are live. Falling
// edge: streams are finalized, drained briefly, and stopped.
func (m *Manager) SetVAD(active bool) {
	m.EnsureInit()

	m.mu.Lock()
	if m.disposed || m.vadActive == active {
		m.mu.Unlock()
		return
	}
	m.vadActive = active

	if active {
		desired := make(map[subscription.LanguagePair]bool)
		for _, pair := range m.subs.LanguagePairs() {
			desired[pair] = true
		}
		m.ensureStreamsLocked(desired, true)
		m.mu.Unlock()
		return
	}

	// Falling edge: take all streams out and drop the pending buffer.
	streams := make([]*streamInstance, 0, len(m.streams))
	for pair, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, pair)
	}
	m.clearBufferLocked()
	m.mu.Unlock()

	for _, s := range streams {
		s.markClosing()
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle != nil {
			go func(s *streamInstance, h asr.StreamHandle) {
				if err := h.Finalize(); err != nil && !errors.Is(err, asr.ErrStreamClosed) {
					m.log.Debug("finalize failed", "pair", s.pair.Key(), "error", err)
				}
				time.Sleep(finalizeDrain)
				s.cancel()
			}(s, handle)
		} else {
			s.cancel()
		}
	}
}

// FeedAudio routes one PCM chunk into the live streams. While a stream is
// still starting the chunk is buffered; once the buffer cap or timeout is
// hit, oldest chunks are dropped. Audio outside voice activity is dropped
// outright.
func (m *Manager) FeedAudio(chunk []byte) {
	m.mu.Lock()
	if m.disposed || !m.vadActive || len(m.streams) == 0 {
		m.mu.Unlock()
		return
	}

	var active []*streamInstance
	pending := false
	for _, s := range m.streams {
		s.mu.Lock()
		switch s.state {
		case streamActive:
			if s.handle != nil {
				active = append(active, s)
			}
		case streamPending:
			pending = true
		}
		s.mu.Unlock()
	}

	if pending {
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		m.buffer = append(m.buffer, buf)
		if len(m.buffer) > m.cfg.VADBufferChunks {
			m.buffer = m.buffer[1:]
		}
		if m.bufferTimer == nil {
			m.bufferTimer = time.AfterFunc(m.cfg.VADBufferTimeout, m.dropStaleBuffer)
		}
	}
	m.mu.Unlock()

	for _, s := range active {
		m.sendToStream(s, chunk)
	}
}

func (m *Manager) sendToStream(s *streamInstance, chunk []byte) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}
	if err := handle.SendAudio(chunk); err != nil && !errors.Is(err, asr.ErrStreamClosed) {
		m.log.Debug("send audio failed", "pair", s.pair.Key(), "error", err)
		return
	}
	s.mu.Lock()
	s.lastAudio = time.Now()
	s.mu.Unlock()
}

// dropStaleBuffer discards the pending-audio FIFO when no stream became
// live within the buffer timeout.
func (m *Manager) dropStaleBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) > 0 {
		m.log.Warn("dropping buffered audio, no stream became live", "chunks", len(m.buffer))
	}
	m.clearBufferLocked()
}

func (m *Manager) clearBufferLocked() {
	m.buffer = nil
	if m.bufferTimer != nil {
		m.bufferTimer.Stop()
		m.bufferTimer = nil
	}
}

// ensureStreamsLocked starts run loops for desired pairs that have no
// instance yet. Must be called with m.mu held.
func (m *Manager) ensureStreamsLocked(desired map[subscription.LanguagePair]bool, fast bool) {
	for pair := range desired {
		if _, ok := m.streams[pair]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(m.ctx)
		s := &streamInstance{pair: pair, cancel: cancel}
		m.streams[pair] = s
		go m.runStream(ctx, s, fast)
	}
}

// removeStream drops the instance from the map if it is still the current
// one for its pair.
func (m *Manager) removeStream(s *streamInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.pair]; ok && cur == s {
		delete(m.streams, s.pair)
	}
}

// runStream owns one stream instance for its whole life: provider
// selection, establishment, result consumption, failover, and retries.
func (m *Manager) runStream(ctx context.Context, s *streamInstance, fast bool) {
	defer m.removeStream(s)

	log := m.log.With("pair", s.pair.Key())
	attempt := 0
	exclude := ""
	timeout := m.cfg.StreamTimeout
	if fast {
		timeout = m.cfg.FastStreamTimeout
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := m.breaker.Allow(); err != nil {
			log.Warn("stream creation blocked", "error", err)
			return
		}
		if !m.limiter.TryAcquire() {
			log.Warn("stream cap reached, not creating stream", "in_use", m.limiter.InUse())
			return
		}

		provider := m.selectProvider(exclude, fast)
		if provider == nil {
			m.limiter.Release()
			log.Error("no transcription provider available")
			return
		}

		m.mu.Lock()
		sr := m.sampleRate
		m.mu.Unlock()

		startedAt := time.Now()
		sctx, cancelStart := context.WithTimeout(ctx, timeout)
		handle, err := provider.StartStream(sctx, asr.StreamConfig{
			TranscribeLanguage: s.pair.Transcribe,
			TranslateLanguage:  s.pair.Translate,
			SampleRate:         sr,
		})
		cancelStart()
		fast = false
		timeout = m.cfg.StreamTimeout

		if err != nil {
			m.limiter.Release()
			provider.RecordFailure(err)
			if asr.IsRateLimited(err) {
				m.breaker.RecordFailure()
			}
			attempt++
			log.Warn("stream establishment failed",
				"provider", provider.Name(),
				"attempt", attempt,
				"error", err,
			)
			if attempt > m.cfg.MaxStreamRetries {
				log.Error("giving up on stream", "attempts", attempt)
				return
			}
			// Auth and other client errors end the stream outright, before
			// any failover: another provider cannot fix a bad subscription.
			if !asr.IsRetryable(err) {
				log.Error("stream failed with non-retryable error", "error", err)
				return
			}

			// Prefer an immediate swap to a healthy alternate provider;
			// otherwise back off and retry the same one.
			if alt := m.selectProvider(provider.Name(), false); alt != nil && alt.Name() != provider.Name() && alt.Healthy() {
				m.metrics.ProviderFailovers.Add(ctx, 1, metric.WithAttributes(
					attribute.String("from", provider.Name()),
					attribute.String("to", alt.Name()),
				))
				exclude = provider.Name()
				continue
			}
			exclude = ""
			m.metrics.StreamRetries.Add(ctx, 1)
			select {
			case <-time.After(retryDelay(err, attempt, m.cfg.RetryDelay)):
			case <-ctx.Done():
				return
			}
			continue
		}

		m.metrics.StreamCreateDuration.Record(ctx, time.Since(startedAt).Seconds())
		m.metrics.ActiveStreams.Add(ctx, 1)
		log.Info("stream established", "provider", provider.Name(), "latency", time.Since(startedAt))

		s.mu.Lock()
		alreadyClosing := s.state == streamClosing
		if !alreadyClosing {
			s.state = streamActive
		}
		s.handle = handle
		s.provider = provider.Name()
		s.lastAudio = time.Now()
		s.mu.Unlock()

		if alreadyClosing {
			_ = handle.Close()
			m.metrics.ActiveStreams.Add(ctx, -1)
			m.limiter.Release()
			return
		}

		m.flushBuffer(s, handle)
		attempt, exclude = 0, ""

		// Tear the handle down if the instance is cancelled while we are
		// blocked on its results channel.
		watcherDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = handle.Close()
			case <-watcherDone:
			}
		}()

		for r := range handle.Results() {
			m.publish(s.pair, r)
		}
		close(watcherDone)

		endErr := handle.Err()
		_ = handle.Close()
		m.metrics.ActiveStreams.Add(ctx, -1)
		m.limiter.Release()

		s.mu.Lock()
		closing := s.state == streamClosing
		s.handle = nil
		if !closing {
			s.state = streamPending
		}
		s.mu.Unlock()

		if closing || ctx.Err() != nil {
			return
		}

		// The provider ended the stream on its own. An in-band fault keeps
		// its classification: rate limits feed the breaker and back off
		// exponentially, auth errors end the stream without retry.
		if endErr == nil {
			endErr = errors.New("stream ended unexpectedly")
		}
		provider.RecordFailure(endErr)
		if asr.IsRateLimited(endErr) {
			m.breaker.RecordFailure()
		}
		attempt++
		if attempt > m.cfg.MaxStreamRetries {
			log.Error("stream kept dying, giving up", "attempts", attempt)
			return
		}
		if !asr.IsRetryable(endErr) {
			log.Error("stream ended with non-retryable error", "error", endErr)
			return
		}
		log.Warn("stream ended unexpectedly, restarting", "provider", provider.Name(), "attempt", attempt, "error", endErr)
		m.metrics.StreamRetries.Add(ctx, 1)
		select {
		case <-time.After(retryDelay(endErr, attempt, m.cfg.RetryDelay)):
		case <-ctx.Done():
			return
		}
	}
}

// selectProvider picks the provider for the next establishment attempt.
// Healthy providers win; the configured order breaks ties except on the
// fast path, where the lowest expected init latency wins. With every
// provider unhealthy the first non-excluded one is used anyway.
func (m *Manager) selectProvider(exclude string, fast bool) asr.Provider {
	var pick asr.Provider
	for _, p := range m.providers {
		if p.Name() == exclude || !p.Healthy() {
			continue
		}
		if pick == nil || (fast && p.InitLatency() < pick.InitLatency()) {
			pick = p
		}
	}
	if pick != nil {
		return pick
	}
	for _, p := range m.providers {
		if p.Name() != exclude {
			return p
		}
	}
	if len(m.providers) > 0 {
		return m.providers[0]
	}
	return nil
}

// flushBuffer drains the pending-audio FIFO into a freshly live stream.
func (m *Manager) flushBuffer(s *streamInstance, handle asr.StreamHandle) {
	m.mu.Lock()
	chunks := m.buffer
	pending := false
	for _, other := range m.streams {
		if other == s {
			continue
		}
		other.mu.Lock()
		if other.state == streamPending {
			pending = true
		}
		other.mu.Unlock()
	}
	if !pending {
		m.clearBufferLocked()
	}
	m.mu.Unlock()

	for _, chunk := range chunks {
		if err := handle.SendAudio(chunk); err != nil {
			return
		}
	}
	if len(chunks) > 0 {
		s.mu.Lock()
		s.lastAudio = time.Now()
		s.mu.Unlock()
		m.log.Debug("flushed buffered audio", "pair", s.pair.Key(), "chunks", len(chunks))
	}
}

// publish fans one result out to every App subscribed to the matching
// effective key and records finals into the history.
func (m *Manager) publish(pair subscription.LanguagePair, r asr.Result) {
	key := pair.Key()
	didTranslate := pair.Translate != "" && !subscription.SameLanguage(pair.Transcribe, pair.Translate)

	language := r.Language
	if language == "" {
		language = pair.Transcribe
		if pair.Translate != "" {
			language = pair.Translate
		}
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tr := Transcript{
		Text:               r.Text,
		IsFinal:            r.IsFinal,
		TranscribeLanguage: pair.Transcribe,
		TranslateLanguage:  pair.Translate,
		DidTranslate:       didTranslate,
		SpeakerID:          r.SpeakerID,
		Confidence:         r.Confidence,
		Timestamp:          ts,
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()

	for _, pkg := range m.subs.Subscribers(key) {
		res := m.sender.Send(ctx, pkg, protocol.DataStream{
			Type:       protocol.AppDataStream,
			SessionID:  m.userID + "-" + pkg,
			StreamType: key,
			Data:       tr,
			Timestamp:  ts,
		})
		if res.Err != nil {
			m.log.Debug("relay failed", "package", pkg, "stream", key, "error", res.Err)
		}
	}

	kind := subscription.StreamTranscription
	if pair.Translate != "" {
		kind = subscription.StreamTranslation
	}
	m.metrics.TranscriptionResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("final", r.IsFinal),
	))

	if r.IsFinal {
		m.history.Add(Segment{
			Text:         r.Text,
			Language:     language,
			SpeakerID:    r.SpeakerID,
			DidTranslate: didTranslate,
			Timestamp:    ts,
		})
	}
}

// janitor reclaims streams that have not seen audio for the idle timeout.
func (m *Manager) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		var idle []*streamInstance
		for pair, s := range m.streams {
			s.mu.Lock()
			expired := s.state == streamActive && time.Since(s.lastAudio) > m.cfg.IdleStreamTimeout
			s.mu.Unlock()
			if expired {
				idle = append(idle, s)
				delete(m.streams, pair)
			}
		}
		m.mu.Unlock()

		for _, s := range idle {
			m.log.Info("reclaiming idle stream", "pair", s.pair.Key())
			s.markClosing()
			s.cancel()
		}
	}
}

// Dispose stops all streams and background work. Safe to call more than
// once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.vadActive = false
	streams := make([]*streamInstance, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[subscription.LanguagePair]*streamInstance)
	m.clearBufferLocked()
	m.mu.Unlock()

	for _, s := range streams {
		s.markClosing()
	}
	m.cancel()
	m.log.Info("transcription manager disposed", "streams", len(streams))
}
