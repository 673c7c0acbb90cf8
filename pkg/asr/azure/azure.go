// Package azure provides the Azure-style recognition provider: a duplex
// push stream with session lifecycle events. It implements asr.Provider.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/lenslab/lenscloud/pkg/asr"
)

const (
	defaultEndpoint   = "wss://stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	defaultSampleRate = 16000

	// expectedInitLatency reflects the observed median time to the first
	// session.started event.
	expectedInitLatency = 900 * time.Millisecond

	// maxRecentFailures marks the provider unhealthy until a success or
	// the failure window lapses.
	maxRecentFailures = 3
	failureWindow     = 30 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the default service endpoint (used in tests
// against a local fixture server).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider against the Azure-style streaming API.
type Provider struct {
	key      string
	region   string
	endpoint string

	failMu       sync.Mutex
	recentFails  int
	lastFailure  time.Time
	disposed     atomic.Bool
}

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// New creates a Provider. key and region must be non-empty.
func New(key, region string, opts ...Option) (*Provider, error) {
	if key == "" {
		return nil, errors.New("azure: key must not be empty")
	}
	if region == "" {
		return nil, errors.New("azure: region must not be empty")
	}
	p := &Provider{key: key, region: region, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "azure" }

// InitLatency implements asr.Provider.
func (p *Provider) InitLatency() time.Duration { return expectedInitLatency }

// RecordFailure implements asr.Provider.
func (p *Provider) RecordFailure(error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if time.Since(p.lastFailure) > failureWindow {
		p.recentFails = 0
	}
	p.recentFails++
	p.lastFailure = time.Now()
}

// Healthy implements asr.Provider.
func (p *Provider) Healthy() bool {
	if p.disposed.Load() {
		return false
	}
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if time.Since(p.lastFailure) > failureWindow {
		return true
	}
	return p.recentFails < maxRecentFailures
}

// Dispose implements asr.Provider.
func (p *Provider) Dispose() error {
	p.disposed.Store(true)
	return nil
}

// StartStream implements asr.Provider. It dials the service, sends the
// stream configuration, and waits for the session.started event before
// returning, so a returned handle is live.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	if p.disposed.Load() {
		return nil, asr.NewError(p.Name(), 0, "provider disposed")
	}
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("azure: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", p.key)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, asr.NewError(p.Name(), resp.StatusCode, "dial rejected")
		}
		return nil, asr.NewError(p.Name(), 0, fmt.Sprintf("dial: %v", err))
	}

	// The loops run on a connection-lifetime context of their own, ended by
	// Close. The caller's ctx bounds establishment only; with coder/websocket
	// a cancelled read or write context poisons the connection, so the loops
	// must not inherit it.
	lctx, lcancel := context.WithCancel(context.Background())
	st := &stream{
		provider: p.Name(),
		conn:     conn,
		cfg:      cfg,
		results:  make(chan asr.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		started:  make(chan error, 1),
		cancel:   lcancel,
	}

	st.wg.Add(2)
	go st.readLoop(lctx)
	go st.writeLoop(lctx)

	// The service answers the config message with session.started (or an
	// error event) before accepting audio.
	if err := st.sendConfig(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	select {
	case err := <-st.started:
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = st.Close()
		return nil, asr.NewError(p.Name(), 0, "session start timed out")
	}

	return st, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("language", cfg.TranscribeLanguage)
	q.Set("format", "detailed")
	q.Set("sampleRate", strconv.Itoa(sr))
	q.Set("region", p.region)
	if cfg.IsTranslation() {
		q.Set("targetLanguage", cfg.TranslateLanguage)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// event is the JSON shape of service messages. The service speaks a small
// lifecycle vocabulary: session.started, speech.hypothesis (interim),
// speech.phrase (final), session.error, session.stopped.
type event struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	SpeakerID  string  `json:"speakerId"`
	Confidence float64 `json:"confidence"`
	Code       int     `json:"code"`
	Message    string  `json:"message"`
}

// stream is a live session. It implements asr.StreamHandle.
type stream struct {
	provider string
	conn     *websocket.Conn
	cfg      asr.StreamConfig
	results  chan asr.Result
	audio    chan []byte

	started chan error
	startOK atomic.Bool

	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// termErr is written by the read loop before it closes results and read
	// by Err afterwards; the channel close orders the two.
	termErr error
}

// sendConfig transmits the stream configuration as the first text frame.
func (s *stream) sendConfig(ctx context.Context) error {
	cfgMsg := map[string]any{
		"type":       "config",
		"language":   s.cfg.TranscribeLanguage,
		"sampleRate": s.cfg.SampleRate,
	}
	if s.cfg.IsTranslation() {
		cfgMsg["targetLanguage"] = s.cfg.TranslateLanguage
	}
	data, err := json.Marshal(cfgMsg)
	if err != nil {
		return fmt.Errorf("azure: marshal config: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return asr.NewError(s.provider, 0, fmt.Sprintf("send config: %v", err))
	}
	return nil
}

// SendAudio implements asr.StreamHandle.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return asr.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return asr.ErrStreamClosed
	}
}

// Results implements asr.StreamHandle.
func (s *stream) Results() <-chan asr.Result { return s.results }

// Finalize implements asr.StreamHandle. The service commits buffered audio
// on an end-of-audio marker; finals arrive on the results channel.
func (s *stream) Finalize() error {
	select {
	case <-s.done:
		return asr.ErrStreamClosed
	default:
	}
	err := s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"audio.end"}`))
	if err != nil {
		return asr.NewError(s.provider, 0, fmt.Sprintf("finalize: %v", err))
	}
	return nil
}

// Err implements asr.StreamHandle.
func (s *stream) Err() error { return s.termErr }

// Close implements asr.StreamHandle.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"session.stop"}`))
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop drains the audio channel into binary frames.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives service events and dispatches results.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	lang := s.cfg.TranscribeLanguage
	if s.cfg.IsTranslation() {
		lang = s.cfg.TranslateLanguage
	}

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.startOK.Load() {
				s.deliverStartErr(asr.NewError(s.provider, 0, fmt.Sprintf("read: %v", err)))
			}
			return
		}

		var ev event
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "session.started":
			s.startOK.Store(true)
			s.deliverStartErr(nil)
		case "session.error":
			perr := asr.NewError(s.provider, ev.Code, ev.Message)
			if !s.startOK.Load() {
				s.deliverStartErr(perr)
			}
			s.termErr = perr
			return
		case "speech.hypothesis", "speech.phrase":
			if ev.Text == "" {
				continue
			}
			r := asr.Result{
				Text:       ev.Text,
				IsFinal:    ev.Type == "speech.phrase",
				Language:   lang,
				SpeakerID:  ev.SpeakerID,
				Confidence: ev.Confidence,
				Timestamp:  time.Now(),
			}
			select {
			case s.results <- r:
			case <-s.done:
				return
			}
		case "session.stopped":
			return
		}
	}
}

// deliverStartErr resolves the StartStream wait exactly once.
func (s *stream) deliverStartErr(err error) {
	select {
	case s.started <- err:
	default:
	}
}
