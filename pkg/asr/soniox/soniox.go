// Package soniox provides the Soniox-style recognition provider: a duplex
// message stream with tokenised results. It implements asr.Provider.
//
// Unlike the Azure-style push stream, tokens arrive continuously and are
// only committed on an explicit finalize marker or an end-of-audio message;
// the stream buffers non-final tokens and assembles them into interim
// results as they arrive.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/lenslab/lenscloud/pkg/asr"
)

const (
	defaultEndpoint   = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultSampleRate = 16000

	// expectedInitLatency is lower than the Azure-style provider's, which
	// makes this provider the usual pick on the VAD fast-start path.
	expectedInitLatency = 350 * time.Millisecond

	maxRecentFailures = 3
	failureWindow     = 30 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the default service endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider against the Soniox-style streaming API.
type Provider struct {
	apiKey   string
	endpoint string

	failMu      sync.Mutex
	recentFails int
	lastFailure time.Time
	disposed    atomic.Bool
}

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements asr.Provider.
func (p *Provider) Name() string { return "soniox" }

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

// StartStream implements asr.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.StreamHandle, error) {
	if p.disposed.Load() {
		return nil, asr.NewError(p.Name(), 0, "provider disposed")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, asr.NewError(p.Name(), resp.StatusCode, "dial rejected")
		}
		return nil, asr.NewError(p.Name(), 0, fmt.Sprintf("dial: %v", err))
	}

	// The loops run on a connection-lifetime context ended by Close, not on
	// the caller's establishment ctx: cancelling a read or write context
	// poisons a coder/websocket connection.
	lctx, lcancel := context.WithCancel(context.Background())
	st := &stream{
		provider: p.Name(),
		conn:     conn,
		cfg:      cfg,
		results:  make(chan asr.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		cancel:   lcancel,
	}

	// First message carries the session parameters; the service starts
	// emitting token messages immediately after.
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	start := map[string]any{
		"api_key":           p.apiKey,
		"model":             "stt-rt-preview",
		"audio_format":      "pcm_s16le",
		"sample_rate":       sr,
		"language_hints":    []string{shortLang(cfg.TranscribeLanguage)},
		"enable_endpoints":  true,
	}
	if cfg.IsTranslation() {
		start["translation"] = map[string]any{
			"type":            "one_way",
			"target_language": shortLang(cfg.TranslateLanguage),
		}
	}
	data, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		lcancel()
		conn.Close(websocket.StatusInternalError, "start failed")
		return nil, asr.NewError(p.Name(), 0, fmt.Sprintf("send start: %v", err))
	}

	st.wg.Add(2)
	go st.readLoop(lctx)
	go st.writeLoop(lctx)

	return st, nil
}

// shortLang reduces a BCP-47 tag to its language subtag ("en-US" → "en"),
// which is what the tokenised API expects.
func shortLang(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}

// ---- stream ----

// tokenMessage is the JSON shape of service messages.
type tokenMessage struct {
	Tokens []token `json:"tokens"`
	Final  bool    `json:"finalized"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type token struct {
	Text      string  `json:"text"`
	IsFinal   bool    `json:"is_final"`
	SpeakerID string  `json:"speaker"`
	Conf      float64 `json:"confidence"`
}

// stream is a live tokenised session. It implements asr.StreamHandle.
type stream struct {
	provider string
	conn     *websocket.Conn
	cfg      asr.StreamConfig
	results  chan asr.Result
	audio    chan []byte

	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// termErr is written by the read loop before it closes results and read
	// by Err afterwards; the channel close orders the two.
	termErr error
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

// Finalize implements asr.StreamHandle. The finalize marker forces the
// service to commit all buffered tokens as final.
func (s *stream) Finalize() error {
	select {
	case <-s.done:
		return asr.ErrStreamClosed
	default:
	}
	err := s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"finalize"}`))
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
		// Empty audio message signals end-of-stream to the service.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"stop"}`))
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

// readLoop assembles token messages into interim/final results.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	lang := s.cfg.TranscribeLanguage
	if s.cfg.IsTranslation() {
		lang = s.cfg.TranslateLanguage
	}

	// pending accumulates non-final token text between finalize points.
	var pending strings.Builder

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var tm tokenMessage
		if err := json.Unmarshal(msg, &tm); err != nil {
			continue
		}
		if tm.Error != nil {
			// Error messages terminate the stream server-side. Carry the
			// classified fault out through Err so the consumer can tell a
			// rate limit from a clean end.
			s.termErr = asr.NewError(s.provider, tm.Error.Code, tm.Error.Message)
			return
		}
		if len(tm.Tokens) == 0 {
			continue
		}

		var finalText strings.Builder
		var speaker string
		var confSum float64
		interim := pending.String()
		for _, tk := range tm.Tokens {
			if tk.SpeakerID != "" {
				speaker = tk.SpeakerID
			}
			confSum += tk.Conf
			if tk.IsFinal {
				finalText.WriteString(tk.Text)
			} else {
				interim += tk.Text
			}
		}
		conf := confSum / float64(len(tm.Tokens))

		if finalText.Len() > 0 {
			pending.Reset()
			s.deliver(asr.Result{
				Text:       finalText.String(),
				IsFinal:    true,
				Language:   lang,
				SpeakerID:  speaker,
				Confidence: conf,
				Timestamp:  time.Now(),
			})
			continue
		}

		pending.Reset()
		pending.WriteString(interim)
		if interim != "" {
			s.deliver(asr.Result{
				Text:       interim,
				IsFinal:    false,
				Language:   lang,
				SpeakerID:  speaker,
				Confidence: conf,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (s *stream) deliver(r asr.Result) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}
