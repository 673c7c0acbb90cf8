// Package server exposes the cloud's network surface: the glasses and App
// WebSocket endpoints, the admin/debug HTTP API, and the health and metrics
// endpoints. The handlers translate wire frames into calls on the session
// managers; all session state lives behind the [session.Registry].
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lenslab/lenscloud/internal/auth"
	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/session"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// Options configures a Server.
type Options struct {
	Cfg      *config.Config
	Registry *session.Registry
	Verifier *auth.Verifier
	Users    store.UserStore
	Apps     store.AppStore
	Metrics  *observe.Metrics
	Log      *slog.Logger

	// Ready, when set, is probed by /readyz (the postgres ping in
	// production). A nil Ready makes /readyz always succeed.
	Ready func(ctx context.Context) error
}

// Server owns the HTTP handlers. Create with [New], mount with [Routes].
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	verifier *auth.Verifier
	users    store.UserStore
	apps     store.AppStore
	metrics  *observe.Metrics
	ready    func(ctx context.Context) error
	log      *slog.Logger
}

// New creates a Server from its collaborators.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      opts.Cfg,
		registry: opts.Registry,
		verifier: opts.Verifier,
		users:    opts.Users,
		apps:     opts.Apps,
		metrics:  opts.Metrics,
		ready:    opts.Ready,
		log:      log,
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /glasses-ws", s.handleGlassesWS)
	mux.HandleFunc("GET /app-ws", s.handleAppWS)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{userId}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{userId}/audio", s.handleSessionAudio)
	mux.HandleFunc("GET /api/sessions/{userId}/transcripts", s.handleSessionTranscripts)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	return mux
}

// bearerToken extracts the auth token from the Authorization header or,
// for WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authFailure records a rejected connection attempt.
func (s *Server) authFailure(ctx context.Context, endpoint, reason string) {
	s.metrics.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

// relayData fans one event out to every App subscribed to key. Sends against
// a disconnected App trigger resurrection inside the App manager; failures
// are logged and do not stop the fan-out.
func (s *Server) relayData(ctx context.Context, sess *session.UserSession, key string, data any) {
	ts := time.Now()
	for _, pkg := range sess.Subs.Subscribers(key) {
		res := sess.Apps.Send(ctx, pkg, protocol.DataStream{
			Type:       protocol.AppDataStream,
			SessionID:  sess.UserID + "-" + pkg,
			StreamType: key,
			Data:       data,
			Timestamp:  ts,
		})
		if res.Err != nil {
			s.log.Debug("relay failed",
				"user_id", sess.UserID, "package", pkg, "stream", key, "error", res.Err)
		}
	}
}

// sendError answers a bad frame without tearing the link down.
func sendError(ctx context.Context, link wslink.Link, code, msg string) {
	_ = link.Send(ctx, protocol.ConnectionError{
		Type:    protocol.CloudConnectionError,
		Code:    code,
		Message: msg,
	})
}
