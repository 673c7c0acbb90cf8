package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/audio"
	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/display"
	"github.com/lenslab/lenscloud/internal/media"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/resilience"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/internal/transcription"
	"github.com/lenslab/lenscloud/internal/wslink"
	"github.com/lenslab/lenscloud/pkg/asr"
)

// Deps are the process-wide collaborators every session is built from.
type Deps struct {
	Cfg       *config.Config
	Users     store.UserStore
	Apps      store.AppStore
	Providers []asr.Provider
	Limiter   *transcription.StreamLimiter
	Breaker   *resilience.Breaker
	Metrics   *observe.Metrics
	Log       *slog.Logger
}

// entry pairs a session with its pending cleanup timer, armed while the
// glasses are disconnected.
type entry struct {
	sess    *UserSession
	cleanup *time.Timer
}

// Registry tracks all live user sessions. The user id (email) is the
// session key: one session per user, reconnects resume it. Safe for
// concurrent use.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*entry),
	}
}

// Acquire returns the session for userID, creating it if needed, and
// attaches the new glasses link. A pending cleanup timer is disarmed; an
// older glasses link still attached is displaced and closed.
func (r *Registry) Acquire(userID string, link wslink.Link) (sess *UserSession, created bool) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok {
		if e.cleanup != nil {
			e.cleanup.Stop()
			e.cleanup = nil
		}
		r.mu.Unlock()
		if e.sess.AttachGlasses(link) {
			r.deps.Log.Warn("glasses connection displaced an existing one", "user_id", userID)
		} else {
			r.deps.Log.Info("glasses reconnected to existing session", "user_id", userID)
		}
		return e.sess, false
	}

	sess = r.build(userID, link)
	r.sessions[userID] = &entry{sess: sess}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.deps.Metrics.ActiveSessions.Add(ctx, 1)
	r.deps.Log.Info("session created", "user_id", userID)
	return sess, true
}

// Get returns the live session for userID.
func (r *Registry) Get(userID string) (*UserSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// HandleGlassesDisconnect detaches the link, stops transcription, and arms
// the cleanup timer. The session survives the grace window so a
// reconnecting glasses client finds its Apps still running.
func (r *Registry) HandleGlassesDisconnect(userID string, link wslink.Link) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.sess.DetachGlasses(link)
	if e.sess.glasses.current() != nil {
		// A newer link took over already; nothing to clean up.
		r.mu.Unlock()
		return
	}
	if e.cleanup != nil {
		e.cleanup.Stop()
	}
	grace := r.deps.Cfg.Session.CleanupGrace
	e.cleanup = time.AfterFunc(grace, func() { r.expire(userID) })
	r.mu.Unlock()

	// No glasses means no audio source: wind the provider streams down
	// instead of letting them idle against the cap for the whole grace
	// window. A reconnect raises VAD again and streams restart.
	e.sess.Transcription.SetVAD(false)

	r.deps.Log.Info("glasses disconnected, cleanup armed", "user_id", userID, "grace", grace)
}

// expire removes a session whose grace window elapsed without a reconnect.
func (r *Registry) expire(userID string) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok || e.sess.glasses.current() != nil {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	r.deps.Log.Info("session expired after disconnect grace", "user_id", userID)
	r.dispose(e.sess)
}

// Remove disposes the session immediately.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok {
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if ok {
		r.dispose(e.sess)
	}
}

// Range calls fn for every live session.
func (r *Registry) Range(fn func(*UserSession)) {
	r.mu.Lock()
	sessions := make([]*UserSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.sess)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisposeAll tears every session down; used on server shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
		r.dispose(e.sess)
	}
}

func (r *Registry) dispose(s *UserSession) {
	s.Dispose()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.deps.Metrics.ActiveSessions.Add(ctx, -1)
}

// build assembles a fresh UserSession with all its managers.
func (r *Registry) build(userID string, link wslink.Link) *UserSession {
	cfg := r.deps.Cfg
	log := r.deps.Log.With("user_id", userID)
	glasses := &glassesLink{cur: link}
	subs := subscription.NewIndex()

	appMgr := appmgr.New(appmgr.Options{
		UserID:        userID,
		Users:         r.deps.Users,
		Apps:          r.deps.Apps,
		Subs:          subs,
		AppsCfg:       cfg.Apps,
		PublicWSURL:   cfg.Server.PublicHost + "/app-ws",
		InternalWSURL: internalWS(cfg),
		Metrics:       r.deps.Metrics,
		Log:           r.deps.Log,
	})
	trans := transcription.New(transcription.Options{
		UserID:    userID,
		Cfg:       cfg.Transcription,
		Subs:      subs,
		Providers: r.deps.Providers,
		Sender:    appMgr,
		Limiter:   r.deps.Limiter,
		Breaker:   r.deps.Breaker,
		Metrics:   r.deps.Metrics,
		Log:       r.deps.Log,
	})
	dash := display.NewDashboard()

	s := &UserSession{
		UserID:        userID,
		StartedAt:     time.Now(),
		Subs:          subs,
		Apps:          appMgr,
		Transcription: trans,
		Audio:         audio.NewRouter(subs, trans, appMgr, cfg.Session.RecentAudio),
		Display:       display.NewManager(glasses, dash, log),
		Dashboard:     dash,
		Photos:        media.NewPhotoManager(glasses, appMgr, cfg.Media.PhotoTimeout, log),
		Video:         media.NewVideoManager(glasses, appMgr, cfg.Media.KeepAliveInterval, cfg.Media.IngestBase, log),
		users:         r.deps.Users,
		apps:          r.deps.Apps,
		glasses:       glasses,
		log:           log,
	}
	appMgr.SetStateListener(s.notifyAppState)
	return s
}

func internalWS(cfg *config.Config) string {
	if cfg.Server.InternalHost == "" {
		return ""
	}
	return cfg.Server.InternalHost + "/app-ws"
}
