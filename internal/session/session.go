// Package session ties one user's managers together into a UserSession and
// tracks all live sessions in the Registry, including the disconnect grace
// window before a session is disposed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/audio"
	"github.com/lenslab/lenscloud/internal/display"
	"github.com/lenslab/lenscloud/internal/media"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/internal/transcription"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// ErrNoGlassesLink is returned by sends while the glasses are between
// connections.
var ErrNoGlassesLink = errors.New("session: no glasses connection")

// glassesLink is the swappable write side of the glasses connection. The
// managers hold this for the life of the session; reconnects swap the
// underlying link without rebuilding them.
type glassesLink struct {
	mu  sync.Mutex
	cur wslink.Link
}

var _ wslink.Link = (*glassesLink)(nil)

func (g *glassesLink) current() wslink.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

func (g *glassesLink) swap(l wslink.Link) wslink.Link {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.cur
	g.cur = l
	return old
}

// Send implements wslink.Link.
func (g *glassesLink) Send(ctx context.Context, v any) error {
	l := g.current()
	if l == nil {
		return ErrNoGlassesLink
	}
	return l.Send(ctx, v)
}

// SendBinary implements wslink.Link.
func (g *glassesLink) SendBinary(ctx context.Context, data []byte) error {
	l := g.current()
	if l == nil {
		return ErrNoGlassesLink
	}
	return l.SendBinary(ctx, data)
}

// Close implements wslink.Link.
func (g *glassesLink) Close(code int, reason string) error {
	l := g.current()
	if l == nil {
		return nil
	}
	return l.Close(code, reason)
}

// UserSession is the per-user aggregate: one glasses connection, its App
// connections, and all the managers operating on them.
type UserSession struct {
	UserID    string
	StartedAt time.Time

	Subs          *subscription.Index
	Apps          *appmgr.Manager
	Transcription *transcription.Manager
	Audio         *audio.Router
	Display       *display.Manager
	Dashboard     *display.Dashboard
	Photos        *media.PhotoManager
	Video         *media.VideoManager

	users   store.UserStore
	apps    store.AppStore
	glasses *glassesLink
	log     *slog.Logger

	disposeOnce sync.Once
}

// SendToGlasses writes one frame to the current glasses link.
func (s *UserSession) SendToGlasses(ctx context.Context, v any) error {
	return s.glasses.Send(ctx, v)
}

// AttachGlasses swaps in a new glasses link and closes the old one, if
// any. Returns true when an older link was displaced.
func (s *UserSession) AttachGlasses(link wslink.Link) bool {
	old := s.glasses.swap(link)
	if old != nil && old != link {
		_ = old.Close(protocol.CloseGoingAway, "superseded by new connection")
		return true
	}
	return false
}

// DetachGlasses clears the glasses link if it is still the given one.
func (s *UserSession) DetachGlasses(link wslink.Link) {
	s.glasses.mu.Lock()
	defer s.glasses.mu.Unlock()
	if s.glasses.cur == link {
		s.glasses.cur = nil
	}
}

// View builds the client-facing session snapshot for connection_ack and
// app_state_change frames.
func (s *UserSession) View(ctx context.Context) protocol.SessionView {
	view := protocol.SessionView{
		UserID:         s.UserID,
		StartedAt:      s.StartedAt,
		ActiveApps:     s.Apps.Running(),
		LoadingApps:    s.Apps.Loading(),
		IsTranscribing: s.Transcription.IsTranscribing(),
	}
	installed, err := s.apps.ListInstalled(ctx, s.UserID)
	if err != nil {
		s.log.Warn("list installed apps failed", "error", err)
		return view
	}
	for _, a := range installed {
		view.InstalledApps = append(view.InstalledApps, protocol.AppSummary{
			PackageName: a.PackageName,
			Name:        a.Name,
			IsSystemApp: a.IsSystemApp,
		})
	}
	return view
}

// notifyAppState pushes an app_state_change snapshot to the glasses.
// Wired as the App manager's state listener.
func (s *UserSession) notifyAppState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.SendToGlasses(ctx, protocol.AppStateChange{
		Type:        protocol.CloudAppStateChange,
		UserSession: s.View(ctx),
	})
	if err != nil && !errors.Is(err, ErrNoGlassesLink) {
		s.log.Debug("app state push failed", "error", err)
	}
}

// Dispose tears the session down. Managers go down in dependency order:
// media first so no more camera commands hit a closing link, then the
// transcription streams, the App links, and finally the display state.
// Safe to call more than once.
func (s *UserSession) Dispose() {
	s.disposeOnce.Do(func() {
		s.Video.Dispose()
		s.Photos.Dispose()
		s.Transcription.Dispose()
		s.Apps.Dispose()
		s.Display.Dispose()
		if l := s.glasses.swap(nil); l != nil {
			_ = l.Close(protocol.CloseGoingAway, "session disposed")
		}
		s.log.Info("session disposed")
	})
}
