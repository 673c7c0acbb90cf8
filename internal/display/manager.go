// Package display arbitrates the glasses display between App layout
// requests and the dashboard: App display_request frames render on the
// main view, a head-up gesture overlays the dashboard, and head-down
// restores whatever the foreground App was showing.
package display

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// Views the glasses can render.
const (
	ViewMain      = "main"
	ViewDashboard = "dashboard"
)

// activeDisplay is the layout currently owned by one App on the main view.
type activeDisplay struct {
	pkg    string
	layout map[string]any
	expiry *time.Timer
}

// Manager owns the main view of one session's glasses. Safe for
// concurrent use.
type Manager struct {
	glasses   wslink.Link
	dashboard *Dashboard
	log       *slog.Logger

	mu       sync.Mutex
	current  *activeDisplay
	headUp   bool
	disposed bool
}

// NewManager creates a display Manager writing to the glasses link.
func NewManager(glasses wslink.Link, dashboard *Dashboard, log *slog.Logger) *Manager {
	return &Manager{
		glasses:   glasses,
		dashboard: dashboard,
		log:       log,
	}
}

// HandleDisplayRequest renders an App's layout. Requests for the dashboard
// view update the dashboard card instead of the main view. A duration, when
// set, clears the layout after it elapses.
func (m *Manager) HandleDisplayRequest(ctx context.Context, req protocol.DisplayRequest) error {
	if req.View == ViewDashboard {
		m.dashboard.SetContentLayout(req.PackageName, req.Layout)
		return m.refreshDashboard(ctx)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	if m.current != nil && m.current.expiry != nil {
		m.current.expiry.Stop()
	}
	cur := &activeDisplay{pkg: req.PackageName, layout: req.Layout}
	if req.DurationMs > 0 {
		cur.expiry = time.AfterFunc(time.Duration(req.DurationMs)*time.Millisecond, func() {
			m.expire(cur)
		})
	}
	m.current = cur
	headUp := m.headUp
	m.mu.Unlock()

	// While the dashboard overlay is up the new layout waits; head-down
	// will render it.
	if headUp {
		return nil
	}
	return m.send(ctx, protocol.DisplayEvent{
		Type:        protocol.CloudDisplayEvent,
		View:        ViewMain,
		PackageName: req.PackageName,
		Layout:      req.Layout,
		DurationMs:  req.DurationMs,
	})
}

// expire clears a timed layout once its duration elapses.
func (m *Manager) expire(cur *activeDisplay) {
	m.mu.Lock()
	if m.disposed || m.current != cur {
		m.mu.Unlock()
		return
	}
	m.current = nil
	headUp := m.headUp
	m.mu.Unlock()

	if headUp {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.send(ctx, clearEvent()); err != nil {
		m.log.Debug("clear after duration failed", "error", err)
	}
}

// HandleHeadPosition overlays the dashboard on head-up and restores the
// App layout on head-down.
func (m *Manager) HandleHeadPosition(ctx context.Context, pos protocol.HeadPosition) error {
	up := pos.Position == "up"

	m.mu.Lock()
	if m.disposed || m.headUp == up {
		m.mu.Unlock()
		return nil
	}
	m.headUp = up
	cur := m.current
	m.mu.Unlock()

	if up {
		return m.send(ctx, m.dashboard.Render())
	}
	if cur != nil {
		return m.send(ctx, protocol.DisplayEvent{
			Type:        protocol.CloudDisplayEvent,
			View:        ViewMain,
			PackageName: cur.pkg,
			Layout:      cur.layout,
		})
	}
	return m.send(ctx, clearEvent())
}

// HandleAppStopped drops any layout or dashboard content owned by pkg.
func (m *Manager) HandleAppStopped(ctx context.Context, pkg string) {
	m.dashboard.RemoveContent(pkg)

	m.mu.Lock()
	cleared := false
	if m.current != nil && m.current.pkg == pkg {
		if m.current.expiry != nil {
			m.current.expiry.Stop()
		}
		m.current = nil
		cleared = !m.headUp
	}
	headUp := m.headUp
	m.mu.Unlock()

	if cleared {
		if err := m.send(ctx, clearEvent()); err != nil {
			m.log.Debug("clear after app stop failed", "package", pkg, "error", err)
		}
	}
	if headUp {
		if err := m.refreshDashboard(ctx); err != nil {
			m.log.Debug("dashboard refresh failed", "package", pkg, "error", err)
		}
	}
}

// RefreshDashboard re-renders the dashboard after a content or mode
// change, if the overlay is currently showing.
func (m *Manager) RefreshDashboard(ctx context.Context) error {
	return m.refreshDashboard(ctx)
}

// refreshDashboard re-renders the dashboard if it is currently showing.
func (m *Manager) refreshDashboard(ctx context.Context) error {
	m.mu.Lock()
	headUp := m.headUp && !m.disposed
	m.mu.Unlock()
	if !headUp {
		return nil
	}
	return m.send(ctx, m.dashboard.Render())
}

func (m *Manager) send(ctx context.Context, ev protocol.DisplayEvent) error {
	return m.glasses.Send(ctx, ev)
}

// clearEvent is the empty main-view layout.
func clearEvent() protocol.DisplayEvent {
	return protocol.DisplayEvent{
		Type:   protocol.CloudDisplayEvent,
		View:   ViewMain,
		Layout: map[string]any{"layoutType": "empty"},
	}
}

// Dispose stops pending expiry timers.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	if m.current != nil && m.current.expiry != nil {
		m.current.expiry.Stop()
	}
	m.current = nil
}
