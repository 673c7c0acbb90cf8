package appmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// ErrDisposed is returned by operations on a disposed Manager.
var ErrDisposed = errors.New("appmgr: manager disposed")

// Options configures a Manager for one user session.
type Options struct {
	UserID  string
	Users   store.UserStore
	Apps    store.AppStore
	Subs    *subscription.Index
	AppsCfg config.AppsConfig

	// PublicWSURL is the App endpoint URL handed to third-party Apps in
	// the webhook; InternalWSURL is used for system Apps when set.
	PublicWSURL   string
	InternalWSURL string

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// launch is one in-flight App start. Concurrent Start calls for the same
// package share a launch and all observe the same outcome.
type launch struct {
	done chan struct{}
	err  error
}

// appConn is the connection record for one App on the session.
type appConn struct {
	pkg    string
	state  ConnState
	link   wslink.Link
	grace  *time.Timer
	launch *launch
}

// Manager tracks the App connections of one user session. All exported
// methods are safe for concurrent use.
type Manager struct {
	userID  string
	users   store.UserStore
	apps    store.AppStore
	subs    *subscription.Index
	cfg     config.AppsConfig
	webhook *WebhookClient
	metrics *observe.Metrics
	log     *slog.Logger

	publicWS   string
	internalWS string

	ctx    context.Context
	cancel context.CancelFunc

	listenMu      sync.Mutex
	onStateChange func()

	mu       sync.Mutex
	conns    map[string]*appConn
	disposed bool
}

// New creates a Manager for one session.
func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		userID:     opts.UserID,
		users:      opts.Users,
		apps:       opts.Apps,
		subs:       opts.Subs,
		cfg:        opts.AppsCfg,
		webhook:    NewWebhookClient(opts.AppsCfg.WebhookAttempts, opts.AppsCfg.WebhookTimeout, opts.Metrics, opts.Log),
		metrics:    opts.Metrics,
		log:        opts.Log.With("user_id", opts.UserID),
		publicWS:   opts.PublicWSURL,
		internalWS: opts.InternalWSURL,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*appConn),
	}
}

// SetStateListener registers the callback invoked whenever the running or
// loading App sets change. The session uses it to push app_state_change to
// the glasses. Must not call back into the Manager while holding locks of
// its own.
func (m *Manager) SetStateListener(fn func()) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.onStateChange = fn
}

func (m *Manager) notifyStateChange() {
	m.listenMu.Lock()
	fn := m.onStateChange
	m.listenMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Start launches an App: session_request webhook, then wait for the App to
// connect back. Start is idempotent while the App is running, and a second
// Start during a pending launch piggybacks on the first instead of firing
// another webhook. Failures carry a [StartError] naming the failed stage.
func (m *Manager) Start(ctx context.Context, pkg string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if c, ok := m.conns[pkg]; ok {
		switch c.state {
		case StateRunning, StateGracePeriod:
			m.mu.Unlock()
			return nil
		case StateResurrecting:
			if c.launch != nil {
				l := c.launch
				m.mu.Unlock()
				return m.awaitLaunch(ctx, l)
			}
		}
	}
	l := &launch{done: make(chan struct{})}
	m.conns[pkg] = &appConn{pkg: pkg, state: StateResurrecting, launch: l}
	m.mu.Unlock()

	// The overall start budget arms now, not after the webhook round-trip:
	// a slow webhook eats into the window the App has to connect back.
	startTimer := time.AfterFunc(m.cfg.StartTimeout, func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.resolveLaunch(tctx, pkg, l, &StartError{PackageName: pkg, Stage: StageTimeout})
	})
	defer startTimer.Stop()

	app, err := m.apps.GetApp(ctx, pkg)
	if err != nil {
		return m.resolveLaunch(ctx, pkg, l, &StartError{PackageName: pkg, Stage: StageWebhook, Err: err})
	}

	wsURL := m.publicWS
	if app.IsSystemApp && m.internalWS != "" {
		wsURL = m.internalWS
	}
	req := SessionRequest{
		SessionID:    m.userID + "-" + pkg,
		UserID:       m.userID,
		WebsocketURL: wsURL,
	}
	if err := m.webhook.Deliver(ctx, webhookURL(app.PublicURL), req); err != nil {
		return m.resolveLaunch(ctx, pkg, l, &StartError{PackageName: pkg, Stage: StageWebhook, Err: err})
	}

	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return fmt.Errorf("appmgr: start %s: %w", pkg, ctx.Err())
	case <-m.ctx.Done():
		return ErrDisposed
	}
}

// awaitLaunch blocks a piggybacked Start on the shared launch outcome.
func (m *Manager) awaitLaunch(ctx context.Context, l *launch) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrDisposed
	}
}

// resolveLaunch settles l exactly once and returns the settled outcome.
// A failed launch that never got a connection drops the record and takes
// the App out of the persisted running set, so the next session does not
// relaunch something that never came up.
func (m *Manager) resolveLaunch(ctx context.Context, pkg string, l *launch, outcome error) error {
	m.mu.Lock()
	select {
	case <-l.done:
		m.mu.Unlock()
		return l.err
	default:
	}
	l.err = outcome
	close(l.done)
	dropped := false
	if c, ok := m.conns[pkg]; ok && c.launch == l {
		c.launch = nil
		if outcome != nil && c.state == StateResurrecting {
			delete(m.conns, pkg)
			dropped = true
		}
	}
	m.mu.Unlock()

	if dropped {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.users.RemoveRunningApp(rctx, m.userID, pkg); err != nil {
			m.log.Error("remove running app failed", "package", pkg, "error", err)
		}
		cancel()
	}

	stage := "ok"
	var serr *StartError
	if errors.As(outcome, &serr) {
		stage = strings.ToLower(string(serr.Stage))
	}
	m.metrics.AppStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	return outcome
}

// webhookURL derives the webhook endpoint from the App's base URL.
func webhookURL(publicURL string) string {
	return strings.TrimSuffix(publicURL, "/") + "/webhook"
}

// HandleAppInit authenticates an App's connection_init on a fresh link and
// promotes the connection to RUNNING. The package must be known to the
// session (loading or running); on auth failure or an unsolicited connect
// the link is closed with code 1008, and any pending launch fails at the
// AUTH stage.
func (m *Manager) HandleAppInit(ctx context.Context, link wslink.Link, init protocol.AppInit) error {
	pkg := init.PackageName
	wantSession := m.userID + "-" + pkg

	authErr := m.authenticate(ctx, init, wantSession)
	if authErr != nil {
		m.metrics.AuthFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", "app"),
			attribute.String("reason", "credentials"),
		))
		_ = link.Send(ctx, protocol.ConnectionError{
			Type:    protocol.AppConnectionError,
			Code:    "INVALID_CREDENTIALS",
			Message: "package name, session id, and API key do not match",
		})
		_ = link.Close(protocol.ClosePolicy, "invalid credentials")
		m.failPendingLaunch(ctx, pkg, &StartError{PackageName: pkg, Stage: StageAuth, Err: authErr})
		return fmt.Errorf("appmgr: init %s: %w", pkg, authErr)
	}

	// Only Apps this session asked for may join: the package must have a
	// launch in flight or a surviving connection record. A stale webhook
	// from an earlier session gets a policy close, not a session slot.
	m.mu.Lock()
	_, known := m.conns[pkg]
	m.mu.Unlock()
	if !known {
		_ = link.Send(ctx, protocol.ConnectionError{
			Type:    protocol.AppConnectionError,
			Code:    "APP_NOT_STARTED",
			Message: "no start in progress for " + pkg,
		})
		_ = link.Close(protocol.ClosePolicy, "app not started")
		return fmt.Errorf("appmgr: init %s: not in loading or running set", pkg)
	}

	ack, err := m.buildAck(ctx, pkg, wantSession)
	if err != nil {
		_ = link.Close(protocol.CloseInternal, "internal error")
		m.failPendingLaunch(ctx, pkg, &StartError{PackageName: pkg, Stage: StageConnection, Err: err})
		return err
	}
	if err := link.Send(ctx, ack); err != nil {
		_ = link.Close(protocol.CloseInternal, "ack failed")
		m.failPendingLaunch(ctx, pkg, &StartError{PackageName: pkg, Stage: StageConnection, Err: err})
		return fmt.Errorf("appmgr: init %s: send ack: %w", pkg, err)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		_ = link.Close(protocol.CloseGoingAway, "session closed")
		return ErrDisposed
	}
	c, ok := m.conns[pkg]
	if !ok {
		// The record vanished between the membership check and here, e.g.
		// the launch timed out. Same answer as above.
		m.mu.Unlock()
		_ = link.Close(protocol.ClosePolicy, "app not started")
		return fmt.Errorf("appmgr: init %s: not in loading or running set", pkg)
	}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	oldLink := c.link
	l := c.launch
	c.link = link
	c.state = StateRunning
	m.mu.Unlock()

	if oldLink != nil && oldLink != link {
		_ = oldLink.Close(protocol.CloseGoingAway, "superseded by new connection")
	}
	if l != nil {
		_ = m.resolveLaunch(ctx, pkg, l, nil)
	}
	if err := m.users.AddRunningApp(ctx, m.userID, pkg); err != nil {
		m.log.Error("persist running app failed", "package", pkg, "error", err)
	}
	m.metrics.ActiveApps.Add(ctx, 1)
	m.log.Info("app connected", "package", pkg)
	m.notifyStateChange()
	return nil
}

func (m *Manager) authenticate(ctx context.Context, init protocol.AppInit, wantSession string) error {
	if init.PackageName == "" {
		return errors.New("missing package name")
	}
	if init.SessionID != wantSession {
		return fmt.Errorf("session id %q does not match", init.SessionID)
	}
	ok, err := m.apps.ValidateAPIKey(ctx, init.PackageName, init.APIKey)
	if err != nil {
		return fmt.Errorf("validate api key: %w", err)
	}
	if !ok {
		return errors.New("invalid api key")
	}
	return nil
}

func (m *Manager) buildAck(ctx context.Context, pkg, sessionID string) (protocol.AckToApp, error) {
	user, err := m.users.GetUser(ctx, m.userID)
	if err != nil {
		return protocol.AckToApp{}, fmt.Errorf("appmgr: init %s: load user: %w", pkg, err)
	}
	app, err := m.apps.GetApp(ctx, pkg)
	if err != nil {
		return protocol.AckToApp{}, fmt.Errorf("appmgr: init %s: load app: %w", pkg, err)
	}

	effective := store.EffectiveSettings(user, app)
	settings := make([]protocol.SettingView, 0, len(effective))
	for _, s := range effective {
		settings = append(settings, protocol.SettingView{Key: s.Key, Value: s.DefaultValue})
	}
	return protocol.AckToApp{
		Type:      protocol.AppConnectionAck,
		SessionID: sessionID,
		Settings:  settings,
	}, nil
}

// failPendingLaunch settles a pending launch, if any, with the given error.
func (m *Manager) failPendingLaunch(ctx context.Context, pkg string, serr *StartError) {
	m.mu.Lock()
	var l *launch
	if c, ok := m.conns[pkg]; ok {
		l = c.launch
	}
	m.mu.Unlock()
	if l != nil {
		_ = m.resolveLaunch(ctx, pkg, l, serr)
	}
}

// Send relays one frame to an App. Delivery is at most once: a frame sent
// while the App is between connections is dropped, and a send against a
// DISCONNECTED App drops the frame but kicks off an automatic relaunch.
func (m *Manager) Send(ctx context.Context, pkg string, v any) SendResult {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok || m.disposed {
		m.mu.Unlock()
		return SendResult{}
	}
	switch c.state {
	case StateRunning:
		link := c.link
		m.mu.Unlock()
		if err := link.Send(ctx, v); err != nil {
			// The link is dead; leaving it in RUNNING would sink every
			// later frame into the same failed socket. Drop it and let the
			// grace window handle a reconnect.
			m.dropFailedLink(pkg, link)
			return SendResult{Err: fmt.Errorf("appmgr: send to %s: %w", pkg, err)}
		}
		return SendResult{Sent: true}

	case StateDisconnected:
		m.mu.Unlock()
		m.metrics.Resurrections.Add(ctx, 1)
		m.log.Info("resurrecting app after send to disconnected connection", "package", pkg)
		go m.resurrect(pkg)
		return SendResult{ResurrectionTriggered: true}

	default:
		// RESURRECTING, GRACE_PERIOD, STOPPING: drop, a launch or
		// reconnect is already in motion.
		m.mu.Unlock()
		return SendResult{}
	}
}

// dropFailedLink takes a link that failed a synchronous send out of
// RUNNING, exactly like an abnormal close would. The link identity check
// keeps a racing reconnect's fresh link untouched.
func (m *Manager) dropFailedLink(pkg string, link wslink.Link) {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok || m.disposed || c.state != StateRunning || c.link != link {
		m.mu.Unlock()
		return
	}
	c.state = StateGracePeriod
	c.link = nil
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(m.cfg.GraceTimeout, func() { m.graceExpired(pkg) })
	m.mu.Unlock()

	_ = link.Close(protocol.CloseInternal, "send failed")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.metrics.ActiveApps.Add(ctx, -1)
	m.log.Warn("app link dropped after send failure",
		"package", pkg,
		"grace", m.cfg.GraceTimeout,
	)
}

// resurrect relaunches a disconnected App in the background.
func (m *Manager) resurrect(pkg string) {
	budget := time.Duration(m.cfg.WebhookAttempts)*m.cfg.WebhookTimeout + m.cfg.StartTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(m.ctx, budget)
	defer cancel()

	m.mu.Lock()
	if c, ok := m.conns[pkg]; ok && c.state == StateDisconnected {
		delete(m.conns, pkg)
	}
	m.mu.Unlock()

	if err := m.Start(ctx, pkg); err != nil {
		m.log.Warn("resurrection failed", "package", pkg, "error", err)
	}
}

// SendBinaryTo relays a raw audio chunk to a running App. Chunks toward
// non-running Apps are dropped silently; audio is too frequent to trigger
// resurrection or error handling per chunk.
func (m *Manager) SendBinaryTo(pkg string, chunk []byte) {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok || c.state != StateRunning || c.link == nil {
		m.mu.Unlock()
		return
	}
	link := c.link
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if err := link.SendBinary(ctx, chunk); err != nil {
		m.log.Debug("binary send failed", "package", pkg, "error", err)
	}
}

// HandleLinkClosed records that an App link dropped. Clean closes (1000,
// 1001) end the App session; anything else opens the grace window.
func (m *Manager) HandleLinkClosed(pkg string, code int) {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok || m.disposed {
		m.mu.Unlock()
		return
	}
	if c.state == StateStopping {
		delete(m.conns, pkg)
		m.mu.Unlock()
		return
	}
	if c.state != StateRunning {
		m.mu.Unlock()
		return
	}

	if code == protocol.CloseNormal || code == protocol.CloseGoingAway {
		delete(m.conns, pkg)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		m.metrics.ActiveApps.Add(ctx, -1)
		m.subs.Remove(pkg)
		if err := m.users.RemoveRunningApp(ctx, m.userID, pkg); err != nil {
			m.log.Error("remove running app failed", "package", pkg, "error", err)
		}
		m.log.Info("app closed cleanly", "package", pkg, "code", code)
		m.notifyStateChange()
		return
	}

	c.state = StateGracePeriod
	c.link = nil
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(m.cfg.GraceTimeout, func() { m.graceExpired(pkg) })
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	m.metrics.ActiveApps.Add(ctx, -1)
	m.log.Warn("app link dropped, grace period started",
		"package", pkg,
		"code", code,
		"grace", m.cfg.GraceTimeout,
	)
}

// graceExpired moves a connection that never reconnected to DISCONNECTED.
func (m *Manager) graceExpired(pkg string) {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok || c.state != StateGracePeriod {
		m.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.grace = nil
	m.mu.Unlock()

	m.subs.Remove(pkg)
	m.log.Warn("app grace period expired", "package", pkg)
	m.notifyStateChange()
}

// Stop ends an App session: app_stopped is sent, the link is closed with
// code 1000, and the App leaves the persisted running set. Stopping an App
// that is not present is a no-op.
func (m *Manager) Stop(ctx context.Context, pkg string) error {
	m.mu.Lock()
	c, ok := m.conns[pkg]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	wasRunning := c.state == StateRunning
	c.state = StateStopping
	link := c.link
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	delete(m.conns, pkg)
	m.mu.Unlock()

	if link != nil {
		_ = link.Send(ctx, protocol.AppStoppedMsg{Type: protocol.AppStopped})
		_ = link.Close(protocol.CloseNormal, "app stopped")
	}
	if wasRunning {
		m.metrics.ActiveApps.Add(ctx, -1)
	}
	m.subs.Remove(pkg)
	if err := m.users.RemoveRunningApp(ctx, m.userID, pkg); err != nil {
		m.log.Error("remove running app failed", "package", pkg, "error", err)
	}
	m.log.Info("app stopped", "package", pkg)
	m.notifyStateChange()
	return nil
}

// StartPreviouslyRunning launches the user's persisted running Apps plus
// the configured system Apps. Per-App failures are logged, not returned;
// a session with one broken App still comes up.
func (m *Manager) StartPreviouslyRunning(ctx context.Context) error {
	user, err := m.users.GetUser(ctx, m.userID)
	if err != nil {
		return fmt.Errorf("appmgr: load user: %w", err)
	}

	seen := make(map[string]struct{})
	var pkgs []string
	for _, pkg := range append(append([]string{}, m.cfg.SystemApps...), user.RunningApps...) {
		if _, dup := seen[pkg]; dup {
			continue
		}
		seen[pkg] = struct{}{}
		pkgs = append(pkgs, pkg)
	}

	g := new(errgroup.Group)
	for _, pkg := range pkgs {
		g.Go(func() error {
			if err := m.Start(ctx, pkg); err != nil {
				m.log.Warn("previously running app failed to start", "package", pkg, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Running returns the packages with a live or grace-period connection.
func (m *Manager) Running() []string {
	return m.inStates(StateRunning, StateGracePeriod)
}

// Loading returns the packages with a launch in flight.
func (m *Manager) Loading() []string {
	return m.inStates(StateResurrecting)
}

// State reports the connection state for pkg.
func (m *Manager) State(pkg string) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[pkg]
	if !ok {
		return 0, false
	}
	return c.state, true
}

func (m *Manager) inStates(states ...ConnState) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for pkg, c := range m.conns {
		for _, s := range states {
			if c.state == s {
				out = append(out, pkg)
				break
			}
		}
	}
	return out
}

// Dispose tears the Manager down: timers stopped, every App told
// app_stopped and closed with 1000, pending launches failed. Safe to call
// more than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	conns := make([]*appConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*appConn)
	m.mu.Unlock()

	m.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if c.grace != nil {
			c.grace.Stop()
		}
		if c.link != nil {
			_ = c.link.Send(ctx, protocol.AppStoppedMsg{Type: protocol.AppStopped})
			_ = c.link.Close(protocol.CloseNormal, "session ended")
		}
	}
	m.log.Info("app manager disposed", "apps", len(conns))
}
