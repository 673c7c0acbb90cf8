package appmgr_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/internal/wslink/mock"
)

const (
	testUser = "user@example.com"
	testPkg  = "com.example.captions"
	testKey  = "sk-captions"
)

// fixture wires a Manager against a MemStore and a webhook capture server.
type fixture struct {
	mgr   *appmgr.Manager
	st    *store.MemStore
	subs  *subscription.Index
	hooks chan appmgr.SessionRequest

	hookStatus atomic.Int32
	hookCount  atomic.Int32
	hookDelay  atomic.Int64
}

func newFixture(t *testing.T, cfg config.AppsConfig) *fixture {
	t.Helper()

	f := &fixture{
		st:    store.NewMemStore(),
		subs:  subscription.NewIndex(),
		hooks: make(chan appmgr.SessionRequest, 16),
	}
	f.hookStatus.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hookCount.Add(1)
		var req appmgr.SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		select {
		case f.hooks <- req:
		default:
		}
		if d := f.hookDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}
		w.WriteHeader(int(f.hookStatus.Load()))
	}))
	t.Cleanup(srv.Close)

	f.st.PutUser(store.User{Email: testUser})
	f.st.PutApp(store.App{
		PackageName: testPkg,
		Name:        "Captions",
		PublicURL:   srv.URL,
		Settings:    []store.AppSetting{{Key: "line_count", DefaultValue: 2}},
	}, testKey, testUser)

	f.mgr = appmgr.New(appmgr.Options{
		UserID:      testUser,
		Users:       f.st,
		Apps:        f.st,
		Subs:        f.subs,
		AppsCfg:     cfg,
		PublicWSURL: "wss://cloud.example.com/app-ws",
		Metrics:     observe.NewNoopMetrics(),
		Log:         slog.Default(),
	})
	t.Cleanup(f.mgr.Dispose)
	return f
}

func fastConfig() config.AppsConfig {
	return config.AppsConfig{
		WebhookAttempts: 1,
		WebhookTimeout:  time.Second,
		StartTimeout:    300 * time.Millisecond,
		GraceTimeout:    30 * time.Millisecond,
	}
}

// connect drives a full launch from the cloud side: unless the App already
// has a connection record, Start fires the webhook first, then the App
// opens its link and authenticates, like a real App server would.
func (f *fixture) connect(t *testing.T) *mock.Link {
	t.Helper()
	if _, ok := f.mgr.State(testPkg); !ok {
		go func() { _ = f.mgr.Start(context.Background(), testPkg) }()
		select {
		case <-f.hooks:
		case <-time.After(time.Second):
			t.Fatal("webhook never fired")
		}
	}
	link := &mock.Link{}
	err := f.mgr.HandleAppInit(context.Background(), link, protocol.AppInit{
		Type:        protocol.AppConnectionInit,
		PackageName: testPkg,
		APIKey:      testKey,
		SessionID:   testUser + "-" + testPkg,
	})
	if err != nil {
		t.Fatalf("HandleAppInit: %v", err)
	}
	return link
}

func TestStart_WebhookThenConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())

	done := make(chan error, 1)
	go func() { done <- f.mgr.Start(context.Background(), testPkg) }()

	var req appmgr.SessionRequest
	select {
	case req = <-f.hooks:
	case <-time.After(time.Second):
		t.Fatal("webhook never fired")
	}
	if req.SessionID != testUser+"-"+testPkg {
		t.Errorf("webhook sessionId = %q", req.SessionID)
	}
	if req.UserID != testUser {
		t.Errorf("webhook userId = %q", req.UserID)
	}
	if req.WebsocketURL != "wss://cloud.example.com/app-ws" {
		t.Errorf("webhook ws url = %q", req.WebsocketURL)
	}

	link := f.connect(t)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start never returned")
	}

	if st, ok := f.mgr.State(testPkg); !ok || st != appmgr.StateRunning {
		t.Fatalf("state = %v, %v; want RUNNING", st, ok)
	}

	sent := link.Sent()
	if len(sent) != 1 {
		t.Fatalf("App got %d frames, want 1 ack", len(sent))
	}
	ack, ok := sent[0].(protocol.AckToApp)
	if !ok {
		t.Fatalf("first frame = %T, want AckToApp", sent[0])
	}
	if len(ack.Settings) != 1 || ack.Settings[0].Key != "line_count" {
		t.Errorf("ack settings = %v", ack.Settings)
	}

	u, err := f.st.GetUser(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.RunningApps) != 1 || u.RunningApps[0] != testPkg {
		t.Errorf("persisted running apps = %v", u.RunningApps)
	}
}

func TestStart_IdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.connect(t)

	if err := f.mgr.Start(context.Background(), testPkg); err != nil {
		t.Fatalf("Start on running app: %v", err)
	}
	// Only the launch inside connect fired a webhook.
	if got := f.hookCount.Load(); got != 1 {
		t.Fatalf("webhook fired %d times, want 1", got)
	}
}

func TestStart_TimeoutWhenAppNeverConnects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())

	err := f.mgr.Start(context.Background(), testPkg)
	var serr *appmgr.StartError
	if !errors.As(err, &serr) || serr.Stage != appmgr.StageTimeout {
		t.Fatalf("Start = %v, want StartError at TIMEOUT", err)
	}
	if _, ok := f.mgr.State(testPkg); ok {
		t.Fatal("failed launch left a connection record behind")
	}
}

func TestStart_WebhookFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.WebhookAttempts = 2
	f := newFixture(t, cfg)
	f.hookStatus.Store(http.StatusInternalServerError)

	err := f.mgr.Start(context.Background(), testPkg)
	var serr *appmgr.StartError
	if !errors.As(err, &serr) || serr.Stage != appmgr.StageWebhook {
		t.Fatalf("Start = %v, want StartError at WEBHOOK", err)
	}
	if got := f.hookCount.Load(); got != 2 {
		t.Fatalf("webhook attempts = %d, want 2", got)
	}
}

func TestStart_PiggybacksOnPendingLaunch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())

	first := make(chan error, 1)
	go func() { first <- f.mgr.Start(context.Background(), testPkg) }()
	<-f.hooks

	second := make(chan error, 1)
	go func() { second <- f.mgr.Start(context.Background(), testPkg) }()

	// Give the second Start a moment to join the pending launch.
	time.Sleep(20 * time.Millisecond)
	f.connect(t)

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Start never returned")
		}
	}
	if got := f.hookCount.Load(); got != 1 {
		t.Fatalf("webhook fired %d times for one launch, want 1", got)
	}
}

func TestHandleAppInit_RejectsBadAPIKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	link := &mock.Link{}

	err := f.mgr.HandleAppInit(context.Background(), link, protocol.AppInit{
		Type:        protocol.AppConnectionInit,
		PackageName: testPkg,
		APIKey:      "wrong",
		SessionID:   testUser + "-" + testPkg,
	})
	if err == nil {
		t.Fatal("HandleAppInit accepted a bad API key")
	}

	closes := link.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.ClosePolicy {
		t.Fatalf("close calls = %v, want one with code 1008", closes)
	}
	sent := link.Sent()
	if len(sent) != 1 {
		t.Fatalf("App got %d frames, want 1 connection_error", len(sent))
	}
	if ce, ok := sent[0].(protocol.ConnectionError); !ok || ce.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("frame = %#v, want INVALID_CREDENTIALS", sent[0])
	}
}

func TestSend_DeliversToRunningApp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	link := f.connect(t)

	res := f.mgr.Send(context.Background(), testPkg, protocol.DataStream{
		Type:       protocol.AppDataStream,
		StreamType: "transcription:en-US",
	})
	if !res.Sent || res.Err != nil {
		t.Fatalf("Send = %+v, want Sent", res)
	}
	if got := len(link.Sent()); got != 2 {
		t.Fatalf("App got %d frames, want ack + data", got)
	}
}

func TestSend_DropsDuringGracePeriod(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.GraceTimeout = time.Minute
	f := newFixture(t, cfg)
	f.connect(t)

	f.mgr.HandleLinkClosed(testPkg, 1006)
	if st, _ := f.mgr.State(testPkg); st != appmgr.StateGracePeriod {
		t.Fatalf("state = %v, want GRACE_PERIOD", st)
	}

	res := f.mgr.Send(context.Background(), testPkg, protocol.DataStream{Type: protocol.AppDataStream})
	if res.Sent || res.ResurrectionTriggered || res.Err != nil {
		t.Fatalf("Send during grace = %+v, want silent drop", res)
	}
}

func TestSend_ResurrectsDisconnectedApp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.connect(t)

	f.mgr.HandleLinkClosed(testPkg, 1006)
	waitForState(t, f.mgr, testPkg, appmgr.StateDisconnected)

	res := f.mgr.Send(context.Background(), testPkg, protocol.DataStream{Type: protocol.AppDataStream})
	if res.Sent || !res.ResurrectionTriggered {
		t.Fatalf("Send to disconnected = %+v, want ResurrectionTriggered", res)
	}

	// The relaunch fires the webhook again in the background.
	select {
	case <-f.hooks:
	case <-time.After(time.Second):
		t.Fatal("resurrection never fired the webhook")
	}
}

func TestHandleLinkClosed_CleanCloseEndsAppSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.connect(t)
	if _, err := f.subs.Update(testPkg, []string{"transcription"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.mgr.HandleLinkClosed(testPkg, protocol.CloseNormal)

	if _, ok := f.mgr.State(testPkg); ok {
		t.Fatal("clean close left a connection record")
	}
	if subs := f.subs.Subscriptions(testPkg); len(subs) != 0 {
		t.Fatalf("subscriptions survived clean close: %v", subs)
	}
	u, err := f.st.GetUser(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.RunningApps) != 0 {
		t.Fatalf("persisted running apps = %v, want empty", u.RunningApps)
	}
}

func TestReconnectWithinGraceResumes(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.GraceTimeout = time.Minute
	f := newFixture(t, cfg)
	f.connect(t)

	f.mgr.HandleLinkClosed(testPkg, 1006)
	f.connect(t)

	if st, _ := f.mgr.State(testPkg); st != appmgr.StateRunning {
		t.Fatalf("state after reconnect = %v, want RUNNING", st)
	}
	// The reconnect itself must not fire another webhook.
	if got := f.hookCount.Load(); got != 1 {
		t.Fatalf("webhook fired %d times, want 1", got)
	}
}

func TestStop_SendsAppStoppedAndCleansUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	link := f.connect(t)
	if _, err := f.subs.Update(testPkg, []string{"head_position"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.mgr.Stop(context.Background(), testPkg); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sent := link.Sent()
	last := sent[len(sent)-1]
	if msg, ok := last.(protocol.AppStoppedMsg); !ok || msg.Type != protocol.AppStopped {
		t.Fatalf("last frame = %#v, want app_stopped", last)
	}
	closes := link.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.CloseNormal {
		t.Fatalf("close calls = %v, want one with code 1000", closes)
	}
	if subs := f.subs.Subscriptions(testPkg); len(subs) != 0 {
		t.Fatalf("subscriptions survived stop: %v", subs)
	}
	if _, ok := f.mgr.State(testPkg); ok {
		t.Fatal("stop left a connection record")
	}
}

func TestStartPreviouslyRunning_LaunchesPersistedApps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.st.PutUser(store.User{Email: testUser, RunningApps: []string{testPkg}})

	// Auto-connect when the webhook lands, like a real App server would.
	go func() {
		<-f.hooks
		link := &mock.Link{}
		_ = f.mgr.HandleAppInit(context.Background(), link, protocol.AppInit{
			Type:        protocol.AppConnectionInit,
			PackageName: testPkg,
			APIKey:      testKey,
			SessionID:   testUser + "-" + testPkg,
		})
	}()

	if err := f.mgr.StartPreviouslyRunning(context.Background()); err != nil {
		t.Fatalf("StartPreviouslyRunning: %v", err)
	}
	if st, _ := f.mgr.State(testPkg); st != appmgr.StateRunning {
		t.Fatalf("state = %v, want RUNNING", st)
	}
}

func TestStartPreviouslyRunning_ToleratesBrokenApp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.st.PutUser(store.User{Email: testUser, RunningApps: []string{"com.example.gone"}})

	// The broken App has no record at all; the launch fails at the
	// webhook stage but the call must still succeed.
	if err := f.mgr.StartPreviouslyRunning(context.Background()); err != nil {
		t.Fatalf("StartPreviouslyRunning: %v", err)
	}
}

func TestDispose_StopsAppsAndClosesNormally(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	link := f.connect(t)

	f.mgr.Dispose()

	// The App is told to wind its session state down, not just cut off:
	// app_stopped first, then a clean 1000 close.
	sent := link.Sent()
	if len(sent) == 0 {
		t.Fatal("App got no frames on dispose")
	}
	last := sent[len(sent)-1]
	if msg, ok := last.(protocol.AppStoppedMsg); !ok || msg.Type != protocol.AppStopped {
		t.Fatalf("last frame = %#v, want app_stopped", last)
	}
	closes := link.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.CloseNormal {
		t.Fatalf("close calls = %v, want one with code 1000", closes)
	}
	if err := f.mgr.Start(context.Background(), testPkg); !errors.Is(err, appmgr.ErrDisposed) {
		t.Fatalf("Start after dispose = %v, want ErrDisposed", err)
	}
}

func TestHandleAppInit_RejectsUnsolicitedConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	link := &mock.Link{}

	// Valid credentials, but nothing on this session asked for the App;
	// e.g. a webhook from a previous session coming home late.
	err := f.mgr.HandleAppInit(context.Background(), link, protocol.AppInit{
		Type:        protocol.AppConnectionInit,
		PackageName: testPkg,
		APIKey:      testKey,
		SessionID:   testUser + "-" + testPkg,
	})
	if err == nil {
		t.Fatal("HandleAppInit accepted a connection nobody started")
	}

	closes := link.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.ClosePolicy {
		t.Fatalf("close calls = %v, want one with code 1008", closes)
	}
	sent := link.Sent()
	if len(sent) != 1 {
		t.Fatalf("App got %d frames, want 1 connection_error", len(sent))
	}
	if ce, ok := sent[0].(protocol.ConnectionError); !ok || ce.Code != "APP_NOT_STARTED" {
		t.Fatalf("frame = %#v, want APP_NOT_STARTED", sent[0])
	}
	if _, ok := f.mgr.State(testPkg); ok {
		t.Fatal("rejected connection left a record behind")
	}
}

func TestStart_FailureRemovesPersistedRunningApp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastConfig())
	f.st.PutUser(store.User{Email: testUser, RunningApps: []string{testPkg}})

	err := f.mgr.Start(context.Background(), testPkg)
	var serr *appmgr.StartError
	if !errors.As(err, &serr) || serr.Stage != appmgr.StageTimeout {
		t.Fatalf("Start = %v, want StartError at TIMEOUT", err)
	}

	u, err := f.st.GetUser(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.RunningApps) != 0 {
		t.Fatalf("persisted running apps = %v, want empty after a failed launch", u.RunningApps)
	}
}

func TestStart_BudgetCoversWebhookDelay(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.StartTimeout = 100 * time.Millisecond
	f := newFixture(t, cfg)
	// The webhook answers well inside its own timeout but eats the whole
	// connect budget.
	f.hookDelay.Store(int64(400 * time.Millisecond))

	go func() { _ = f.mgr.Start(context.Background(), testPkg) }()
	select {
	case <-f.hooks:
	case <-time.After(time.Second):
		t.Fatal("webhook never fired")
	}

	// A waiter joining now must be released when the overall budget runs
	// out, not 100 ms after the slow webhook returns.
	began := time.Now()
	err := f.mgr.Start(context.Background(), testPkg)
	elapsed := time.Since(began)

	var serr *appmgr.StartError
	if !errors.As(err, &serr) || serr.Stage != appmgr.StageTimeout {
		t.Fatalf("Start = %v, want StartError at TIMEOUT", err)
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("launch settled after %v; the budget must arm at creation", elapsed)
	}
}

func TestSend_FailureDropsLinkIntoGrace(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.GraceTimeout = time.Minute
	f := newFixture(t, cfg)
	link := f.connect(t)
	link.SetSendErr(errors.New("broken pipe"))

	res := f.mgr.Send(context.Background(), testPkg, protocol.DataStream{Type: protocol.AppDataStream})
	if res.Sent || res.Err == nil {
		t.Fatalf("Send over a dead link = %+v, want an error", res)
	}
	if st, _ := f.mgr.State(testPkg); st != appmgr.StateGracePeriod {
		t.Fatalf("state = %v, want GRACE_PERIOD", st)
	}
	closes := link.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.CloseInternal {
		t.Fatalf("close calls = %v, want one with code 1011", closes)
	}

	// The dead link is out of the path: later sends drop instead of
	// hitting the same failed socket.
	res = f.mgr.Send(context.Background(), testPkg, protocol.DataStream{Type: protocol.AppDataStream})
	if res.Sent || res.Err != nil || res.ResurrectionTriggered {
		t.Fatalf("Send during grace = %+v, want silent drop", res)
	}
}

// waitForState polls until the App reaches the wanted state.
func waitForState(t *testing.T, mgr *appmgr.Manager, pkg string, want appmgr.ConnState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, ok := mgr.State(pkg); ok && st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, ok := mgr.State(pkg)
	t.Fatalf("state = %v (present=%v), want %v", st, ok, want)
}
