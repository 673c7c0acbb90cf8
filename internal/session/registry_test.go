package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/resilience"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/transcription"
	"github.com/lenslab/lenscloud/internal/wslink/mock"
	"github.com/lenslab/lenscloud/pkg/asr"
	asrmock "github.com/lenslab/lenscloud/pkg/asr/mock"
)

func newRegistry(t *testing.T, cleanupGrace time.Duration, providers ...asr.Provider) (*Registry, *store.MemStore) {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Session.CleanupGrace = cleanupGrace
	cfg.Server.PublicHost = "wss://cloud.example.com"

	st := store.NewMemStore()
	st.PutUser(store.User{Email: "user@example.com"})

	r := NewRegistry(Deps{
		Cfg:       cfg,
		Users:     st,
		Apps:      st,
		Providers: providers,
		Limiter:   transcription.NewStreamLimiter(10),
		Breaker:   resilience.NewBreaker(resilience.BreakerConfig{Name: "test"}),
		Metrics:   observe.NewNoopMetrics(),
		Log:       slog.Default(),
	})
	t.Cleanup(r.DisposeAll)
	return r, st
}

func TestAcquire_CreatesThenResumes(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, time.Minute)
	link1 := &mock.Link{}

	s1, created := r.Acquire("user@example.com", link1)
	if !created {
		t.Fatal("first acquire should create the session")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	link2 := &mock.Link{}
	s2, created := r.Acquire("user@example.com", link2)
	if created {
		t.Fatal("second acquire should resume, not create")
	}
	if s1 != s2 {
		t.Fatal("acquire returned a different session for the same user")
	}

	// The older link is displaced with 1001.
	closes := link1.CloseCalls()
	if len(closes) != 1 || closes[0].Code != protocol.CloseGoingAway {
		t.Fatalf("old link close calls = %v, want one 1001", closes)
	}

	// Sends now land on the new link.
	if err := s2.SendToGlasses(context.Background(), protocol.SettingsUpdate{Type: protocol.CloudSettingsUpdate}); err != nil {
		t.Fatalf("SendToGlasses: %v", err)
	}
	if got := len(link2.Sent()); got != 1 {
		t.Fatalf("new link got %d frames, want 1", got)
	}
	if got := len(link1.Sent()); got != 0 {
		t.Fatalf("old link got %d frames, want 0", got)
	}
}

func TestDisconnect_GraceThenExpire(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, 30*time.Millisecond)
	link := &mock.Link{}
	r.Acquire("user@example.com", link)

	r.HandleGlassesDisconnect("user@example.com", link)

	// Still resumable inside the window.
	if _, ok := r.Get("user@example.com"); !ok {
		t.Fatal("session vanished before the grace window elapsed")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session survived the cleanup grace window")
}

func TestDisconnect_ReconnectCancelsCleanup(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, 30*time.Millisecond)
	link1 := &mock.Link{}
	s1, _ := r.Acquire("user@example.com", link1)

	r.HandleGlassesDisconnect("user@example.com", link1)
	link2 := &mock.Link{}
	s2, created := r.Acquire("user@example.com", link2)
	if created || s1 != s2 {
		t.Fatal("reconnect inside grace must resume the session")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := r.Get("user@example.com"); !ok {
		t.Fatal("session was cleaned up despite the reconnect")
	}
}

func TestDisconnect_StaleLinkDoesNotArmCleanup(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, 30*time.Millisecond)
	link1 := &mock.Link{}
	r.Acquire("user@example.com", link1)
	link2 := &mock.Link{}
	r.Acquire("user@example.com", link2)

	// The displaced link's read loop reports its close after the new
	// link took over; the session must not be scheduled for cleanup.
	r.HandleGlassesDisconnect("user@example.com", link1)
	time.Sleep(80 * time.Millisecond)
	if _, ok := r.Get("user@example.com"); !ok {
		t.Fatal("stale disconnect tore the session down")
	}
}

func TestDisconnect_StopsTranscription(t *testing.T) {
	t.Parallel()

	p := &asrmock.Provider{}
	r, _ := newRegistry(t, time.Minute, p)
	link := &mock.Link{}
	s, _ := r.Acquire("user@example.com", link)

	if _, err := s.Subs.Update("com.example.captions", []string{"transcription"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s.Transcription.UpdateSubscriptions()
	s.Transcription.SetVAD(true)

	deadline := time.Now().Add(2 * time.Second)
	for !s.Transcription.IsTranscribing() || len(p.Streams()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transcription never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Glasses gone means no audio source: the provider streams wind down
	// during the grace window instead of idling against the cap.
	r.HandleGlassesDisconnect("user@example.com", link)

	deadline = time.Now().Add(2 * time.Second)
	for s.Transcription.IsTranscribing() || !p.Streams()[0].Closed() {
		if time.Now().After(deadline) {
			t.Fatal("streams survived the glasses disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The session itself still waits out the grace window.
	if _, ok := r.Get("user@example.com"); !ok {
		t.Fatal("session vanished with the streams")
	}
}

func TestRemove_DisposesImmediately(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t, time.Minute)
	link := &mock.Link{}
	r.Acquire("user@example.com", link)

	r.Remove("user@example.com")
	if r.Len() != 0 {
		t.Fatalf("Len = %d after Remove, want 0", r.Len())
	}
	closes := link.CloseCalls()
	if len(closes) == 0 || closes[len(closes)-1].Code != protocol.CloseGoingAway {
		t.Fatalf("glasses link close calls = %v, want 1001", closes)
	}
}

func TestView_ReflectsInstalledApps(t *testing.T) {
	t.Parallel()

	r, st := newRegistry(t, time.Minute)
	st.PutApp(store.App{PackageName: "com.example.captions", Name: "Captions"}, "key", "user@example.com")

	s, _ := r.Acquire("user@example.com", &mock.Link{})
	view := s.View(context.Background())
	if view.UserID != "user@example.com" {
		t.Errorf("view user = %q", view.UserID)
	}
	if len(view.InstalledApps) != 1 || view.InstalledApps[0].PackageName != "com.example.captions" {
		t.Errorf("installed apps = %v", view.InstalledApps)
	}
	if view.IsTranscribing {
		t.Error("fresh session reports transcribing")
	}
}
