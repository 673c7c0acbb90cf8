package display_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/display"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/wslink/mock"
)

func newManager(t *testing.T) (*display.Manager, *display.Dashboard, *mock.Link) {
	t.Helper()
	link := &mock.Link{}
	dash := display.NewDashboard()
	mgr := display.NewManager(link, dash, slog.Default())
	t.Cleanup(mgr.Dispose)
	return mgr, dash, link
}

func lastEvent(t *testing.T, link *mock.Link) protocol.DisplayEvent {
	t.Helper()
	sent := link.Sent()
	if len(sent) == 0 {
		t.Fatal("no frames sent to glasses")
	}
	ev, ok := sent[len(sent)-1].(protocol.DisplayEvent)
	if !ok {
		t.Fatalf("last frame = %T, want DisplayEvent", sent[len(sent)-1])
	}
	return ev
}

func TestDisplayRequest_RendersMainView(t *testing.T) {
	t.Parallel()

	mgr, _, link := newManager(t)
	err := mgr.HandleDisplayRequest(context.Background(), protocol.DisplayRequest{
		Type:        protocol.AppDisplayRequest,
		PackageName: "com.example.captions",
		View:        display.ViewMain,
		Layout:      map[string]any{"layoutType": "text_wall", "text": "hello"},
	})
	if err != nil {
		t.Fatalf("HandleDisplayRequest: %v", err)
	}

	ev := lastEvent(t, link)
	if ev.View != display.ViewMain || ev.PackageName != "com.example.captions" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDisplayRequest_DurationClears(t *testing.T) {
	t.Parallel()

	mgr, _, link := newManager(t)
	err := mgr.HandleDisplayRequest(context.Background(), protocol.DisplayRequest{
		Type:        protocol.AppDisplayRequest,
		PackageName: "com.example.captions",
		View:        display.ViewMain,
		Layout:      map[string]any{"text": "flash"},
		DurationMs:  20,
	})
	if err != nil {
		t.Fatalf("HandleDisplayRequest: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(link.Sent()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	ev := lastEvent(t, link)
	if ev.Layout["layoutType"] != "empty" {
		t.Fatalf("after duration, layout = %v, want empty", ev.Layout)
	}
}

func TestHeadUp_ShowsDashboardAndHeadDownRestores(t *testing.T) {
	t.Parallel()

	mgr, dash, link := newManager(t)
	dash.SetContent("com.example.weather", "21C sunny", "")

	_ = mgr.HandleDisplayRequest(context.Background(), protocol.DisplayRequest{
		PackageName: "com.example.captions",
		View:        display.ViewMain,
		Layout:      map[string]any{"text": "app content"},
	})

	if err := mgr.HandleHeadPosition(context.Background(), protocol.HeadPosition{Position: "up"}); err != nil {
		t.Fatalf("head up: %v", err)
	}
	if ev := lastEvent(t, link); ev.View != display.ViewDashboard {
		t.Fatalf("head up rendered %q, want dashboard", ev.View)
	}

	if err := mgr.HandleHeadPosition(context.Background(), protocol.HeadPosition{Position: "down"}); err != nil {
		t.Fatalf("head down: %v", err)
	}
	ev := lastEvent(t, link)
	if ev.View != display.ViewMain || ev.PackageName != "com.example.captions" {
		t.Fatalf("head down restored %+v", ev)
	}
}

func TestAppStopped_ClearsItsLayout(t *testing.T) {
	t.Parallel()

	mgr, dash, link := newManager(t)
	dash.SetContent("com.example.captions", "cc", "")
	_ = mgr.HandleDisplayRequest(context.Background(), protocol.DisplayRequest{
		PackageName: "com.example.captions",
		View:        display.ViewMain,
		Layout:      map[string]any{"text": "x"},
	})

	mgr.HandleAppStopped(context.Background(), "com.example.captions")

	if ev := lastEvent(t, link); ev.Layout["layoutType"] != "empty" {
		t.Fatalf("after app stop, layout = %v, want empty", ev.Layout)
	}
	if secs := dash.Render().Layout["sections"]; secs != nil && len(secs.([]map[string]any)) != 0 {
		t.Fatalf("dashboard still holds stopped app content: %v", secs)
	}
}

func TestDashboard_MainModeRotates(t *testing.T) {
	t.Parallel()

	dash := display.NewDashboard()
	dash.SetContent("com.a", "first", "")
	dash.SetContent("com.b", "second", "")

	seen := map[string]bool{}
	for range 2 {
		ev := dash.Render()
		sections := ev.Layout["sections"].([]map[string]any)
		if len(sections) != 1 {
			t.Fatalf("main mode rendered %d sections, want 1", len(sections))
		}
		seen[sections[0]["packageName"].(string)] = true
	}
	if !seen["com.a"] || !seen["com.b"] {
		t.Fatalf("rotation never showed both cards: %v", seen)
	}
}

func TestDashboard_ExpandedModeShowsAll(t *testing.T) {
	t.Parallel()

	dash := display.NewDashboard()
	dash.SetContent("com.a", "first", "")
	dash.SetContent("com.b", "second", display.ModeExpanded)

	ev := dash.Render()
	sections := ev.Layout["sections"].([]map[string]any)
	if len(sections) != 2 {
		t.Fatalf("expanded mode rendered %d sections, want 2", len(sections))
	}
	if ev.Layout["mode"] != display.ModeExpanded {
		t.Fatalf("mode = %v", ev.Layout["mode"])
	}
}
