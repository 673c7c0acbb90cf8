package media_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/media"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/wslink/mock"
)

type captureSender struct {
	mu     sync.Mutex
	frames map[string][]any
}

func newCaptureSender() *captureSender {
	return &captureSender{frames: make(map[string][]any)}
}

func (c *captureSender) Send(_ context.Context, pkg string, v any) appmgr.SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[pkg] = append(c.frames[pkg], v)
	return appmgr.SendResult{Sent: true}
}

func (c *captureSender) framesFor(pkg string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.frames[pkg]))
	copy(out, c.frames[pkg])
	return out
}

func TestPhoto_RequestAndResponse(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	pm := media.NewPhotoManager(glasses, sender, time.Minute, slog.Default())
	t.Cleanup(pm.Dispose)

	id, err := pm.Request(context.Background(), protocol.PhotoRequest{
		Type:        protocol.AppPhotoRequest,
		PackageName: "com.example.camera",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	sent := glasses.Sent()
	if len(sent) != 1 {
		t.Fatalf("glasses got %d frames, want 1", len(sent))
	}
	cmd, ok := sent[0].(protocol.PhotoRequestCmd)
	if !ok || cmd.RequestID != id {
		t.Fatalf("glasses frame = %#v", sent[0])
	}

	pm.HandleResponse(context.Background(), protocol.PhotoResponse{
		Type:      protocol.GlassesPhotoResponse,
		RequestID: id,
		Success:   true,
		PhotoURL:  "https://gallery.example.com/p/1.jpg",
	})

	frames := sender.framesFor("com.example.camera")
	if len(frames) != 1 {
		t.Fatalf("App got %d frames, want 1", len(frames))
	}
	res := frames[0].(protocol.PhotoResult)
	if !res.Success || res.PhotoURL != "https://gallery.example.com/p/1.jpg" {
		t.Fatalf("result = %+v", res)
	}
	if pm.PendingCount() != 0 {
		t.Fatal("request still pending after response")
	}
}

func TestPhoto_TimeoutFailsRequest(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	pm := media.NewPhotoManager(glasses, sender, 20*time.Millisecond, slog.Default())
	t.Cleanup(pm.Dispose)

	if _, err := pm.Request(context.Background(), protocol.PhotoRequest{PackageName: "com.example.camera"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sender.framesFor("com.example.camera")) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames := sender.framesFor("com.example.camera")
	if len(frames) != 1 {
		t.Fatalf("App got %d frames, want 1 timeout result", len(frames))
	}
	res := frames[0].(protocol.PhotoResult)
	if res.Success || res.Error != "timeout" {
		t.Fatalf("result = %+v, want timeout failure", res)
	}
}

func TestPhoto_LateResponseDropped(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	pm := media.NewPhotoManager(glasses, sender, time.Minute, slog.Default())
	t.Cleanup(pm.Dispose)

	pm.HandleResponse(context.Background(), protocol.PhotoResponse{RequestID: "no-such-request", Success: true})
	if got := len(sender.frames); got != 0 {
		t.Fatalf("unknown response produced %d frames", got)
	}
}

func TestVideo_DirectStreamSingleHolder(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	vm := media.NewVideoManager(glasses, sender, time.Minute, "rtmp://ingest.example.com", slog.Default())
	t.Cleanup(vm.Dispose)

	err := vm.Request(context.Background(), protocol.RTMPStreamRequest{
		PackageName: "com.example.streamer",
		RTMPURL:     "rtmp://target.example.com/live",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	sent := glasses.Sent()
	if len(sent) != 1 {
		t.Fatalf("glasses got %d frames, want start command", len(sent))
	}
	start := sent[0].(protocol.StartRTMPStreamCmd)
	if start.RTMPURL != "rtmp://target.example.com/live" {
		t.Errorf("direct stream url = %q", start.RTMPURL)
	}

	err = vm.Request(context.Background(), protocol.RTMPStreamRequest{
		PackageName: "com.example.other",
		RTMPURL:     "rtmp://elsewhere.example.com/live",
	})
	if !errors.Is(err, media.ErrCameraBusy) {
		t.Fatalf("second holder = %v, want ErrCameraBusy", err)
	}

	// Status updates flow to the holder only.
	vm.HandleStatus(context.Background(), protocol.RTMPStreamStatus{
		StreamID: start.StreamID,
		Status:   "active",
	})
	if got := len(sender.framesFor("com.example.streamer")); got != 1 {
		t.Fatalf("holder got %d status frames, want 1", got)
	}
	if got := len(sender.framesFor("com.example.other")); got != 0 {
		t.Fatalf("non-holder got %d status frames, want 0", got)
	}
}

func TestVideo_StopReleasesCamera(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	vm := media.NewVideoManager(glasses, sender, time.Minute, "rtmp://ingest.example.com", slog.Default())
	t.Cleanup(vm.Dispose)

	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.a", RTMPURL: "rtmp://x/live"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := vm.Stop(context.Background(), "com.a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, _, ok := vm.Active(); ok {
		t.Fatal("stream still active after stop")
	}

	sent := glasses.Sent()
	if _, ok := sent[len(sent)-1].(protocol.StopRTMPStreamCmd); !ok {
		t.Fatalf("last glasses frame = %#v, want stop command", sent[len(sent)-1])
	}

	// Camera is free again.
	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.b", RTMPURL: "rtmp://y/live"}); err != nil {
		t.Fatalf("Request after release: %v", err)
	}
}

func TestVideo_ManagedStreamFansOutToViewers(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	vm := media.NewVideoManager(glasses, sender, time.Minute, "rtmp://ingest.example.com", slog.Default())
	t.Cleanup(vm.Dispose)

	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.a", Managed: true}); err != nil {
		t.Fatalf("managed request: %v", err)
	}

	start := glasses.Sent()[0].(protocol.StartRTMPStreamCmd)
	if start.RTMPURL != "rtmp://ingest.example.com/live/"+start.StreamID {
		t.Errorf("managed stream pushed to %q, want cloud ingest", start.RTMPURL)
	}

	// A second managed request joins as viewer instead of failing.
	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.b", Managed: true}); err != nil {
		t.Fatalf("viewer join: %v", err)
	}

	vm.HandleStatus(context.Background(), protocol.RTMPStreamStatus{StreamID: start.StreamID, Status: "active"})

	for _, pkg := range []string{"com.a", "com.b"} {
		frames := sender.framesFor(pkg)
		found := false
		for _, f := range frames {
			if ms, ok := f.(protocol.ManagedStreamStatus); ok && ms.Status == "active" && ms.HLSURL != "" {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s never saw the active managed status: %v", pkg, frames)
		}
	}
}

func TestVideo_KeepAliveTimeoutStopsStream(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	vm := media.NewVideoManager(glasses, sender, 10*time.Millisecond, "rtmp://ingest.example.com", slog.Default())
	t.Cleanup(vm.Dispose)

	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.a", RTMPURL: "rtmp://x/live"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// No acks ever arrive; the stream must die on its own.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := vm.Active(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stream survived lost keep-alives")
}

func TestVideo_AckResetsKeepAlive(t *testing.T) {
	t.Parallel()

	glasses := &mock.Link{}
	sender := newCaptureSender()
	vm := media.NewVideoManager(glasses, sender, 15*time.Millisecond, "rtmp://ingest.example.com", slog.Default())
	t.Cleanup(vm.Dispose)

	if err := vm.Request(context.Background(), protocol.RTMPStreamRequest{PackageName: "com.a", RTMPURL: "rtmp://x/live"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Answer every probe for a while; the stream must stay up well past
	// the missed-ack budget.
	stop := time.After(150 * time.Millisecond)
	for {
		select {
		case <-stop:
			if _, _, ok := vm.Active(); !ok {
				t.Fatal("stream died despite acked keep-alives")
			}
			return
		default:
		}
		for _, f := range glasses.Sent() {
			if ka, ok := f.(protocol.KeepRTMPStreamAlive); ok {
				vm.HandleKeepAliveAck(protocol.KeepAliveAck{AckID: ka.AckID, StreamID: ka.StreamID})
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}
