package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// ErrCameraBusy is returned when an App requests the encoder while another
// App holds it.
var ErrCameraBusy = errors.New("media: camera is held by another app")

// missedAckLimit is how many unanswered keep-alive probes end a stream.
const missedAckLimit = 3

// VideoManager arbitrates the single glasses encoder. A direct stream
// pushes to the requesting App's RTMP URL and belongs to that App alone; a
// managed stream pushes to the cloud ingest and any number of Apps may
// view its status. Safe for concurrent use.
type VideoManager struct {
	glasses    wslink.Link
	sender     AppSender
	keepAlive  time.Duration
	ingestBase string
	log        *slog.Logger

	mu         sync.Mutex
	holder     string
	streamID   string
	managed    bool
	viewers    map[string]bool
	status     string
	pendingAck string
	missedAcks int
	stopLoop   chan struct{}
	disposed   bool
}

// NewVideoManager creates a VideoManager.
func NewVideoManager(glasses wslink.Link, sender AppSender, keepAlive time.Duration, ingestBase string, log *slog.Logger) *VideoManager {
	return &VideoManager{
		glasses:    glasses,
		sender:     sender,
		keepAlive:  keepAlive,
		ingestBase: ingestBase,
		log:        log,
	}
}

// Request starts a stream or joins a managed one. Direct requests fail
// with [ErrCameraBusy] while any stream is running; managed requests join
// an existing managed stream as viewers.
func (m *VideoManager) Request(ctx context.Context, req protocol.RTMPStreamRequest) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("media: video manager disposed")
	}

	if m.streamID != "" {
		if m.managed && req.Managed {
			m.viewers[req.PackageName] = true
			id, status := m.streamID, m.status
			m.mu.Unlock()
			m.notifyViewer(ctx, req.PackageName, id, status)
			return nil
		}
		if m.holder == req.PackageName {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return ErrCameraBusy
	}

	id := uuid.NewString()
	url := req.RTMPURL
	if req.Managed {
		url = m.ingestURL(id)
	}
	m.streamID = id
	m.holder = req.PackageName
	m.managed = req.Managed
	m.viewers = map[string]bool{req.PackageName: true}
	m.status = "initializing"
	m.missedAcks = 0
	m.pendingAck = ""
	stop := make(chan struct{})
	m.stopLoop = stop
	m.mu.Unlock()

	err := m.glasses.Send(ctx, protocol.StartRTMPStreamCmd{
		Type:     protocol.CloudStartRTMPStream,
		StreamID: id,
		RTMPURL:  url,
	})
	if err != nil {
		m.clear(id)
		return fmt.Errorf("media: start stream: %w", err)
	}

	m.log.Info("rtmp stream started",
		"stream_id", id,
		"package", req.PackageName,
		"managed", req.Managed,
	)
	go m.keepAliveLoop(id, stop)
	return nil
}

// HandleStatus relays an encoder state transition to the interested Apps:
// the holder for a direct stream, every viewer for a managed one.
func (m *VideoManager) HandleStatus(ctx context.Context, st protocol.RTMPStreamStatus) {
	m.mu.Lock()
	if st.StreamID != m.streamID || m.streamID == "" {
		m.mu.Unlock()
		return
	}
	m.status = st.Status
	managed := m.managed
	holder := m.holder
	id := m.streamID
	viewers := make([]string, 0, len(m.viewers))
	for pkg := range m.viewers {
		viewers = append(viewers, pkg)
	}
	m.mu.Unlock()

	if managed {
		for _, pkg := range viewers {
			m.notifyViewer(ctx, pkg, id, st.Status)
		}
	} else {
		if res := m.sender.Send(ctx, holder, st); res.Err != nil {
			m.log.Debug("stream status relay failed", "package", holder, "error", res.Err)
		}
	}

	if st.Status == "stopped" || st.Status == "error" {
		m.stopStream(ctx, id, false)
	}
}

// HandleKeepAliveAck clears the outstanding probe.
func (m *VideoManager) HandleKeepAliveAck(ack protocol.KeepAliveAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ack.AckID == m.pendingAck {
		m.pendingAck = ""
		m.missedAcks = 0
	}
}

// Stop ends the requesting App's participation: a viewer leaves a managed
// stream, the holder (or last viewer) tears the stream down.
func (m *VideoManager) Stop(ctx context.Context, pkg string) error {
	m.mu.Lock()
	if m.streamID == "" {
		m.mu.Unlock()
		return nil
	}
	if m.managed {
		delete(m.viewers, pkg)
		if pkg != m.holder && len(m.viewers) > 0 {
			m.mu.Unlock()
			return nil
		}
	} else if pkg != m.holder {
		m.mu.Unlock()
		return ErrCameraBusy
	}
	id := m.streamID
	m.mu.Unlock()

	m.stopStream(ctx, id, true)
	return nil
}

// HandleAppStopped releases any camera resource pkg held.
func (m *VideoManager) HandleAppStopped(ctx context.Context, pkg string) {
	_ = m.Stop(ctx, pkg)
}

// Active reports the live stream, if any.
func (m *VideoManager) Active() (streamID, holder string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID, m.holder, m.streamID != ""
}

// keepAliveLoop probes the encoder until the stream ends. Unanswered
// probes accumulate; past the limit the stream is declared dead.
func (m *VideoManager) keepAliveLoop(id string, stop chan struct{}) {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.streamID != id {
			m.mu.Unlock()
			return
		}
		if m.pendingAck != "" {
			m.missedAcks++
		}
		missed := m.missedAcks
		ackID := uuid.NewString()
		m.pendingAck = ackID
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if missed >= missedAckLimit {
			cancel()
			m.log.Warn("rtmp keep-alive lost, stopping stream", "stream_id", id, "missed", missed)
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.fanStatus(tctx, id, "timeout")
			m.stopStream(tctx, id, true)
			tcancel()
			return
		}
		err := m.glasses.Send(ctx, protocol.KeepRTMPStreamAlive{
			Type:     protocol.CloudKeepRTMPStreamAlive,
			StreamID: id,
			AckID:    ackID,
		})
		cancel()
		if err != nil {
			m.log.Debug("keep-alive send failed", "stream_id", id, "error", err)
		}
	}
}

// fanStatus pushes a synthesized status to all interested Apps.
func (m *VideoManager) fanStatus(ctx context.Context, id, status string) {
	m.mu.Lock()
	if m.streamID != id {
		m.mu.Unlock()
		return
	}
	managed := m.managed
	holder := m.holder
	viewers := make([]string, 0, len(m.viewers))
	for pkg := range m.viewers {
		viewers = append(viewers, pkg)
	}
	m.mu.Unlock()

	if managed {
		for _, pkg := range viewers {
			m.notifyViewer(ctx, pkg, id, status)
		}
		return
	}
	m.sender.Send(ctx, holder, protocol.RTMPStreamStatus{
		Type:     protocol.GlassesRTMPStreamStatus,
		StreamID: id,
		Status:   status,
	})
}

// stopStream tears the stream down; tellGlasses selects whether a stop
// command is still worth sending.
func (m *VideoManager) stopStream(ctx context.Context, id string, tellGlasses bool) {
	if !m.clear(id) {
		return
	}
	if tellGlasses {
		err := m.glasses.Send(ctx, protocol.StopRTMPStreamCmd{
			Type:     protocol.CloudStopRTMPStream,
			StreamID: id,
		})
		if err != nil {
			m.log.Debug("stop stream send failed", "stream_id", id, "error", err)
		}
	}
	m.log.Info("rtmp stream stopped", "stream_id", id)
}

// clear resets state if id is still the live stream.
func (m *VideoManager) clear(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamID != id {
		return false
	}
	m.streamID = ""
	m.holder = ""
	m.managed = false
	m.viewers = nil
	m.status = ""
	m.pendingAck = ""
	m.missedAcks = 0
	if m.stopLoop != nil {
		close(m.stopLoop)
		m.stopLoop = nil
	}
	return true
}

func (m *VideoManager) notifyViewer(ctx context.Context, pkg, id, status string) {
	res := m.sender.Send(ctx, pkg, protocol.ManagedStreamStatus{
		Type:     protocol.AppManagedStreamStatus,
		StreamID: id,
		Status:   status,
		HLSURL:   m.hlsURL(id),
	})
	if res.Err != nil {
		m.log.Debug("managed status relay failed", "package", pkg, "error", res.Err)
	}
}

func (m *VideoManager) ingestURL(id string) string {
	return strings.TrimSuffix(m.ingestBase, "/") + "/live/" + id
}

func (m *VideoManager) hlsURL(id string) string {
	base := strings.TrimSuffix(m.ingestBase, "/")
	base = strings.Replace(base, "rtmp://", "https://", 1)
	return base + "/hls/" + id + ".m3u8"
}

// Dispose ends any live stream without telling the glasses; the link is
// going away with the session.
func (m *VideoManager) Dispose() {
	m.mu.Lock()
	id := m.streamID
	m.disposed = true
	m.mu.Unlock()
	if id != "" {
		m.clear(id)
	}
}
