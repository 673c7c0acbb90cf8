// Package media owns the camera resources of one session: photo requests
// with their timeout bookkeeping, and the RTMP encoder with its
// single-holder arbitration, keep-alive probing, and managed-stream
// ingest fan-out.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenslab/lenscloud/internal/appmgr"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// AppSender relays frames to Apps. Implemented by appmgr.Manager.
type AppSender interface {
	Send(ctx context.Context, pkg string, v any) appmgr.SendResult
}

// pendingPhoto tracks one in-flight photo request.
type pendingPhoto struct {
	pkg   string
	timer *time.Timer
}

// PhotoManager brokers photo requests between Apps and the glasses camera.
// Safe for concurrent use.
type PhotoManager struct {
	glasses wslink.Link
	sender  AppSender
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingPhoto
	disposed bool
}

// NewPhotoManager creates a PhotoManager. timeout bounds each request.
func NewPhotoManager(glasses wslink.Link, sender AppSender, timeout time.Duration, log *slog.Logger) *PhotoManager {
	return &PhotoManager{
		glasses: glasses,
		sender:  sender,
		timeout: timeout,
		log:     log,
		pending: make(map[string]*pendingPhoto),
	}
}

// Request forwards an App's photo request to the glasses. The returned
// request id correlates the eventual photo_response; if the glasses never
// answer, the App receives a failed PhotoResult after the timeout.
func (m *PhotoManager) Request(ctx context.Context, req protocol.PhotoRequest) (string, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", fmt.Errorf("media: photo manager disposed")
	}
	id := uuid.NewString()
	p := &pendingPhoto{pkg: req.PackageName}
	p.timer = time.AfterFunc(m.timeout, func() { m.expire(id) })
	m.pending[id] = p
	m.mu.Unlock()

	err := m.glasses.Send(ctx, protocol.PhotoRequestCmd{
		Type:          protocol.CloudPhotoRequest,
		RequestID:     id,
		PackageName:   req.PackageName,
		SaveToGallery: req.SaveToGallery,
	})
	if err != nil {
		m.mu.Lock()
		if p, ok := m.pending[id]; ok {
			p.timer.Stop()
			delete(m.pending, id)
		}
		m.mu.Unlock()
		return "", fmt.Errorf("media: photo request: %w", err)
	}
	return id, nil
}

// HandleResponse resolves a pending request with the glasses' answer and
// relays the result to the requesting App. Responses for unknown or
// already-expired requests are dropped.
func (m *PhotoManager) HandleResponse(ctx context.Context, resp protocol.PhotoResponse) {
	m.mu.Lock()
	p, ok := m.pending[resp.RequestID]
	if ok {
		p.timer.Stop()
		delete(m.pending, resp.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		m.log.Debug("photo response for unknown request", "request_id", resp.RequestID)
		return
	}

	result := protocol.PhotoResult{
		Type:      protocol.AppPhotoResponse,
		RequestID: resp.RequestID,
		Success:   resp.Success,
		PhotoURL:  resp.PhotoURL,
		Error:     resp.ErrorMsg,
	}
	if res := m.sender.Send(ctx, p.pkg, result); res.Err != nil {
		m.log.Warn("photo result relay failed", "package", p.pkg, "error", res.Err)
	}
}

// expire fails a request the glasses never answered.
func (m *PhotoManager) expire(id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	disposed := m.disposed
	m.mu.Unlock()
	if !ok || disposed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.log.Warn("photo request timed out", "request_id", id, "package", p.pkg)
	m.sender.Send(ctx, p.pkg, protocol.PhotoResult{
		Type:      protocol.AppPhotoResponse,
		RequestID: id,
		Success:   false,
		Error:     "timeout",
	})
}

// PendingCount reports in-flight photo requests.
func (m *PhotoManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Dispose cancels all pending requests without notifying Apps; the session
// is going away with them.
func (m *PhotoManager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
	}
}
