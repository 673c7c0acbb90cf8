package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/coder/websocket"

	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/session"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/subscription"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// handleGlassesWS upgrades a glasses client. The token identifies the user;
// one session per user, reconnects resume it.
func (s *Server) handleGlassesWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.VerifyGlassesToken(bearerToken(r))
	if err != nil {
		s.authFailure(r.Context(), "glasses", "invalid_token")
		s.log.Warn("glasses connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("glasses upgrade failed", "user_id", userID, "error", err)
		return
	}
	link := wslink.New(conn)
	log := s.log.With("user_id", userID)

	sess, created := s.registry.Acquire(userID, link)
	defer s.registry.HandleGlassesDisconnect(userID, link)

	ctx := r.Context()
	for {
		typ, data, err := link.Read(ctx)
		if err != nil {
			log.Info("glasses link closed", "close_status", int(websocket.CloseStatus(err)))
			return
		}
		if typ == websocket.MessageBinary {
			sess.Audio.Feed(data)
			continue
		}
		frame, err := protocol.DecodeGlassesFrame(data)
		if err != nil {
			sendError(ctx, link, "MALFORMED_MESSAGE", err.Error())
			continue
		}
		if init, ok := frame.(protocol.ConnectionInit); ok {
			s.ackGlasses(ctx, sess, link, init, created)
			created = false
			continue
		}
		s.dispatchGlasses(ctx, sess, link, frame)
	}
}

// ackGlasses completes the handshake: applies the declared sample rate,
// answers with the session snapshot, and on a brand-new session relaunches
// the Apps that were running when the user was last connected.
func (s *Server) ackGlasses(ctx context.Context, sess *session.UserSession, link wslink.Link, init protocol.ConnectionInit, created bool) {
	if init.SampleRate > 0 {
		sess.Transcription.SetSampleRate(init.SampleRate)
	}
	sess.Transcription.EnsureInit()

	err := link.Send(ctx, protocol.ConnectionAck{
		Type:        protocol.CloudConnectionAck,
		SessionID:   sess.UserID,
		UserSession: sess.View(ctx),
	})
	if err != nil {
		s.log.Warn("connection ack failed", "user_id", sess.UserID, "error", err)
		return
	}

	if created {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sess.Apps.StartPreviouslyRunning(ctx); err != nil {
				s.log.Warn("restore previously running apps", "user_id", sess.UserID, "error", err)
			}
		}()
	}
}

// dispatchGlasses routes one decoded glasses frame.
func (s *Server) dispatchGlasses(ctx context.Context, sess *session.UserSession, link wslink.Link, frame protocol.GlassesFrame) {
	switch f := frame.(type) {
	case protocol.StartApp:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sess.Apps.Start(ctx, f.PackageName); err != nil {
				s.log.Warn("start app failed", "user_id", sess.UserID, "package", f.PackageName, "error", err)
			}
		}()

	case protocol.StopApp:
		if err := sess.Apps.Stop(ctx, f.PackageName); err != nil {
			s.log.Warn("stop app failed", "user_id", sess.UserID, "package", f.PackageName, "error", err)
		}
		sess.Display.HandleAppStopped(ctx, f.PackageName)
		sess.Video.HandleAppStopped(ctx, f.PackageName)

	case protocol.VAD:
		sess.Transcription.SetVAD(f.Status)

	case protocol.LocationUpdate:
		sess.Subs.CacheLocation(f)
		s.relayData(ctx, sess, subscription.StreamLocationUpdate, f)

	case protocol.CalendarEvent:
		sess.Subs.CacheCalendarEvent(f)
		s.relayData(ctx, sess, subscription.StreamCalendarEvent, f)

	case protocol.HeadPosition:
		if err := sess.Display.HandleHeadPosition(ctx, f); err != nil {
			s.log.Debug("head position render failed", "user_id", sess.UserID, "error", err)
		}
		s.relayData(ctx, sess, subscription.StreamHeadPosition, f)

	case protocol.CoreStatusUpdate:
		s.applyCoreStatus(ctx, sess, link, f)

	case protocol.RTMPStreamStatus:
		sess.Video.HandleStatus(ctx, f)

	case protocol.KeepAliveAck:
		sess.Video.HandleKeepAliveAck(f)

	case protocol.PhotoResponse:
		sess.Photos.HandleResponse(ctx, f)

	case protocol.RequestSettings:
		s.sendSettings(ctx, sess, link)

	case protocol.UnknownFrame:
		sendError(ctx, link, "UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unknown message type %q", f.Type))

	default:
		// connection_init is handled in the read loop.
	}
}

// applyCoreStatus diffs the device settings blob against the persisted one,
// stores the changed keys, and notifies only the Apps subscribed to those
// keys ("augmentos:<key>").
func (s *Server) applyCoreStatus(ctx context.Context, sess *session.UserSession, link wslink.Link, f protocol.CoreStatusUpdate) {
	u, err := s.users.GetUser(ctx, sess.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("load user for settings diff", "user_id", sess.UserID, "error", err)
		return
	}

	changed := make(map[string]any)
	for k, v := range f.Status {
		if old, ok := u.AugmentosSettings[k]; !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return
	}

	if err := s.users.UpdateSettings(ctx, sess.UserID, changed); err != nil {
		s.log.Warn("persist settings failed", "user_id", sess.UserID, "error", err)
		return
	}
	for k, v := range changed {
		if k == "datetime" {
			if dt, ok := v.(string); ok {
				sess.Subs.CacheDatetime(dt)
			}
		}
		s.relayData(ctx, sess, subscription.SettingsPrefix+k, v)
	}

	// Echo the merged blob back so the device and the cloud agree on the
	// persisted state.
	merged := make(map[string]any, len(u.AugmentosSettings)+len(changed))
	for k, v := range u.AugmentosSettings {
		merged[k] = v
	}
	for k, v := range changed {
		merged[k] = v
	}
	err = link.Send(ctx, protocol.SettingsUpdate{
		Type:     protocol.CloudSettingsUpdate,
		Settings: merged,
	})
	if err != nil {
		s.log.Debug("settings echo failed", "user_id", sess.UserID, "error", err)
	}
	s.log.Debug("device settings updated", "user_id", sess.UserID, "keys", len(changed))
}

// sendSettings pushes the persisted device settings back to the glasses.
func (s *Server) sendSettings(ctx context.Context, sess *session.UserSession, link wslink.Link) {
	u, err := s.users.GetUser(ctx, sess.UserID)
	if err != nil {
		s.log.Warn("load user for settings push", "user_id", sess.UserID, "error", err)
		return
	}
	settings := u.AugmentosSettings
	if settings == nil {
		settings = map[string]any{}
	}
	err = link.Send(ctx, protocol.SettingsUpdate{
		Type:     protocol.CloudSettingsUpdate,
		Settings: settings,
	})
	if err != nil {
		s.log.Debug("settings push failed", "user_id", sess.UserID, "error", err)
	}
}
