package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/lenslab/lenscloud/internal/media"
	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/session"
	"github.com/lenslab/lenscloud/internal/wslink"
)

// appInitTimeout bounds how long a fresh App link may sit silent before its
// connection_init arrives.
const appInitTimeout = 10 * time.Second

// handleAppWS upgrades an App server connection. Identity comes from the
// bearer token on the upgrade or, on the legacy path, from the in-band
// connection_init frame; either way the first frame must be connection_init
// naming the session to join.
func (s *Server) handleAppWS(w http.ResponseWriter, r *http.Request) {
	var tokenPkg, tokenKey string
	if tok := bearerToken(r); tok != "" {
		pkg, key, err := s.verifier.VerifyAppToken(tok)
		if err != nil {
			s.authFailure(r.Context(), "app", "invalid_token")
			s.log.Warn("app connection rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		tokenPkg, tokenKey = pkg, key
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("app upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	link := wslink.New(conn)
	ctx := r.Context()

	init, err := s.readAppInit(ctx, link)
	if err != nil {
		sendError(ctx, link, "MALFORMED_MESSAGE", err.Error())
		_ = link.Close(protocol.ClosePolicy, "connection_init expected")
		return
	}
	if init.PackageName == "" {
		init.PackageName = tokenPkg
	}
	if init.APIKey == "" {
		init.APIKey = tokenKey
	}

	userID, ok := splitSessionID(init.SessionID, init.PackageName)
	if !ok {
		sendError(ctx, link, "MALFORMED_MESSAGE",
			fmt.Sprintf("session id %q does not match package %q", init.SessionID, init.PackageName))
		_ = link.Close(protocol.ClosePolicy, "bad session id")
		return
	}
	sess, ok := s.registry.Get(userID)
	if !ok {
		sendError(ctx, link, "SESSION_NOT_FOUND", "no live session for "+userID)
		_ = link.Close(protocol.ClosePolicy, "session not found")
		return
	}

	// HandleAppInit validates the API key, answers connection_ack, and
	// wires the link into the App manager. On failure it has already
	// answered and closed the link.
	if err := sess.Apps.HandleAppInit(ctx, link, init); err != nil {
		s.log.Warn("app init rejected", "user_id", userID, "package", init.PackageName, "error", err)
		return
	}
	pkg := init.PackageName
	log := s.log.With("user_id", userID, "package", pkg)

	for {
		typ, data, err := link.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			if code < 0 {
				code = 1006
			}
			log.Info("app link closed", "close_status", code)
			sess.Apps.HandleLinkClosed(pkg, code)
			return
		}
		if typ == websocket.MessageBinary {
			// Apps have no binary uplink.
			continue
		}
		frame, err := protocol.DecodeAppFrame(data)
		if err != nil {
			sendError(ctx, link, "MALFORMED_MESSAGE", err.Error())
			continue
		}
		s.dispatchApp(ctx, sess, link, pkg, frame)
	}
}

// readAppInit blocks for the opening connection_init frame.
func (s *Server) readAppInit(ctx context.Context, link *wslink.WS) (protocol.AppInit, error) {
	ctx, cancel := context.WithTimeout(ctx, appInitTimeout)
	defer cancel()

	for {
		typ, data, err := link.Read(ctx)
		if err != nil {
			return protocol.AppInit{}, fmt.Errorf("server: read connection_init: %w", err)
		}
		if typ == websocket.MessageBinary {
			continue
		}
		frame, err := protocol.DecodeAppFrame(data)
		if err != nil {
			return protocol.AppInit{}, err
		}
		init, ok := frame.(protocol.AppInit)
		if !ok {
			return protocol.AppInit{}, fmt.Errorf("server: first frame must be connection_init")
		}
		return init, nil
	}
}

// splitSessionID extracts the user id from a "userId-packageName" session id.
func splitSessionID(sessionID, pkg string) (string, bool) {
	if pkg == "" || !strings.HasSuffix(sessionID, "-"+pkg) {
		return "", false
	}
	userID := strings.TrimSuffix(sessionID, "-"+pkg)
	return userID, userID != ""
}

// dispatchApp routes one decoded App frame. The authenticated package name
// overrides whatever the frame claims.
func (s *Server) dispatchApp(ctx context.Context, sess *session.UserSession, link wslink.Link, pkg string, frame protocol.AppFrame) {
	switch f := frame.(type) {
	case protocol.AppInit:
		// Already authenticated on this link.
		s.log.Debug("duplicate connection_init ignored", "package", pkg)

	case protocol.SubscriptionUpdate:
		s.applySubscriptions(ctx, sess, link, pkg, f)

	case protocol.DisplayRequest:
		f.PackageName = pkg
		if err := sess.Display.HandleDisplayRequest(ctx, f); err != nil {
			s.log.Debug("display request failed", "package", pkg, "error", err)
		}

	case protocol.DashboardContentUpdate:
		sess.Dashboard.SetContent(pkg, f.Content, f.Mode)
		if err := sess.Display.RefreshDashboard(ctx); err != nil {
			s.log.Debug("dashboard refresh failed", "package", pkg, "error", err)
		}

	case protocol.DashboardModeChange:
		sess.Dashboard.SetMode(f.Mode)
		if err := sess.Display.RefreshDashboard(ctx); err != nil {
			s.log.Debug("dashboard refresh failed", "package", pkg, "error", err)
		}

	case protocol.RTMPStreamRequest:
		f.PackageName = pkg
		switch err := sess.Video.Request(ctx, f); {
		case errors.Is(err, media.ErrCameraBusy):
			sendError(ctx, link, "CAMERA_BUSY", "another App holds the camera")
		case err != nil:
			s.log.Warn("stream request failed", "package", pkg, "error", err)
			sendError(ctx, link, "STREAM_FAILED", err.Error())
		}

	case protocol.RTMPStreamStop:
		if err := sess.Video.Stop(ctx, pkg); err != nil {
			s.log.Debug("stream stop failed", "package", pkg, "error", err)
		}

	case protocol.PhotoRequest:
		f.PackageName = pkg
		if _, err := sess.Photos.Request(ctx, f); err != nil {
			s.log.Warn("photo request failed", "package", pkg, "error", err)
			sendError(ctx, link, "PHOTO_FAILED", err.Error())
		}

	case protocol.AudioPlayRequest:
		f.PackageName = pkg
		if err := sess.SendToGlasses(ctx, f); err != nil {
			s.log.Debug("audio play relay failed", "package", pkg, "error", err)
		}

	case protocol.AudioStopRequest:
		f.PackageName = pkg
		if err := sess.SendToGlasses(ctx, f); err != nil {
			s.log.Debug("audio stop relay failed", "package", pkg, "error", err)
		}

	case protocol.UnknownFrame:
		sendError(ctx, link, "UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unknown message type %q", f.Type))
	}
}

// applySubscriptions swaps in the App's new subscription set, reconciles the
// transcription streams, and replays cached last-values for newly added keys.
// An invalid key rejects the whole update and leaves the old set in place.
func (s *Server) applySubscriptions(ctx context.Context, sess *session.UserSession, link wslink.Link, pkg string, f protocol.SubscriptionUpdate) {
	added, err := sess.Subs.Update(pkg, f.Subscriptions)
	if err != nil {
		sendError(ctx, link, "MALFORMED_MESSAGE", err.Error())
		return
	}
	sess.Transcription.UpdateSubscriptions()

	ts := time.Now()
	for _, ev := range sess.Subs.Replay(added) {
		res := sess.Apps.Send(ctx, pkg, protocol.DataStream{
			Type:       protocol.AppDataStream,
			SessionID:  sess.UserID + "-" + pkg,
			StreamType: ev.Key,
			Data:       ev.Data,
			Timestamp:  ts,
		})
		if res.Err != nil {
			s.log.Debug("replay failed", "package", pkg, "stream", ev.Key, "error", res.Err)
		}
	}
}
