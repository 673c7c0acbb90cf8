package server

import (
	"encoding/json"
	"net/http"

	"github.com/lenslab/lenscloud/internal/protocol"
	"github.com/lenslab/lenscloud/internal/session"
	"github.com/lenslab/lenscloud/internal/transcription"
)

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports readiness to take traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn("readiness probe failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// sessionsResponse is the /api/sessions payload.
type sessionsResponse struct {
	Sessions []protocol.SessionView `json:"sessions"`
}

// handleSessions lists all live sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{Sessions: []protocol.SessionView{}}
	s.registry.Range(func(sess *session.UserSession) {
		resp.Sessions = append(resp.Sessions, sess.View(r.Context()))
	})
	writeJSON(w, resp)
}

// handleSession shows one session's snapshot.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userId"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, sess.View(r.Context()))
}

// handleSessionAudio serves the recent-audio ring as raw PCM, the debug aid
// for "is audio reaching the cloud at all".
func (s *Server) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userId"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(sess.Audio.Recent())
}

// transcriptsResponse is the /api/sessions/{userId}/transcripts payload,
// keyed by language.
type transcriptsResponse struct {
	Transcripts map[string][]transcription.Segment `json:"transcripts"`
}

// handleSessionTranscripts serves the rolling transcript history. A language
// query parameter narrows the response to one language.
func (s *Server) handleSessionTranscripts(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("userId"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	hist := sess.Transcription.History()
	resp := transcriptsResponse{Transcripts: make(map[string][]transcription.Segment)}
	if lang := r.URL.Query().Get("language"); lang != "" {
		resp.Transcripts[lang] = hist.Get(lang)
	} else {
		for _, lang := range hist.Languages() {
			resp.Transcripts[lang] = hist.Get(lang)
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
