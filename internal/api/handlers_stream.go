package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/beeweed/vibecoder/internal/agent"
	"github.com/beeweed/vibecoder/internal/chat"
	"github.com/beeweed/vibecoder/internal/session"
)

// handleChat handles POST /v1/sessions/{session_id}/chat as an SSE stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	s.stream(w, r, func(ctx context.Context, sess *session.Session, sse *sseWriter) error {
		var sentError bool
		_, err := s.deps.Chat.Stream(ctx, sess.ID, sess.View, req, func(ev chat.Event) {
			if ev.Type == chat.EventError {
				sentError = true
			}
			s.sendEvent(sse, string(ev.Type), ev)
		})
		if err != nil && !sentError && ctx.Err() == nil {
			s.sendEvent(sse, string(chat.EventError), chat.Event{Type: chat.EventError, Error: err.Error()})
		}
		return err
	})
}

// handleAgent handles POST /v1/sessions/{session_id}/agent as an SSE stream.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	s.stream(w, r, func(ctx context.Context, sess *session.Session, sse *sseWriter) error {
		var sentError bool
		_, err := s.deps.Agent.Run(ctx, sess.ID, sess.View, req, func(ev agent.Event) {
			if ev.Type == agent.EventError {
				sentError = true
			}
			s.sendEvent(sse, string(ev.Type), ev)
		})
		if err != nil && !sentError && ctx.Err() == nil {
			s.sendEvent(sse, string(agent.EventError), agent.Event{Type: agent.EventError, Error: err.Error()})
		}
		return err
	})
}

// stream holds the session lock for the whole response and runs fn with an
// SSE writer and heartbeats.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess *session.Session, sse *sseWriter) error) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	release, err := sess.Acquire(r.Context(), s.config.SessionLockTimeout)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			s.writeError(w, http.StatusConflict, "session is busy with another request")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer release()

	sse, ok := newSSEWriter(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stop := sse.heartbeat(r.Context(), s.config.StreamHeartbeatInterval)
	defer stop()

	if err := fn(r.Context(), sess, sse); err != nil {
		s.logger.Info("stream ended with error", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) sendEvent(sse *sseWriter, event string, data any) {
	if err := sse.send(event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "event", event, "error", err)
	}
}
