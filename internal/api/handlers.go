package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/beeweed/vibecoder/internal/session"
	"github.com/beeweed/vibecoder/internal/store"
	"github.com/beeweed/vibecoder/internal/vfs"
)

// CreateSessionRequest is the JSON body for POST /v1/sessions.
type CreateSessionRequest struct {
	Files []vfs.File `json:"files,omitempty"`
}

// SessionResponse describes one session.
type SessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Busy      bool      `json:"busy"`
	Paths     []string  `json:"paths"`
}

// FilesResponse is returned by GET /v1/sessions/{session_id}/files.
type FilesResponse struct {
	Files []vfs.File `json:"files"`
}

// RunResponse is returned by GET /v1/runs/{run_id}.
type RunResponse struct {
	*store.Run
	Steps []*store.Step `json:"steps,omitempty"`
}

// RunsResponse is returned by GET /v1/runs.
type RunsResponse struct {
	Runs []*store.Run `json:"runs"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      len(s.deps.Sessions.List()),
	})
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Providers)
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

// handleCreateSession handles POST /v1/sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sess, err := s.deps.Sessions.Create(req.Files)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse(sess))
}

// handleGetSession handles GET /v1/sessions/{session_id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleDeleteSession handles DELETE /v1/sessions/{session_id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(chi.URLParam(r, "session_id")); err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListFiles handles GET /v1/sessions/{session_id}/files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, FilesResponse{Files: sess.View.Files()})
}

// handleReplaceFiles handles PUT /v1/sessions/{session_id}/files. It swaps
// the whole file set, waiting for any running request on the session.
func (s *Server) handleReplaceFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
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

	if err := sess.View.Replace(req.Files); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("session files replaced", "session_id", sess.ID, "files", sess.View.Len())
	respondJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleReadFile handles GET /v1/sessions/{session_id}/files/*.
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	content, err := sess.View.Read(chi.URLParam(r, "*"))
	switch {
	case errors.Is(err, vfs.ErrInvalidPath):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

// handleListRuns handles GET /v1/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		SessionID: q.Get("session_id"),
		Status:    store.RunStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.deps.Runs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// handleGetRun handles GET /v1/runs/{run_id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := s.deps.Runs.GetByID(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	steps, err := s.deps.Steps.GetByRunID(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to get steps", "run_id", runID, "error", err)
		steps = nil
	}

	respondJSON(w, http.StatusOK, RunResponse{Run: run, Steps: steps})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func sessionResponse(sess *session.Session) SessionResponse {
	paths := sess.View.Paths()
	if paths == nil {
		paths = []string{}
	}
	return SessionResponse{
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt,
		Busy:      sess.Busy(),
		Paths:     paths,
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
