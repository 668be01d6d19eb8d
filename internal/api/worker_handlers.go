package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/worker"
)

type registerRequest struct {
	WorkItemID string `json:"workItemId"`
}

type registerResponse struct {
	WorkerID string          `json:"workerId"`
	WorkItem *model.WorkItem `json:"workItem"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	if req.WorkItemID == "" {
		s.badRequest(w, "workItemId is required")
		return
	}

	wk, item, err := s.workers.Register(r.Context(), req.WorkItemID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, registerResponse{WorkerID: wk.ID, WorkItem: item})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req worker.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	if req.Iteration < 0 {
		s.badRequest(w, "iteration must not be negative")
		return
	}

	wk, err := s.workers.Heartbeat(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"success":   true,
		"iteration": wk.Iteration,
	})
}

type lockRequest struct {
	Files []string `json:"files"`
}

type lockResponse struct {
	Acquired     bool     `json:"acquired"`
	Files        []string `json:"files"`
	BlockedFiles []string `json:"blockedFiles,omitempty"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	if len(req.Files) == 0 {
		s.badRequest(w, "files is required")
		return
	}

	res, err := s.workers.LockFiles(r.Context(), chi.URLParam(r, "id"), req.Files)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Contention is a normal outcome, not an error: the worker backs off and
	// retries on its own schedule.
	if !res.AllAcquired() {
		s.collectors.LockConflicts.Inc()
	}
	s.respond(w, http.StatusOK, lockResponse{
		Acquired:     res.AllAcquired(),
		Files:        res.Acquired,
		BlockedFiles: res.Blocked,
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}
	if len(req.Files) == 0 {
		s.badRequest(w, "files is required")
		return
	}

	if err := s.workers.UnlockFiles(r.Context(), chi.URLParam(r, "id"), req.Files); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req worker.CompleteRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}

	wk, err := s.workers.Complete(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.collectors.Terminations.WithLabelValues(string(wk.Status)).Inc()
	s.respond(w, http.StatusOK, map[string]any{"success": true, "worker": wk})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req worker.FailRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}

	wk, err := s.workers.Fail(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.collectors.Terminations.WithLabelValues(string(wk.Status)).Inc()
	s.respond(w, http.StatusOK, map[string]any{"success": true, "worker": wk})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	var req worker.StuckRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}

	wk, err := s.workers.Stuck(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.collectors.Terminations.WithLabelValues(string(wk.Status)).Inc()
	s.respond(w, http.StatusOK, map[string]any{"success": true, "worker": wk})
}
