package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/worker"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddWork(w http.ResponseWriter, r *http.Request) {
	var req queue.AddRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}

	item, err := s.queue.Add(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{
		"id":     item.ID,
		"status": item.Status,
	})
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, item)
}

func (s *Server) handleCancelWork(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, item)
}

type attachSpecRequest struct {
	Spec   string `json:"spec"`
	Branch string `json:"branch"`
}

// handleAttachSpec is the spec-generation write-back: the external generator
// delivers the spec and branch, and the item joins the queue.
func (s *Server) handleAttachSpec(w http.ResponseWriter, r *http.Request) {
	var req attachSpecRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, "malformed JSON body")
		return
	}

	item, err := s.queue.AttachSpec(r.Context(), chi.URLParam(r, "id"), req.Spec, req.Branch)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, item)
}

// statusResponse is the fleet snapshot. Status reflects the spawn gate:
// healthy when a spawn would be allowed, degraded when a gate denies it,
// error when the gates cannot be read at all.
type statusResponse struct {
	Status  string           `json:"status"`
	Reason  string           `json:"reason,omitempty"`
	Workers worker.Stats     `json:"workers"`
	Queue   map[string]int   `json:"queue"`
	Limits  ratelimit.Status `json:"limits"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: "healthy"}

	decision, err := s.limiter.CanSpawn(r.Context())
	switch {
	case err != nil:
		s.logger.Error("spawn gate check failed", zap.Error(err))
		resp.Status = "error"
	case !decision.Allowed:
		resp.Status = "degraded"
		resp.Reason = string(decision.Reason)
	}

	if resp.Workers, err = s.workers.GetStats(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}

	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp.Queue = make(map[string]int, len(counts))
	for status, n := range counts {
		resp.Queue[string(status)] = n
	}

	if resp.Limits, err = s.limiter.Status(r.Context()); err != nil {
		s.logger.Warn("limiter status unavailable", zap.Error(err))
	}

	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.workers.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.aggregator.Collect(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

type killRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.badRequest(w, "malformed JSON body")
			return
		}
	}

	wk, err := s.workers.Kill(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.collectors.Terminations.WithLabelValues(string(wk.Status)).Inc()
	s.respond(w, http.StatusOK, map[string]any{"success": true, "worker": wk})
}
