package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/store"
	"github.com/anthropics/agent-factory/internal/worker"
)

// Stable error codes of the envelope. Workers branch on these, so they are
// part of the contract.
const (
	codeValidation = "VALIDATION_ERROR"
	codeNotFound   = "NOT_FOUND"
	codeState      = "INVALID_STATE"
	codeInternal   = "INTERNAL_ERROR"
)

// errorBody is the response envelope for every failure.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

// respondError maps a manager error onto the envelope. Internals never reach
// the body: unknown errors become a generic 500 and the detail goes to the
// log.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respond(w, http.StatusNotFound, errorBody{Error: "not found", Code: codeNotFound})
	case errors.Is(err, queue.ErrInvalidRequest):
		s.respond(w, http.StatusBadRequest, errorBody{
			Error: "invalid request", Code: codeValidation, Details: err.Error()})
	case errors.Is(err, queue.ErrNotCancellable),
		errors.Is(err, queue.ErrNotAwaitingSpec),
		errors.Is(err, worker.ErrWorkerNotActive),
		errors.Is(err, worker.ErrItemNotDispatched):
		s.respond(w, http.StatusBadRequest, errorBody{
			Error: err.Error(), Code: codeState})
	default:
		s.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		s.respond(w, http.StatusInternalServerError, errorBody{
			Error: "internal error", Code: codeInternal})
	}
}

// decode parses a JSON request body. An unparseable body is a validation
// failure, reported by the caller.
func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) badRequest(w http.ResponseWriter, details string) {
	s.respond(w, http.StatusBadRequest, errorBody{
		Error: "invalid request", Code: codeValidation, Details: details})
}
