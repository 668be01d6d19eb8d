package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/security"
)

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// recoverer converts a handler panic into a 500 envelope instead of tearing
// the connection down.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path))
				s.respond(w, http.StatusInternalServerError, errorBody{
					Error: "internal error", Code: codeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces the bearer token when one is configured. With no
// token the boundary is open; production deployments set one.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := security.FromHeader(r.Header.Get("Authorization"))
		if !security.Verify(s.cfg.AuthToken, presented) {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
