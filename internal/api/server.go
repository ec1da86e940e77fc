// Package api exposes the HTTP interface: search batches, worker control,
// status reporting and operational endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/config"
	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/search"
	"github.com/applypilot/applypilot/internal/telemetry"
	"github.com/applypilot/applypilot/internal/worker"
)

// Server wires HTTP handlers to the scheduler, the worker and the store.
type Server struct {
	router    chi.Router
	scheduler *search.Scheduler
	worker    *worker.Worker
	store     engine.Store
	cfg       config.Config
	logger    *zap.Logger

	// runCtx outlives individual requests; the worker loop started from a
	// request must not die with that request's context.
	runCtx context.Context
}

// NewServer constructs a Server with middleware and routes. runCtx bounds the
// lifetime of a worker started through the API.
func NewServer(
	runCtx context.Context,
	scheduler *search.Scheduler,
	w *worker.Worker,
	store engine.Store,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runCtx == nil {
		runCtx = context.Background()
	}
	s := &Server{
		scheduler: scheduler,
		worker:    w,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		runCtx:    runCtx,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/search", func(r chi.Router) {
			r.Post("/", s.runSearch)
			r.Post("/continue", s.continueSearch)
			r.Get("/{token}/progress", s.searchProgress)
		})
		r.Route("/worker", func(r chi.Router) {
			r.Post("/start", s.startWorker)
			r.Post("/stop", s.stopWorker)
			r.Get("/status", s.workerStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; a failing read means not ready.
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.store.ListStandbyUsers(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token,omitempty"`
	MaxPages int    `json:"max_pages,omitempty"`
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	s.executeBatch(w, r, req)
}

// continueSearch resumes a saved session. An invalid or expired token starts
// a fresh session, which needs user_id as a fallback.
func (s *Server) continueSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	s.executeBatch(w, r, req)
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request, req searchRequest) {
	result, err := s.scheduler.RunBatch(r.Context(), req.UserID, req.Token, req.MaxPages)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		// The token existed when the batch started but was swept before
		// the write-back. The client retries without it.
		if search.IsUnknownToken(err) {
			writeError(w, http.StatusGone, "continuation token expired")
			return
		}
		s.logger.Error("search batch failed",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "search batch failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) searchProgress(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	stream := s.scheduler.Progress(token)
	if stream == nil {
		writeError(w, http.StatusNotFound, "unknown token")
		return
	}
	events := stream.Drain()
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  events,
		"dropped": stream.Dropped(),
	})
}

func (s *Server) startWorker(w http.ResponseWriter, _ *http.Request) {
	s.worker.Start(s.runCtx)
	writeJSON(w, http.StatusOK, map[string]any{"running": s.worker.Running()})
}

func (s *Server) stopWorker(w http.ResponseWriter, _ *http.Request) {
	s.worker.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": s.worker.Running()})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"running": s.worker.Running()})
		return
	}
	report, err := s.worker.Report(r.Context(), userID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("status report failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
