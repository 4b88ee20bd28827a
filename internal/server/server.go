// ============================================================================
// Inspection server
// ============================================================================
//
// Package: internal/server
// Purpose: read-only HTTP view of a running client
//
// Routes:
//   GET /healthz   controller status
//   GET /sessions  live sessions with state and reference count
//   GET /jobs      durable job records (?status=pending filters)
//   GET /watched   watched messages, oldest first
//   GET /metrics   Prometheus exposition
//
// Tokens never leave the process: session identities are redacted.
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/electronicpartnerio/realtime-communication/internal/controller"
	"github.com/electronicpartnerio/realtime-communication/internal/endpoint"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// SessionInfo describes one live session.
type SessionInfo struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	State    string `json:"state"`
	Refs     int    `json:"refs"`
}

// Server serves the inspection routes of one controller.
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Collector
	log     *slog.Logger
	router  *chi.Mux
}

// New builds the router. A nil collector serves an empty registry on
// /metrics.
func New(ctrl *controller.Controller, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ctrl: ctrl, metrics: m, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Get("/jobs", s.handleJobs)
	r.Get("/watched", s.handleWatched)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Inspection server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.ctrl.GetStatus(r.Context())
	code := http.StatusOK
	if started, _ := status["started"].(bool); !started {
		code = http.StatusServiceUnavailable
	}
	if stopped, _ := status["stopped"].(bool); stopped {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	reg := s.ctrl.Registry()
	out := make([]SessionInfo, 0, reg.Len())
	for _, sess := range reg.Sessions() {
		out = append(out, SessionInfo{
			Endpoint: endpoint.Redact(sess.Key()),
			URL:      sess.URL(),
			State:    sess.State().String(),
			Refs:     reg.Refs(sess.Key()),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var records []types.JobRecord
	switch status := r.URL.Query().Get("status"); status {
	case "":
		records = s.ctrl.Jobs().List(r.Context())
	case string(types.JobPending):
		records = s.ctrl.Jobs().Pending(r.Context())
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported status " + status})
		return
	}
	if records == nil {
		records = []types.JobRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleWatched(w http.ResponseWriter, r *http.Request) {
	msgs := s.ctrl.Watcher().List()
	if msgs == nil {
		msgs = []types.WatchedMessage{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response", slog.Any("error", err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
