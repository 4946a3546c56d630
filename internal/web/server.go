// Package web serves a read-only HTTP view of the dispatcher: health,
// the live status snapshot, and the per-node statuses.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/condex/internal/dispatch"
)

// StatusProvider is the dispatcher-side source of the published snapshot.
type StatusProvider interface {
	Snapshot() dispatch.StatusSnapshot
}

// Server is the status API server.
type Server struct {
	http     *http.Server
	provider StatusProvider
	logger   *slog.Logger
}

// New builds a server listening on addr.
func New(addr string, provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "web"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/nodes", s.handleNodes)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("status API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Snapshot())
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Snapshot().Nodes)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
