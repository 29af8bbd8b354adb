// Package admin serves the local inspection endpoint: aggregate status,
// per-workspace snapshots, build history and Prometheus metrics. It binds
// to loopback by default and carries no authentication.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/buildwatch/internal/engine"
	"git.home.luguber.info/inful/buildwatch/internal/history"
	"git.home.luguber.info/inful/buildwatch/internal/metrics"
)

// Server represents the admin HTTP server.
type Server struct {
	Addr    string
	router  *chi.Mux
	server  *http.Server
	engine  *engine.Engine
	history *history.Store
	metrics *metrics.Metrics
}

// NewServer creates the admin server. history may be nil.
func NewServer(addr string, eng *engine.Engine, hist *history.Store, m *metrics.Metrics) *Server {
	s := &Server{
		Addr:    addr,
		router:  chi.NewRouter(),
		engine:  eng,
		history: hist,
		metrics: m,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all admin routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/workspaces", s.handleWorkspaces)
	s.router.Get("/history", s.handleHistory)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Start starts the admin server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// handleStatus returns the aggregate view plus per-workspace snapshots.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"aggregate":  s.engine.Aggregate(),
		"workspaces": s.engine.Snapshots(),
	})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Snapshots())
}

// handleHistory returns recent build outcomes, optionally filtered by
// ?workspace= and capped by ?limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "build history is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), r.URL.Query().Get("workspace"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}
