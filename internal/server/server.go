package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BadgerOps/dxpops/internal/engine"
	"github.com/BadgerOps/dxpops/internal/metrics"
)

// Server exposes job status and control over HTTP.
type Server struct {
	engine     *engine.Manager
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(eng *engine.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: eng,
		logger: logger,
	}
}

// Handler returns the routed handler, wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.setupRoutes())
}

// Start serves on listenAddr until Shutdown is called.
func (s *Server) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Long enough for ?wait= requests.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /api/downloads", s.handleStartDownload)
	mux.HandleFunc("POST /api/exports", s.handleStartExport)

	mux.HandleFunc("GET /api/failures", s.handleListFailures)
	mux.HandleFunc("DELETE /api/failures/{id}", s.handleResolveFailure)

	return mux
}
