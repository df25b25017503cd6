// Package server exposes the status API: health probes, the pipeline
// snapshot, analytics reports, operator actions, and a WebSocket event feed.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/calegray/flashhawk/internal/server/handler"
	"github.com/calegray/flashhawk/internal/server/middleware"
	"github.com/calegray/flashhawk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port int
	// APIKey guards /api and /ws; empty disables authentication.
	APIKey string
}

// Handlers aggregates the endpoint handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Report *handler.ReportHandler
}

// Server is the headless HTTP + WebSocket status server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered. The WebSocket hub is
// optional; pass nil to run without the event feed.
func New(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness stays outside the auth chain so load balancers can probe it.
	mux.HandleFunc("GET /healthz", handlers.Health.Liveness)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/breaker", handlers.Status.GetBreaker)
	mux.HandleFunc("POST /api/breaker/clear", handlers.Status.ClearBreaker)
	mux.HandleFunc("GET /api/report", handlers.Report.GetReport)
	mux.HandleFunc("GET /api/executions", handlers.Report.ListExecutions)
	mux.HandleFunc("GET /api/audit", handlers.Report.ListAudit)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if cfg.APIKey != "" {
		authed := middleware.Auth(cfg.APIKey)(mux)
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				mux.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
	h = middleware.Logging(logger.With(slog.String("component", "http")))(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start listens for HTTP requests. It blocks until the server errors or is
// shut down.
func (s *Server) Start() error {
	s.logger.Info("status server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("status server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
