// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"clinicflow/internal/config"
	"clinicflow/internal/controller/handlers"
	"clinicflow/internal/controller/middleware"
)

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server. metricsHandler may be nil.
func New(addr string, h *handlers.Handlers, cfg *config.Config, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Routes(h, cfg, metricsHandler, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the full route table.
func Routes(h *handlers.Handlers, cfg *config.Config, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	limit := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst).Middleware()
	internal := middleware.RequireInternalAuth(cfg.SystemSecret)
	public := func(fn http.HandlerFunc) http.Handler { return limit(fn) }

	mux := http.NewServeMux()

	// Jobs
	mux.Handle("POST /jobs", public(h.SubmitJob))
	mux.Handle("GET /jobs/{id}", public(h.GetJob))
	mux.Handle("POST /jobs/{id}/cancel", public(h.CancelJob))

	// Templates
	mux.Handle("POST /templates", public(h.CreateTemplate))
	mux.Handle("GET /templates/active", public(h.ActiveTemplates))
	mux.Handle("GET /templates/{id}", public(h.GetTemplate))
	mux.Handle("POST /templates/{id}/publish", public(h.PublishTemplate))
	mux.Handle("POST /templates/{id}/deactivate", public(h.DeactivateTemplate))

	// Executions
	mux.Handle("POST /triggers", public(h.Trigger))
	mux.Handle("GET /executions", public(h.FindExecution))
	mux.Handle("GET /executions/dead-letter", public(h.DeadLetter))
	mux.Handle("GET /executions/{id}", public(h.GetExecution))
	mux.Handle("GET /executions/{id}/log", public(h.ExecutionLog))
	mux.Handle("POST /executions/{id}/resume", public(h.ResumeExecution))
	mux.Handle("POST /executions/{id}/pause", public(h.PauseExecution))
	mux.Handle("POST /executions/{id}/cancel", public(h.CancelExecution))
	mux.Handle("POST /executions/{id}/signal", public(h.SignalExecution))

	// Internal endpoints
	// These are called by workers and external action executors.
	mux.Handle("PUT /internal/jobs/{id}/heartbeat", internal(http.HandlerFunc(h.InternalHeartbeat)))
	mux.Handle("PUT /internal/jobs/{id}/result", internal(http.HandlerFunc(h.InternalResult)))

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return middleware.RequestLog(logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
