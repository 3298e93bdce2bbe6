// Package server exposes the admin HTTP API: position queries, manual
// closes, signal injection and risk-config overrides. The engine itself
// never depends on it; it is a thin surface over the position service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"solpilot/internal/domain"
	"solpilot/internal/server/handler"
	"solpilot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port       int
	APIKey     string // empty disables authentication
	RateLimit  int    // requests per RateWindow per client IP; 0 disables
	RateWindow time.Duration
}

// Server is the admin HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain.
func NewServer(cfg Config, positions *handler.PositionHandler, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	health := handler.NewHealthHandler(logger)
	mux.HandleFunc("GET /api/health", health.HealthCheck)

	mux.HandleFunc("GET /api/positions", positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/history", positions.GetHistory)
	mux.HandleFunc("POST /api/positions/{id}/close", positions.ClosePosition)
	mux.HandleFunc("POST /api/signals", positions.SubmitSignal)
	mux.HandleFunc("PUT /api/risk/config", positions.UpdateRiskConfig)

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.RateLimit > 0 && limiter != nil {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Run serves requests until ctx is cancelled, then drains in-flight requests
// with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return ctx.Err()
}
