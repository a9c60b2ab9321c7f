// Package server is the HTTP control plane: strategy lifecycle, trade
// history, and health endpoints over a plain net/http ServeMux.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/server/handler"
	"github.com/derivlab/perpengine/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimitPerMinute caps requests per client IP; zero disables the
	// limiter even when Limiter is set.
	RateLimitPerMinute int
}

// Handlers aggregates all HTTP handlers that the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Strategy *handler.StrategyHandler
	Trade    *handler.TradeHandler
}

// Server is the control-plane HTTP API for the execution engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered and the middleware chain
// (auth, logging, rate limiting, CORS) applied. The limiter may be nil.
func New(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required, excluded below).
	mux.HandleFunc("GET /api/health", handlers.Health.Health)

	// Strategy catalogue and lifecycle.
	mux.HandleFunc("GET /api/strategies/available", handlers.Strategy.Available)
	mux.HandleFunc("POST /api/users/{user}/strategies/start", handlers.Strategy.Start)
	mux.HandleFunc("POST /api/users/{user}/strategies/stop", handlers.Strategy.Stop)
	mux.HandleFunc("GET /api/users/{user}/strategies", handlers.Strategy.List)

	// Trade history.
	mux.HandleFunc("GET /api/users/{user}/trades", handlers.Trade.List)
	mux.HandleFunc("GET /api/users/{user}/trades/stats", handlers.Trade.Stats)

	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute)(h)
	}
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
