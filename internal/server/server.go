package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/listingarb/internal/server/handler"
	"github.com/alanyoungcy/listingarb/internal/server/middleware"
	"github.com/alanyoungcy/listingarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// limiting, as does a nil Limiter.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Trades    *handler.TradeHandler
	Balances  *handler.BalanceHandler
	Quotes    *handler.QuoteHandler
}

// Server is the read-only HTTP + WebSocket API over the engine state.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain:
// CORS, then logging, then rate limiting, then auth.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter middleware.Limiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	}
	if handlers.Trades != nil {
		mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)
	}
	if handlers.Balances != nil {
		mux.HandleFunc("GET /api/balances", handlers.Balances.GetBalances)
	}
	if handlers.Quotes != nil {
		mux.HandleFunc("GET /api/quotes/{symbol}", handlers.Quotes.GetQuotes)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/health")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Serve runs the server until ctx is cancelled, then shuts it down with a
// bounded grace period.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
