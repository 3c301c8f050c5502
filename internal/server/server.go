package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/server/handler"
	"github.com/atalantalabs/atalanta/internal/server/middleware"
	"github.com/atalantalabs/atalanta/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is the per-client request budget per second; zero disables
	// rate limiting even when a limiter is supplied.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health        *handler.HealthHandler
	Venues        *handler.VenueHandler
	Executions    *handler.ExecutionHandler
	Opportunities *handler.OpportunityHandler
	Engine        *handler.EngineHandler
}

// Server is the headless HTTP + WebSocket API surface of the engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (auth, rate limiting, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil to disable API rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Venue health surface.
	mux.HandleFunc("GET /api/venues", handlers.Venues.ListVenues)

	// Execution history.
	mux.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetExecution)

	// Opportunity history.
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.ListOpportunities)

	// Ad-hoc engine operations.
	mux.HandleFunc("POST /api/snipe", handlers.Engine.Snipe)
	mux.HandleFunc("POST /api/arb/scan", handlers.Engine.ScanArb)
	mux.HandleFunc("GET /api/predict/{token}", handlers.Engine.Predict)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting (skips if limiter is nil).
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Second)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
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
		mux:        mux,
		logger:     logger,
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
