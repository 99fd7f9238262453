package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/server/handler"
	"github.com/alanyoungcy/socialmarket/internal/server/middleware"
	"github.com/alanyoungcy/socialmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RequestsPerSecond limits each client; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Orders *handler.OrderHandler
	Trades *handler.TradeHandler
	Events *handler.EventHandler
}

// Server is the local HTTP + WebSocket API the marketplace UI talks to.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           NewHandler(cfg, handlers, wsHub, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed and wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Order lists and user orders.
	mux.HandleFunc("GET /api/orders/{side}", handlers.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders/{side}/refresh", handlers.Orders.RefreshOrders)
	mux.HandleFunc("GET /api/users/{id}/orders/{side}", handlers.Orders.ListUserOrders)
	mux.HandleFunc("POST /api/users/{id}/orders", handlers.Orders.CreateUserOrder)
	mux.HandleFunc("PUT /api/users/{id}/orders/{side}/{orderID}", handlers.Orders.UpdateUserOrder)
	mux.HandleFunc("DELETE /api/users/{id}/orders/{side}/{orderID}", handlers.Orders.DeleteUserOrder)

	// Trade hand-off and channel metadata.
	mux.HandleFunc("POST /api/trades", handlers.Trades.Initiate)
	mux.HandleFunc("GET /api/trades/pending", handlers.Trades.Pending)
	mux.HandleFunc("POST /api/trades/{id}/complete", handlers.Trades.Complete)
	mux.HandleFunc("PUT /api/channels/{id}/metadata", handlers.Trades.PutChannelMetadata)
	mux.HandleFunc("GET /api/channels/{id}/metadata", handlers.Trades.GetChannelMetadata)
	mux.HandleFunc("GET /api/channels/{id}/lifecycle", handlers.Trades.GetChannelLifecycle)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.History)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var limiter *middleware.RateLimiter
	if cfg.RequestsPerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, 0)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
