// Package app provides the top-level application lifecycle management for the
// marketplace client daemon. It wires together all dependencies (backend
// client, Redis, query cache, event bus, services and the HTTP API) and runs
// the long-lived goroutines until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/socialmarket/internal/config"
	"github.com/alanyoungcy/socialmarket/internal/server"
	"github.com/alanyoungcy/socialmarket/internal/server/handler"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the hub, the
// event bridge, the warm order subscriptions and the HTTP server, and blocks
// until the context is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("viewer_id", a.cfg.Viewer.ID),
		slog.String("api", a.cfg.API.BaseURL),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})

	if deps.Bridge != nil {
		g.Go(func() error {
			return deps.Bridge.Run(ctx)
		})
	}

	if deps.Notifier.Enabled() {
		g.Go(func() error {
			return deps.Notifier.Run(ctx)
		})
	}

	if a.cfg.Cache.Warm {
		opts := CacheOptions(a.cfg.Cache)
		opts.PollInterval = a.cfg.Cache.PollInterval.Duration
		stop := deps.Orders.Warm(ctx, opts)
		a.closers = append(a.closers, stop)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	err = g.Wait()
	a.logger.Info("app: stopped")
	return err
}

// startHTTPServer adds the HTTP server goroutines to g. The server is shut
// down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	pingers := map[string]handler.Pinger{}
	if deps.Redis != nil {
		pingers["redis"] = deps.Redis
	}

	// A nil *Bridge must not reach the handler as a non-nil interface.
	var history handler.EventHistory
	if deps.Bridge != nil {
		history = deps.Bridge
	}

	srv := server.NewServer(server.Config{
		Host:              a.cfg.Server.Host,
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequestsPerSecond: a.cfg.Server.RequestsPerSecond,
		Burst:             a.cfg.Server.Burst,
	}, server.Handlers{
		Health: handler.NewHealthHandler(pingers, a.logger),
		Status: handler.NewStatusHandler(statusSource{deps: deps}, a.cfg.Viewer.ID, deps.StartedAt),
		Orders: handler.NewOrderHandler(deps.Orders, a.logger),
		Trades: handler.NewTradeHandler(deps.Orders, deps.Trades, a.logger),
		Events: handler.NewEventHandler(history, a.logger),
	}, deps.Hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "app: HTTP server listening",
			slog.String("addr", srv.Addr()),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// statusSource adapts the wired components to handler.StatusSource.
type statusSource struct {
	deps *Dependencies
}

func (s statusSource) Visible() bool      { return s.deps.Cache.Visible() }
func (s statusSource) TradeState() string { return s.deps.Orchestrator.State().String() }
func (s statusSource) Clients() int       { return s.deps.Hub.Clients() }

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("app: shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

