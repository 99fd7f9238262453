package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/cache/redis"
	"github.com/alanyoungcy/socialmarket/internal/channel"
	"github.com/alanyoungcy/socialmarket/internal/config"
	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/eventbus"
	"github.com/alanyoungcy/socialmarket/internal/normalize"
	"github.com/alanyoungcy/socialmarket/internal/notify"
	"github.com/alanyoungcy/socialmarket/internal/platform/market"
	"github.com/alanyoungcy/socialmarket/internal/querycache"
	"github.com/alanyoungcy/socialmarket/internal/server/ws"
	"github.com/alanyoungcy/socialmarket/internal/service"
	"github.com/alanyoungcy/socialmarket/internal/trade"
)

// Dependencies bundles every component the daemon runs. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Backend
	Market *market.Client

	// Redis (nil when disabled)
	Redis  *redis.Client
	Bridge *eventbus.Bridge

	// Core
	Cache        *querycache.Cache
	Bus          *eventbus.Bus
	Hub          *ws.Hub
	Orchestrator *trade.Orchestrator

	// Services
	Orders *service.OrderService
	Trades *service.TradeService

	// Notifications (disabled when no sender is configured)
	Notifier *notify.Notifier

	StartedAt time.Time
}

// CacheOptions maps the cache section onto query options for the order lists.
func CacheOptions(c config.CacheConfig) querycache.Options {
	return querycache.Options{
		StaleTime:     c.StaleTime.Duration,
		GCTime:        c.GCTime.Duration,
		Retry:         c.Retry,
		RetryDelay:    c.RetryDelay.Duration,
		MaxRetryDelay: c.MaxRetryDelay.Duration,
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{StartedAt: time.Now().UTC()}

	// --- Marketplace backend ---
	deps.Market = market.NewClient(market.Options{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout.Duration,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		BearerToken:       cfg.API.BearerToken,
		APIKey:            cfg.API.APIKey,
		APISecret:         cfg.API.APISecret,
	}, logger)

	// --- Redis (optional) ---
	var slot domain.SessionSlot = trade.NewMemorySlot()
	var signals domain.SignalBus
	if cfg.Redis.Enabled {
		client, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Redis = client
		slot = redis.NewSessionSlot(client, cfg.Trade.SessionTTL.Duration)
		signals = redis.NewSignalBus(client)
	}

	// --- Event bus ---
	deps.Bus = eventbus.New(logger, eventbus.WithDedupTTL(cfg.Events.DedupTTL.Duration))
	if signals != nil {
		deps.Bridge = eventbus.NewBridge(deps.Bus, signals, cfg.Events.Channel, cfg.Events.Stream, logger)
	}

	// --- Query cache ---
	// The cache is visible while at least one UI client is connected.
	deps.Cache = querycache.New(logger)
	closers = append(closers, deps.Cache.Close)
	if cfg.Server.Enabled {
		deps.Cache.SetVisible(false)
	}
	deps.Hub = ws.NewHub(ws.Config{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		OnClientsChanged: func(n int) { deps.Cache.SetVisible(n > 0) },
		StartedAt:        deps.StartedAt,
	}, logger)
	closers = append(closers, deps.Hub.Attach(deps.Bus))

	// --- Orders ---
	norm := normalize.New(normalize.Config{
		ViewerID:     cfg.Viewer.ID,
		ViewerAvatar: cfg.Viewer.AvatarURL,
		Placeholder:  cfg.Viewer.Placeholder,
	}, logger)
	deps.Orders = service.NewOrderService(deps.Market, deps.Market, deps.Cache, norm, CacheOptions(cfg.Cache), logger)
	closers = append(closers, deps.Orders.Register(deps.Bus))

	// --- Trades ---
	deps.Orchestrator = trade.New(slot, deps.Market, deps.Hub, deps.Bus, trade.Config{
		EnrichTimeout: cfg.Trade.EnrichTimeout.Duration,
	}, logger)
	closers = append(closers, deps.Orchestrator.Close)
	deps.Trades = service.NewTradeService(
		deps.Orchestrator,
		channel.NewSynchronizer(deps.Market, logger),
		deps.Bus,
		cfg.Viewer.ID,
		logger,
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramHost,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if deps.Notifier.Enabled() {
		closers = append(closers, deps.Notifier.Attach(deps.Bus))
	}

	return deps, cleanup, nil
}
