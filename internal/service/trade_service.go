package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/channel"
	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/trade"
)

// TradeService ties trade initiation to channel metadata and the event bus.
type TradeService struct {
	orchestrator *trade.Orchestrator
	channels     *channel.Synchronizer
	events       trade.Publisher
	viewerID     string
	logger       *slog.Logger
}

// NewTradeService creates a TradeService acting for viewerID.
func NewTradeService(
	orchestrator *trade.Orchestrator,
	channels *channel.Synchronizer,
	events trade.Publisher,
	viewerID string,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		orchestrator: orchestrator,
		channels:     channels,
		events:       events,
		viewerID:     viewerID,
		logger:       logger.With(slog.String("component", "trade_service")),
	}
}

// Initiate starts a trade on row with its counterparty.
func (s *TradeService) Initiate(ctx context.Context, row domain.Row) (domain.TradeSession, error) {
	if row.Counterparty.ID == s.viewerID && s.viewerID != "" {
		return domain.TradeSession{}, fmt.Errorf("trade_service: initiate: own order %s: %w", row.ID, domain.ErrValidation)
	}
	session, err := s.orchestrator.Initiate(ctx, row.Counterparty, row)
	if err != nil {
		return domain.TradeSession{}, fmt.Errorf("trade_service: initiate: %w", err)
	}
	return session, nil
}

// Pending returns the persisted pending session.
func (s *TradeService) Pending(ctx context.Context) (domain.TradeSession, error) {
	session, err := s.orchestrator.Current(ctx)
	if err != nil {
		return domain.TradeSession{}, fmt.Errorf("trade_service: pending: %w", err)
	}
	return session, nil
}

// State returns the orchestrator step.
func (s *TradeService) State() trade.State {
	return s.orchestrator.State()
}

// OpenChannel attaches metadata for the pending session to channelID. It
// returns nil when there is no pending session, the metadata is invalid or
// the backend call failed; the chat proceeds without metadata in every case.
func (s *TradeService) OpenChannel(ctx context.Context, channelID string) *domain.ChannelMetadata {
	session, err := s.orchestrator.Current(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "trade_service: no pending session for channel",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return s.SyncChannel(ctx, channelID, channel.OptionsFromSession(s.viewerID, session))
}

// SyncChannel validates opts and creates or updates channelID's metadata.
func (s *TradeService) SyncChannel(ctx context.Context, channelID string, opts channel.BuildOptions) *domain.ChannelMetadata {
	meta := channel.BuildDTO(opts)
	if meta == nil {
		s.logger.DebugContext(ctx, "trade_service: channel metadata rejected",
			slog.String("channel_id", channelID),
		)
		return nil
	}
	return s.channels.CreateOrUpdate(ctx, channelID, meta)
}

// ChannelMetadata reads channelID's metadata; nil means unknown.
func (s *TradeService) ChannelMetadata(ctx context.Context, channelID string) *domain.ChannelMetadata {
	return s.channels.GetMetadata(ctx, channelID)
}

// ChannelLifecycle reads channelID's lifecycle; nil means unknown.
func (s *TradeService) ChannelLifecycle(ctx context.Context, channelID string) *domain.ChannelLifecycle {
	return s.channels.GetLifecycle(ctx, channelID)
}

// Complete broadcasts that the trade for orderID settled.
func (s *TradeService) Complete(ctx context.Context, orderID string) (domain.Envelope, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Envelope{}, fmt.Errorf("trade_service: complete: order id: %w", domain.ErrValidation)
	}
	env := s.events.Publish(ctx, domain.TradeCompleted{OrderID: orderID})
	s.logger.InfoContext(ctx, "trade_service: trade completed",
		slog.String("order_id", orderID),
		slog.String("event_id", env.ID),
	)
	return env, nil
}
