// Package channel builds, sends and reads the backend metadata attached to a
// two-party chat/trade channel. Nothing in this package returns an error past
// its boundary: failures are logged and reported as nil, which callers must
// read as "unknown", never as "empty".
package channel

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// Placeholder values the UI uses for unresolved fields. They are never sent.
var sentinels = []string{"Unknown", "N/A"}

// BuildOptions is the input to BuildDTO. Ids may be given in any shape
// domain.CanonicalID accepts.
type BuildOptions struct {
	ParticipantIDs  []any            `json:"participantIds"`
	Initiator       any              `json:"initiatorId"`
	ChatType        domain.OrderSide `json:"chatType"`
	AccountID       string           `json:"accountId,omitempty"`
	SellOrderID     string           `json:"sellOrderId,omitempty"`
	BuyOrderID      string           `json:"buyOrderId,omitempty"`
	Platform        string           `json:"platform,omitempty"`
	AccountUsername string           `json:"accountUsername,omitempty"`
	TradePrice      string           `json:"tradePrice,omitempty"`
}

// OptionsFromSession builds the options for the channel opened by viewerID
// for session.
func OptionsFromSession(viewerID string, session domain.TradeSession) BuildOptions {
	o := BuildOptions{
		ParticipantIDs:  []any{viewerID, session.CounterpartyID},
		Initiator:       viewerID,
		ChatType:        session.ChatType,
		AccountID:       session.AccountID,
		SellOrderID:     session.SellOrderID,
		BuyOrderID:      session.BuyOrderID,
		Platform:        session.Platform,
		AccountUsername: session.Username,
	}
	if !session.Price.IsZero() {
		o.TradePrice = session.Price.String()
	}
	return o
}

// BuildDTO validates o and returns the metadata to send, or nil when o has
// other than exactly two resolvable participants, an unresolvable initiator
// or no valid chat type. Optional fields are included only when present and
// not a placeholder.
func BuildDTO(o BuildOptions) *domain.ChannelMetadata {
	if len(o.ParticipantIDs) != 2 {
		return nil
	}
	participants := make([]string, 0, 2)
	for _, p := range o.ParticipantIDs {
		id, ok := domain.CanonicalID(p)
		if !ok {
			return nil
		}
		participants = append(participants, id)
	}
	initiator, ok := domain.CanonicalID(o.Initiator)
	if !ok {
		return nil
	}
	if !o.ChatType.Valid() {
		return nil
	}

	return &domain.ChannelMetadata{
		ParticipantIDs:  participants,
		InitiatorID:     initiator,
		ChatType:        o.ChatType,
		AccountID:       optional(o.AccountID),
		SellOrderID:     optional(o.SellOrderID),
		BuyOrderID:      optional(o.BuyOrderID),
		Platform:        optional(o.Platform),
		AccountUsername: optional(o.AccountUsername),
		TradePrice:      optional(o.TradePrice),
	}
}

func optional(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range sentinels {
		if strings.EqualFold(s, p) {
			return ""
		}
	}
	return s
}

// Synchronizer sends and reads channel metadata through the backend channel
// service.
type Synchronizer struct {
	svc    domain.ChannelService
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(svc domain.ChannelService, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		svc:    svc,
		logger: logger.With(slog.String("component", "channel")),
	}
}

// CreateOrUpdate stores meta for channelID: it tries create and falls back to
// update when the backend reports the metadata already exists. It returns the
// stored metadata, or nil if meta is nil, the id is empty, or the backend
// failed.
func (s *Synchronizer) CreateOrUpdate(ctx context.Context, channelID string, meta *domain.ChannelMetadata) *domain.ChannelMetadata {
	if meta == nil {
		return nil
	}
	id := NormalizeChannelID(channelID)
	if id == "" {
		s.logger.WarnContext(ctx, "channel: empty channel id", slog.String("raw_id", channelID))
		return nil
	}

	stored, err := s.svc.CreateChannelMetadata(ctx, id, *meta)
	if errors.Is(err, domain.ErrAlreadyExists) {
		s.logger.DebugContext(ctx, "channel: metadata exists, updating", slog.String("channel_id", id))
		stored, err = s.svc.UpdateChannelMetadata(ctx, id, *meta)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "channel: metadata sync failed",
			slog.String("channel_id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &stored
}

// GetMetadata reads the metadata of channelID, or nil if unavailable.
func (s *Synchronizer) GetMetadata(ctx context.Context, channelID string) *domain.ChannelMetadata {
	id := NormalizeChannelID(channelID)
	if id == "" {
		return nil
	}
	meta, err := s.svc.GetChannelMetadata(ctx, id)
	if err != nil {
		s.logReadFailure(ctx, "metadata", id, err)
		return nil
	}
	return &meta
}

// GetLifecycle reads the lifecycle stage of channelID, or nil if unavailable.
func (s *Synchronizer) GetLifecycle(ctx context.Context, channelID string) *domain.ChannelLifecycle {
	id := NormalizeChannelID(channelID)
	if id == "" {
		return nil
	}
	lc, err := s.svc.GetChannelLifecycle(ctx, id)
	if err != nil {
		s.logReadFailure(ctx, "lifecycle", id, err)
		return nil
	}
	if lc.ChannelID == "" {
		lc.ChannelID = id
	}
	return &lc
}

func (s *Synchronizer) logReadFailure(ctx context.Context, what, id string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrNotFound) {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "channel: read "+what+" failed",
		slog.String("channel_id", id),
		slog.String("error", err.Error()),
	)
}
