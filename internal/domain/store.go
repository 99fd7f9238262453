package domain

import (
	"context"
)

// OrderFetcher reads order payloads from the marketplace backend. Payloads are
// returned undecoded because their envelope varies; see normalize.ParseEnvelope.
type OrderFetcher interface {
	SellOrders(ctx context.Context) ([]byte, error)
	BuyOrders(ctx context.Context) ([]byte, error)
	UserOrders(ctx context.Context, userID string, side OrderSide) ([]byte, error)
}

// UserOrderWriter performs CRUD on a user's own buy or sell orders.
type UserOrderWriter interface {
	CreateUserOrder(ctx context.Context, userID string, order UserOrder) (string, error)
	UpdateUserOrder(ctx context.Context, userID string, order UserOrder) error
	DeleteUserOrder(ctx context.Context, userID string, side OrderSide, orderID string) error
}

// WalletLookup resolves a user's wallet addresses via a primary route and a
// secondary fallback route.
type WalletLookup interface {
	UserWallets(ctx context.Context, userID string) (UserWallets, error)
	UserWalletsFallback(ctx context.Context, userID string) (UserWallets, error)
}

// ChannelService is the backend channel-metadata service. Create returns an
// error wrapping ErrAlreadyExists when metadata for the channel exists.
type ChannelService interface {
	CreateChannelMetadata(ctx context.Context, channelID string, meta ChannelMetadata) (ChannelMetadata, error)
	UpdateChannelMetadata(ctx context.Context, channelID string, meta ChannelMetadata) (ChannelMetadata, error)
	GetChannelMetadata(ctx context.Context, channelID string) (ChannelMetadata, error)
	GetChannelLifecycle(ctx context.Context, channelID string) (ChannelLifecycle, error)
}

// SessionSlot is the single named cross-navigation slot holding the pending
// TradeSession.
type SessionSlot interface {
	// Put overwrites the slot (last write wins).
	Put(ctx context.Context, session TradeSession) error
	// Get returns ErrNotFound when the slot is empty.
	Get(ctx context.Context) (TradeSession, error)
	// MergeWallets merges addresses into the stored session only if its ID is
	// sessionID; otherwise it returns ErrSessionSuperseded.
	MergeWallets(ctx context.Context, sessionID string, addresses map[string]string) (TradeSession, error)
}

// Navigator switches the active UI surface to the chat/trade view.
type Navigator interface {
	OpenTrade(ctx context.Context, session TradeSession)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides cross-process pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
