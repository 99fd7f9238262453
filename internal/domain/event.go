package domain

import "time"

// Topic is one of the closed set of process-wide event topics.
type Topic string

const (
	TopicTradeInitiated Topic = "tradeInitiated"
	TopicTradeCompleted Topic = "tradeCompleted"
)

// Event is implemented by every typed event payload.
type Event interface {
	Topic() Topic
}

// TradeInitiated is broadcast when a trade session is created and again each
// time background enrichment updates it.
type TradeInitiated struct {
	Session TradeSession `json:"session"`
}

// Topic implements Event.
func (TradeInitiated) Topic() Topic { return TopicTradeInitiated }

// TradeCompleted is broadcast when a trade or transaction settles; order caches
// are invalidated in response.
type TradeCompleted struct {
	OrderID string `json:"orderId"`
}

// Topic implements Event.
func (TradeCompleted) Topic() Topic { return TopicTradeCompleted }

// Envelope carries an event with its delivery identity.
type Envelope struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin,omitempty"`
	Event     Event     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
