package domain

import "time"

// ChannelMetadata is the metadata attached to a two-party chat/trade channel.
type ChannelMetadata struct {
	ParticipantIDs  []string  `json:"participantIds"`
	InitiatorID     string    `json:"initiatorId"`
	ChatType        OrderSide `json:"chatType"`
	AccountID       string    `json:"accountId,omitempty"`
	SellOrderID     string    `json:"sellOrderId,omitempty"`
	BuyOrderID      string    `json:"buyOrderId,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	AccountUsername string    `json:"accountUsername,omitempty"`
	TradePrice      string    `json:"tradePrice,omitempty"`
}

// ChannelStage is the lifecycle stage of a channel.
type ChannelStage string

const (
	ChannelStageNegotiating ChannelStage = "negotiating"
	ChannelStageAgreed      ChannelStage = "agreed"
	ChannelStageFunded      ChannelStage = "funded"
	ChannelStageTransferred ChannelStage = "transferred"
	ChannelStageCompleted   ChannelStage = "completed"
	ChannelStageDisputed    ChannelStage = "disputed"
	ChannelStageCancelled   ChannelStage = "cancelled"
)

// ChannelLifecycle is the lifecycle record of a channel.
type ChannelLifecycle struct {
	ChannelID string       `json:"channelId"`
	Stage     ChannelStage `json:"stage"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
