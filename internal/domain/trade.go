package domain

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSession describes an in-progress trade hand-off between two users. At
// most one session is pending at a time; a newer one replaces the older.
type TradeSession struct {
	ID              string            `json:"id"`
	CounterpartyID  string            `json:"counterpartyId"`
	ChatType        OrderSide         `json:"chatType"`
	AccountID       string            `json:"accountId,omitempty"`
	SellOrderID     string            `json:"sellOrderId,omitempty"`
	BuyOrderID      string            `json:"buyOrderId,omitempty"`
	WalletAddresses map[string]string `json:"walletAddresses"`
	Platform        string            `json:"platform,omitempty"`
	Username        string            `json:"username,omitempty"`
	Price           decimal.Decimal   `json:"price"`
	Currency        string            `json:"currency,omitempty"`
	Metrics         []KV              `json:"metrics,omitempty"`
	Filters         []KV              `json:"filters,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Clone returns a deep copy so callers never share the wallet map or the
// metric snapshots with the pending session.
func (s TradeSession) Clone() TradeSession {
	out := s
	out.WalletAddresses = maps.Clone(s.WalletAddresses)
	if out.WalletAddresses == nil {
		out.WalletAddresses = map[string]string{}
	}
	if s.Metrics != nil {
		out.Metrics = append([]KV(nil), s.Metrics...)
	}
	if s.Filters != nil {
		out.Filters = append([]KV(nil), s.Filters...)
	}
	return out
}

// MergeWallets copies addresses into the session's wallet map.
func (s *TradeSession) MergeWallets(addresses map[string]string) {
	if s.WalletAddresses == nil {
		s.WalletAddresses = make(map[string]string, len(addresses))
	}
	for chain, addr := range addresses {
		s.WalletAddresses[chain] = addr
	}
}

// UserWallets is the wallet-bearing part of a user record returned by the
// wallet lookup routes.
type UserWallets struct {
	UserID          string            `json:"userId"`
	WalletAddresses map[string]string `json:"walletAddresses"`
}
