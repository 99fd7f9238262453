// Package querykey builds canonical, value-comparable addresses for query
// cache entries. A Key is an ordered tuple of elements, e.g.
// (orders, sell, "all"); keys sharing a leading run of elements can be
// invalidated together by prefix.
package querykey

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

const (
	DomainOrders   = "orders"
	DomainWallets  = "wallets"
	DomainChannels = "channels"

	// ParamsAll is the params element used when no filters apply.
	ParamsAll = "all"
)

// Key is an immutable ordered tuple. The zero Key is the empty prefix and
// matches every key.
type Key struct {
	parts []string
}

// New returns a Key made of the given elements, copied.
func New(parts ...string) Key {
	return Key{parts: slices.Clone(parts)}
}

// Parts returns a copy of the key elements.
func (k Key) Parts() []string {
	return slices.Clone(k.parts)
}

// Len returns the number of elements.
func (k Key) Len() int {
	return len(k.parts)
}

// Equal reports whether both keys have the same elements in the same order.
func (k Key) Equal(other Key) bool {
	return slices.Equal(k.parts, other.parts)
}

// HasPrefix reports whether prefix's elements are a leading run of k's.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.parts) > len(k.parts) {
		return false
	}
	return slices.Equal(k.parts[:len(prefix.parts)], prefix.parts)
}

// Append returns a new key with extra elements appended.
func (k Key) Append(parts ...string) Key {
	out := make([]string, 0, len(k.parts)+len(parts))
	out = append(out, k.parts...)
	out = append(out, parts...)
	return Key{parts: out}
}

// String returns the canonical form, a JSON array of the elements. Two keys
// are Equal iff their String forms are equal, so it is safe as a map address.
func (k Key) String() string {
	if len(k.parts) == 0 {
		return "[]"
	}
	b, err := json.Marshal(k.parts)
	if err != nil {
		// []string always marshals; keep a readable fallback anyway.
		return strings.Join(k.parts, ".")
	}
	return string(b)
}

// OrdersPrefix addresses every order list, including per-user lists.
func OrdersPrefix() Key {
	return New(DomainOrders)
}

// SideOrdersPrefix addresses every marketplace list for one side.
func SideOrdersPrefix(side domain.OrderSide) Key {
	return New(DomainOrders, string(side))
}

// Orders addresses one filtered marketplace list. params is the canonical
// filter encoding; empty params is treated as ParamsAll.
func Orders(side domain.OrderSide, params string) Key {
	if params == "" {
		params = ParamsAll
	}
	return New(DomainOrders, string(side), params)
}

// OrdersAll addresses the unfiltered marketplace list for one side.
func OrdersAll(side domain.OrderSide) Key {
	return Orders(side, ParamsAll)
}

// UserOrders addresses a user's own orders on one side.
func UserOrders(userID string, side domain.OrderSide) Key {
	return New(DomainOrders, "user", userID, string(side))
}

// Wallets addresses a user's wallet record.
func Wallets(userID string) Key {
	return New(DomainWallets, userID)
}

// ChannelMetadata addresses a channel's metadata.
func ChannelMetadata(channelID string) Key {
	return New(DomainChannels, "metadata", channelID)
}

// ChannelLifecycle addresses a channel's lifecycle stage.
func ChannelLifecycle(channelID string) Key {
	return New(DomainChannels, "lifecycle", channelID)
}
