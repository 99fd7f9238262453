package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderSide indicates which side of the marketplace an order sits on.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Opposite returns the complementary side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// KV is one {key, value, type} tuple emitted by the per-platform data-entry
// forms. Value is kept exactly as the backend returned it (number or string).
type KV struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// RawParty is the seller or buyer sub-object of a RawOrder. Its field names
// vary between backend versions, so it is kept as a loosely typed object and
// resolved through ordered fallback chains by the normalizer.
type RawParty map[string]any

// UnmarshalJSON accepts an object, or a bare id given as a string or number;
// a bare id is stored as {"_id": id}. null leaves the party empty.
func (p *RawParty) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*p = nil
		return nil
	case map[string]any:
		*p = x
		return nil
	}
	id, ok := CanonicalID(json.RawMessage(b))
	if !ok {
		return fmt.Errorf("domain: party: unsupported value %s", bytes.TrimSpace(b))
	}
	*p = RawParty{"_id": id}
	return nil
}

// RawOrder is one backend order record. The shape varies by envelope and side;
// only the fields the pipeline reads are declared. Decoding is lenient: a
// field whose JSON type does not fit is left empty instead of failing the
// record.
type RawOrder struct {
	ID              json.RawMessage `json:"id,omitempty"`
	MongoID         json.RawMessage `json:"_id,omitempty"`
	Platform        string          `json:"platform,omitempty"`
	Price           json.RawMessage `json:"price,omitempty"`
	MaxPrice        json.RawMessage `json:"maxPrice,omitempty"`
	Currency        string          `json:"currency,omitempty"`
	Description     string          `json:"description,omitempty"`
	Status          json.RawMessage `json:"status,omitempty"`
	AccountID       string          `json:"accountId,omitempty"`
	AccountUsername string          `json:"accountUsername,omitempty"`
	Username        string          `json:"username,omitempty"`
	Handle          string          `json:"handle,omitempty"`
	AccountHandle   string          `json:"accountHandle,omitempty"`
	Seller          RawParty        `json:"seller,omitempty"`
	Buyer           RawParty        `json:"buyer,omitempty"`
	User            RawParty        `json:"user,omitempty"`
	SellerID        string          `json:"sellerId,omitempty"`
	BuyerID         string          `json:"buyerId,omitempty"`
	Metrics         []KV            `json:"metrics,omitempty"`
	Filters         []KV            `json:"filters,omitempty"`
	Requirements    []KV            `json:"requirements,omitempty"`
}

// UnmarshalJSON decodes a record object field by field. It fails only when b
// is not a JSON object.
func (r *RawOrder) UnmarshalJSON(b []byte) error {
	var f map[string]json.RawMessage
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("domain: order record is null")
	}
	*r = RawOrder{
		ID:              f["id"],
		MongoID:         f["_id"],
		Platform:        looseString(f["platform"]),
		Price:           f["price"],
		MaxPrice:        f["maxPrice"],
		Currency:        looseString(f["currency"]),
		Description:     looseString(f["description"]),
		Status:          f["status"],
		AccountID:       looseID(f["accountId"]),
		AccountUsername: looseString(f["accountUsername"]),
		Username:        looseString(f["username"]),
		Handle:          looseString(f["handle"]),
		AccountHandle:   looseString(f["accountHandle"]),
		Seller:          looseParty(f["seller"]),
		Buyer:           looseParty(f["buyer"]),
		User:            looseParty(f["user"]),
		SellerID:        looseID(f["sellerId"]),
		BuyerID:         looseID(f["buyerId"]),
		Metrics:         looseKVs(f["metrics"]),
		Filters:         looseKVs(f["filters"]),
		Requirements:    looseKVs(f["requirements"]),
	}
	return nil
}

// looseString returns a JSON string as is and a JSON number as its literal.
// Anything else is "".
func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// looseID resolves any id shape CanonicalID accepts, including populated
// objects such as {"_id": "u1"}.
func looseID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	id, _ := CanonicalID(raw)
	return id
}

func looseParty(raw json.RawMessage) RawParty {
	if len(raw) == 0 {
		return nil
	}
	var p RawParty
	if err := p.UnmarshalJSON(raw); err != nil {
		return nil
	}
	return p
}

// looseKVs decodes a KV list, skipping malformed entries. A value that is
// not an array yields nil.
func looseKVs(raw json.RawMessage) []KV {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil
	}
	out := make([]KV, 0, len(items))
	for _, item := range items {
		var kv KV
		if err := json.Unmarshal(item, &kv); err != nil {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Counterparty is the normalized view of the user on the other side of a row.
type Counterparty struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL string  `json:"avatarUrl"`
	Verified  bool    `json:"verified"`
	Rating    float64 `json:"rating"`
}

// Row is the normalized, display-ready representation of one marketplace
// order. Rows are owned by the normalizer and read-only downstream.
type Row struct {
	ID                   string          `json:"id"`
	Side                 OrderSide       `json:"side"`
	Counterparty         Counterparty    `json:"counterparty"`
	Platform             string          `json:"platform"`
	DisplayFollowerCount string          `json:"displayFollowerCount"`
	Price                decimal.Decimal `json:"price"`
	Currency             string          `json:"currency"`
	Metrics              []KV            `json:"metrics"`
	Filters              []KV            `json:"filters"`
	Username             string          `json:"username"`
	AccountID            string          `json:"accountId,omitempty"`
	Raw                  *RawOrder       `json:"-"`
}

// UserOrder is the write model for a user's own buy or sell order.
type UserOrder struct {
	ID              string          `json:"id,omitempty"`
	Side            OrderSide       `json:"side"`
	Platform        string          `json:"platform"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency,omitempty"`
	Description     string          `json:"description,omitempty"`
	AccountUsername string          `json:"accountUsername,omitempty"`
	Metrics         []KV            `json:"metrics,omitempty"`
	Filters         []KV            `json:"filters,omitempty"`
	Requirements    []KV            `json:"requirements,omitempty"`
}
