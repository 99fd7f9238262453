// Package normalize turns shape-variable backend order payloads into uniform
// display rows. Field values are resolved through ordered fallback chains;
// nothing here returns an error past the package boundary: an unrecognized
// payload yields an empty list and a warning.
package normalize

import (
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/socialmarket/internal/compact"
	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// DefaultPlaceholderAvatar is the asset shown when no avatar resolves.
const DefaultPlaceholderAvatar = "/assets/default-avatar.png"

// UsernameUnknown is the username sentinel for rows with no resolvable name.
const UsernameUnknown = "N/A"

// DefaultCurrency applies when a record carries none.
const DefaultCurrency = "USD"

const (
	maxRating     = 5.0
	defaultRating = 5.0
)

var (
	avatarFields      = []string{"profileImage", "avatar", "avatarUrl", "image", "photo", "profilePicture"}
	nameFields        = []string{"username", "name", "displayName", "fullName"}
	verifiedFields    = []string{"verified", "isVerified"}
	ratingFields      = []string{"averageRating", "rating"}
	ratingCountFields = []string{"ratingCount", "totalRatings", "ratingsCount", "reviewCount"}

	// followerSynonyms is searched in this order, first over metrics then over
	// filters.
	followerSynonyms = []string{
		"followers", "followers_count", "follower_count",
		"subscribers", "subscribers_count", "subscriber_count",
		"member_count", "members", "members_count",
		"connections", "connections_count",
		"fans", "fans_count",
		"likes", "likes_count",
	}
)

// Config fixes the viewer-dependent inputs of the normalizer. Output is a pure
// function of (payload, side) for a given Config.
type Config struct {
	// ViewerID is the signed-in user's id.
	ViewerID string
	// ViewerAvatar is the locally cached profile image of the viewer, used when
	// the counterparty is the viewer and carries no image of its own.
	ViewerAvatar string
	// Placeholder is the fallback avatar asset.
	Placeholder string
}

// Normalizer converts raw payloads into rows.
type Normalizer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Normalizer.
func New(cfg Config, logger *slog.Logger) *Normalizer {
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholderAvatar
	}
	return &Normalizer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "normalize")),
	}
}

// Rows parses payload and normalizes every record for side. Records without
// an identity are dropped. An unrecognized envelope yields an empty list.
func (n *Normalizer) Rows(payload []byte, side domain.OrderSide) []domain.Row {
	env, err := ParseEnvelope(payload)
	if err != nil {
		n.logger.Warn("normalize: unrecognized payload",
			slog.String("side", string(side)),
			slog.Int("bytes", len(payload)),
			slog.String("error", err.Error()),
		)
		return []domain.Row{}
	}

	rows := make([]domain.Row, 0, len(env.Records))
	for i, rec := range env.Records {
		var raw domain.RawOrder
		if err := json.Unmarshal(rec, &raw); err != nil {
			n.logger.Debug("normalize: skipping undecodable record",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		row, ok := n.Row(&raw, side)
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// Row normalizes a single record. It reports false when the record has no
// identity.
func (n *Normalizer) Row(raw *domain.RawOrder, side domain.OrderSide) (domain.Row, bool) {
	id, ok := recordID(raw)
	if !ok {
		return domain.Row{}, false
	}

	currency := strings.TrimSpace(raw.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}

	return domain.Row{
		ID:                   id,
		Side:                 side,
		Counterparty:         n.counterparty(raw, side),
		Platform:             strings.TrimSpace(raw.Platform),
		DisplayFollowerCount: FollowerCount(raw.Metrics, raw.Filters),
		Price:                price(raw, side),
		Currency:             currency,
		Metrics:              nonNil(raw.Metrics),
		Filters:              nonNil(raw.Filters),
		Username:             ResolveUsername(raw),
		AccountID:            strings.TrimSpace(raw.AccountID),
		Raw:                  raw,
	}, true
}

func recordID(raw *domain.RawOrder) (string, bool) {
	if id, ok := domain.CanonicalID(raw.MongoID); ok {
		return id, true
	}
	return domain.CanonicalID(raw.ID)
}

// ResolveUsername applies the username chain: accountUsername, username,
// handle, accountHandle, a filters entry keyed "username", else "N/A".
func ResolveUsername(raw *domain.RawOrder) string {
	for _, s := range []string{raw.AccountUsername, raw.Username, raw.Handle, raw.AccountHandle} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	for _, kv := range raw.Filters {
		if !keyMatches(kv.Key, "username") {
			continue
		}
		if s, ok := kv.Value.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return UsernameUnknown
}

// FollowerCount finds the first follower synonym in metrics, then in
// filters, and formats it in compact units. Missing or non-numeric values
// render "0".
func FollowerCount(metrics, filters []domain.KV) string {
	for _, list := range [][]domain.KV{metrics, filters} {
		if v, ok := findSynonym(list); ok {
			return compact.FormatValue(v)
		}
	}
	return "0"
}

func findSynonym(list []domain.KV) (any, bool) {
	for _, syn := range followerSynonyms {
		for _, kv := range list {
			if keyMatches(kv.Key, syn) {
				return kv.Value, true
			}
		}
	}
	return nil, false
}

func keyMatches(key, want string) bool {
	return strings.EqualFold(strings.TrimSpace(key), want)
}

func price(raw *domain.RawOrder, side domain.OrderSide) decimal.Decimal {
	if p, ok := decodeDecimal(raw.Price); ok && !p.IsZero() {
		return p
	}
	if side == domain.OrderSideBuy {
		if p, ok := decodeDecimal(raw.MaxPrice); ok {
			return p
		}
	}
	return decimal.Zero
}

func decodeDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == `""` {
		return decimal.Decimal{}, false
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON([]byte(s)); err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// counterparty resolves the party on the other side of the row: the seller
// for sell rows and the buyer for buy rows, then the generic user object,
// then the bare seller/buyer id.
func (n *Normalizer) counterparty(raw *domain.RawOrder, side domain.OrderSide) domain.Counterparty {
	primary, fallbackID := raw.Seller, raw.SellerID
	if side == domain.OrderSideBuy {
		primary, fallbackID = raw.Buyer, raw.BuyerID
	}

	var party domain.RawParty
	for _, p := range []domain.RawParty{primary, raw.User} {
		if len(p) > 0 {
			party = p
			break
		}
	}

	id, ok := domain.CanonicalID(party)
	if !ok {
		id = strings.TrimSpace(fallbackID)
	}

	name := stringField(party, nameFields...)
	if name == "" {
		name = "Unknown"
	}

	return domain.Counterparty{
		ID:        id,
		Name:      name,
		AvatarURL: n.avatar(party, id),
		Verified:  boolField(party, verifiedFields...),
		Rating:    rating(party),
	}
}

func (n *Normalizer) avatar(party domain.RawParty, id string) string {
	if s := stringField(party, avatarFields...); s != "" {
		return s
	}
	if nested, ok := party["user"].(map[string]any); ok {
		if s := stringField(nested, avatarFields...); s != "" {
			return s
		}
	}
	if id != "" && id == n.cfg.ViewerID && n.cfg.ViewerAvatar != "" {
		return n.cfg.ViewerAvatar
	}
	return n.cfg.Placeholder
}

// rating returns the clamped average rating when the party has at least one
// recorded rating, else 5: parties without history are presumed trustworthy.
func rating(party domain.RawParty) float64 {
	count, ok := numberField(party, ratingCountFields...)
	if !ok || count <= 0 {
		return defaultRating
	}
	avg, ok := numberField(party, ratingFields...)
	if !ok {
		return defaultRating
	}
	return math.Min(math.Max(avg, 0), maxRating)
}

func stringField(m map[string]any, fields ...string) string {
	for _, f := range fields {
		if s, ok := m[f].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func numberField(m map[string]any, fields ...string) (float64, bool) {
	for _, f := range fields {
		if v, ok := compact.ToFloat(m[f]); ok {
			return v, true
		}
	}
	return 0, false
}

// boolField accepts JSON booleans and "true"/"1" strings.
func boolField(m map[string]any, fields ...string) bool {
	for _, f := range fields {
		switch v := m[f].(type) {
		case bool:
			return v
		case string:
			return strings.EqualFold(v, "true") || v == "1"
		}
	}
	return false
}

func nonNil(list []domain.KV) []domain.KV {
	if list == nil {
		return []domain.KV{}
	}
	return list
}
