// Package filter applies composable predicates over normalized rows. All
// functions are pure: rows are never modified or reordered.
package filter

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/compact"
	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// Kind tags the variant of a Spec.
type Kind int

const (
	KindPlatform Kind = iota + 1
	KindRange
	KindMinRating
	KindVerified
)

func (k Kind) String() string {
	switch k {
	case KindPlatform:
		return "platform"
	case KindRange:
		return "range"
	case KindMinRating:
		return "min_rating"
	case KindVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Well-known range fields. Any other field name is looked up among a row's
// metrics, then its filters.
const (
	FieldFollowers = "followers"
	FieldPrice     = "price"
	FieldRating    = "rating"
)

// Spec is one immutable filter predicate. Build it with Platform, Range,
// AtLeast, AtMost, MinRating or Verified.
type Spec struct {
	kind     Kind
	text     string // platform name or range field
	min, max float64
	verified bool
}

// Platform matches rows on the given platform, case-insensitively.
func Platform(name string) Spec {
	return Spec{kind: KindPlatform, text: strings.TrimSpace(name)}
}

// Range matches rows whose field lies in [min, max].
func Range(field string, min, max float64) Spec {
	return Spec{kind: KindRange, text: normField(field), min: min, max: max}
}

// AtLeast matches rows whose field is >= min.
func AtLeast(field string, min float64) Spec {
	return Range(field, min, math.Inf(1))
}

// AtMost matches rows whose field is <= max.
func AtMost(field string, max float64) Spec {
	return Range(field, math.Inf(-1), max)
}

// MinRating matches rows whose counterparty rating is >= r.
func MinRating(r float64) Spec {
	return Spec{kind: KindMinRating, min: r}
}

// Verified matches rows whose counterparty verification equals v.
func Verified(v bool) Spec {
	return Spec{kind: KindVerified, verified: v}
}

// Kind returns the variant tag.
func (s Spec) Kind() Kind { return s.kind }

// Field returns the range field, or the platform name for platform specs.
func (s Spec) Field() string { return s.text }

// Bounds returns the range bounds; unbounded sides are infinite.
func (s Spec) Bounds() (min, max float64) { return s.min, s.max }

// Match reports whether row satisfies s.
func (s Spec) Match(row domain.Row) bool {
	switch s.kind {
	case KindPlatform:
		return strings.EqualFold(strings.TrimSpace(row.Platform), s.text)
	case KindRange:
		v, ok := FieldValue(row, s.text)
		return ok && v >= s.min && v <= s.max
	case KindMinRating:
		return row.Counterparty.Rating >= s.min
	case KindVerified:
		return row.Counterparty.Verified == s.verified
	default:
		return false
	}
}

// Canonical returns a stable textual form of s.
func (s Spec) Canonical() string {
	switch s.kind {
	case KindPlatform:
		return "platform=" + strings.ToLower(s.text)
	case KindRange:
		var b strings.Builder
		b.WriteString("range:")
		b.WriteString(s.text)
		b.WriteByte('=')
		if !math.IsInf(s.min, -1) {
			b.WriteString(formatFloat(s.min))
		}
		b.WriteString("..")
		if !math.IsInf(s.max, 1) {
			b.WriteString(formatFloat(s.max))
		}
		return b.String()
	case KindMinRating:
		return "min_rating=" + formatFloat(s.min)
	case KindVerified:
		return "verified=" + strconv.FormatBool(s.verified)
	default:
		return ""
	}
}

func (s Spec) String() string { return s.Canonical() }

// Apply returns the rows matching every spec, in their original order. With
// no specs it returns rows itself, not a copy.
func Apply(rows []domain.Row, specs []Spec) []domain.Row {
	if len(specs) == 0 {
		return rows
	}
	out := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		if matchAll(row, specs) {
			out = append(out, row)
		}
	}
	return out
}

func matchAll(row domain.Row, specs []Spec) bool {
	for _, s := range specs {
		if !s.Match(row) {
			return false
		}
	}
	return true
}

// Canonical encodes a spec list so that equal sets of filters produce equal
// strings regardless of order. An empty list encodes as "".
func Canonical(specs []Spec) string {
	if len(specs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		parts = append(parts, s.Canonical())
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return strings.Join(parts, "&")
}

// FieldValue resolves a numeric field of row. Compact display strings such
// as "1.5k" are parsed back into numbers.
func FieldValue(row domain.Row, field string) (float64, bool) {
	switch normField(field) {
	case FieldFollowers:
		return compact.Parse(row.DisplayFollowerCount)
	case FieldPrice:
		return row.Price.InexactFloat64(), true
	case FieldRating:
		return row.Counterparty.Rating, true
	}
	for _, list := range [][]domain.KV{row.Metrics, row.Filters} {
		for _, kv := range list {
			if normField(kv.Key) == normField(field) {
				if v, ok := compact.ToFloat(kv.Value); ok {
					return v, true
				}
			}
		}
	}
	return 0, false
}

func normField(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
