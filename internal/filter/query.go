package filter

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/compact"
	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// ParseQuery builds specs from HTTP query parameters:
//
//	platform=instagram
//	min_followers=1.5k&max_followers=2M
//	min_price=10&max_price=200
//	min_rating=4
//	verified=true
//
// min_<field> and max_<field> for the same field merge into one range.
// Range bounds accept compact units. Unknown parameters are ignored.
func ParseQuery(q url.Values) ([]Spec, error) {
	var specs []Spec

	if p := strings.TrimSpace(q.Get("platform")); p != "" {
		specs = append(specs, Platform(p))
	}

	if s := strings.TrimSpace(q.Get("min_rating")); s != "" {
		r, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(r) {
			return nil, fmt.Errorf("filter: min_rating %q: %w", s, domain.ErrValidation)
		}
		specs = append(specs, MinRating(r))
	}

	if s := strings.TrimSpace(q.Get("verified")); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("filter: verified %q: %w", s, domain.ErrValidation)
		}
		specs = append(specs, Verified(v))
	}

	ranges, err := parseRanges(q)
	if err != nil {
		return nil, err
	}
	return append(specs, ranges...), nil
}

type bounds struct {
	min, max float64
}

func parseRanges(q url.Values) ([]Spec, error) {
	byField := make(map[string]*bounds)
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		var field string
		var isMin bool
		switch {
		case k == "min_rating":
			continue
		case strings.HasPrefix(k, "min_"):
			field, isMin = strings.TrimPrefix(k, "min_"), true
		case strings.HasPrefix(k, "max_"):
			field = strings.TrimPrefix(k, "max_")
		default:
			continue
		}
		field = normField(field)
		if field == "" {
			continue
		}
		raw := strings.TrimSpace(q.Get(k))
		if raw == "" {
			continue
		}
		v, ok := compact.Parse(raw)
		if !ok {
			return nil, fmt.Errorf("filter: %s %q: %w", k, raw, domain.ErrValidation)
		}

		b, exists := byField[field]
		if !exists {
			b = &bounds{min: math.Inf(-1), max: math.Inf(1)}
			byField[field] = b
		}
		if isMin {
			b.min = v
		} else {
			b.max = v
		}
	}

	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	specs := make([]Spec, 0, len(fields))
	for _, f := range fields {
		b := byField[f]
		if b.min > b.max {
			return nil, fmt.Errorf("filter: %s range %v > %v: %w", f, b.min, b.max, domain.ErrValidation)
		}
		specs = append(specs, Range(f, b.min, b.max))
	}
	return specs, nil
}
