// Package compact formats counts into compact display units ("1.5k", "2.0M")
// and parses such strings back into numbers.
package compact

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// Format renders v in compact units: values >= 1,000,000 as "{v/1e6}M" and
// values >= 1,000 as "{v/1e3}k", each with one decimal rounded half away from
// zero; smaller values as a plain integer truncated toward zero. Negative
// values, NaN and infinities render "0".
func Format(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return "0"
	}
	d := decimal.NewFromFloat(v)
	switch {
	case v >= 1_000_000:
		return d.Div(million).StringFixed(1) + "M"
	case v >= 1_000:
		return d.Div(thousand).StringFixed(1) + "k"
	default:
		return d.Truncate(0).String()
	}
}

// FormatValue formats an untyped value as produced by JSON decoding. Missing
// or non-numeric input renders "0".
func FormatValue(v any) string {
	f, ok := ToFloat(v)
	if !ok {
		return "0"
	}
	return Format(f)
}

// ToFloat converts a decoded JSON value (number, numeric string, or compact
// string) into a float64.
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case decimal.Decimal:
		return x.InexactFloat64(), true
	case string:
		return Parse(x)
	default:
		return 0, false
	}
}

// Parse resolves a display string such as "1.5k", "2.0M", "1,200" or "950"
// back into a number. The k/m/b suffixes are case-insensitive.
func Parse(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", "_", "", " ", "").Replace(s)
	if s == "" {
		return 0, false
	}

	mult := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1e3
	case 'm', 'M':
		mult = 1e6
	case 'b', 'B':
		mult = 1e9
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return finite(f * mult)
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
