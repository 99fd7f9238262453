package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Identity fields tried, in order, on an object.
var idFields = []string{"_id", "id", "userId", "uid"}

// Nested identity objects tried, in order, when no id field matched.
var nestedFields = []string{"user", "identity", "owner"}

// maxDepth bounds recursion through nested identity objects.
const maxDepth = 4

// CanonicalID extracts a canonical id string from v. Supported shapes:
//
//   - a non-empty string (trimmed)
//   - a number (integral float64, json.Number, any Go integer)
//   - a wrapped id object: {"$oid": "..."}
//   - an object with one of _id, id, userId, uid holding any supported shape
//   - an object nesting an identity under user, identity or owner
//   - raw JSON bytes ([]byte or json.RawMessage) encoding any of the above
//
// It returns false when no shape matches.
func CanonicalID(v any) (string, bool) {
	return canonicalID(v, 0)
}

func canonicalID(v any, depth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case json.Number:
		return canonicalID(x.String(), depth)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case json.RawMessage:
		return fromJSON(x, depth)
	case []byte:
		return fromJSON(x, depth)
	case RawParty:
		return fromObject(x, depth)
	case map[string]any:
		return fromObject(x, depth)
	default:
		return "", false
	}
}

func fromJSON(b []byte, depth int) (string, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	return canonicalID(v, depth+1)
}

func fromObject(m map[string]any, depth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	if id, ok := canonicalID(m["$oid"], depth+1); ok {
		return id, true
	}
	for _, f := range idFields {
		if id, ok := canonicalID(m[f], depth+1); ok {
			return id, true
		}
	}
	for _, f := range nestedFields {
		nested, ok := m[f].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := fromObject(nested, depth+1); ok {
			return id, true
		}
	}
	return "", false
}
