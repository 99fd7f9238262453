package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// Shape identifies which envelope a payload arrived in.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeData          // {"status": ..., "data": [...]}
	ShapeOrders        // {"status": ..., "orders": [...]}
	ShapeArray         // [...]
)

func (s Shape) String() string {
	switch s {
	case ShapeData:
		return "data"
	case ShapeOrders:
		return "orders"
	case ShapeArray:
		return "array"
	default:
		return "unknown"
	}
}

// Envelope is a payload unwrapped to its canonical form: the list of raw
// records, plus the shape it was found in.
type Envelope struct {
	Shape   Shape
	Status  json.RawMessage
	Records []json.RawMessage
}

type objectEnvelope struct {
	Status json.RawMessage `json:"status"`
	Data   json.RawMessage `json:"data"`
	Orders json.RawMessage `json:"orders"`
}

// ParseEnvelope detects and unwraps the three supported envelopes. Anything
// else, including an object whose data/orders member is not an array, yields
// an error wrapping domain.ErrShapeMismatch.
func ParseEnvelope(payload []byte) (Envelope, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Envelope{}, fmt.Errorf("normalize: empty payload: %w", domain.ErrShapeMismatch)
	}

	switch payload[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(payload, &records); err != nil {
			return Envelope{}, fmt.Errorf("normalize: decode array: %v: %w", err, domain.ErrShapeMismatch)
		}
		return Envelope{Shape: ShapeArray, Records: records}, nil

	case '{':
		var obj objectEnvelope
		if err := json.Unmarshal(payload, &obj); err != nil {
			return Envelope{}, fmt.Errorf("normalize: decode object: %v: %w", err, domain.ErrShapeMismatch)
		}
		if isArray(obj.Data) {
			records, err := decodeArray(obj.Data)
			if err != nil {
				return Envelope{}, err
			}
			return Envelope{Shape: ShapeData, Status: obj.Status, Records: records}, nil
		}
		if isArray(obj.Orders) {
			records, err := decodeArray(obj.Orders)
			if err != nil {
				return Envelope{}, err
			}
			return Envelope{Shape: ShapeOrders, Status: obj.Status, Records: records}, nil
		}
		return Envelope{}, fmt.Errorf("normalize: object without data or orders array: %w", domain.ErrShapeMismatch)
	}

	return Envelope{}, fmt.Errorf("normalize: payload is neither object nor array: %w", domain.ErrShapeMismatch)
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func decodeArray(raw json.RawMessage) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("normalize: decode records: %v: %w", err, domain.ErrShapeMismatch)
	}
	return records, nil
}
