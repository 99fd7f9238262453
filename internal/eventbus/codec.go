package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// wireEnvelope is the cross-process encoding of an envelope.
type wireEnvelope struct {
	ID        string          `json:"id"`
	Origin    string          `json:"origin"`
	Topic     domain.Topic    `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Encode serializes env for transport.
func Encode(env domain.Envelope) ([]byte, error) {
	if env.Event == nil {
		return nil, fmt.Errorf("eventbus: encode %s: nil event", env.ID)
	}
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return nil, fmt.Errorf("eventbus: encode %s: %w", env.ID, err)
	}
	return json.Marshal(wireEnvelope{
		ID:        env.ID,
		Origin:    env.Origin,
		Topic:     env.Event.Topic(),
		Payload:   payload,
		CreatedAt: env.CreatedAt,
	})
}

// Decode parses an envelope produced by Encode. Unknown topics are rejected.
func Decode(b []byte) (domain.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return domain.Envelope{}, fmt.Errorf("eventbus: decode: %w", err)
	}

	var ev domain.Event
	switch w.Topic {
	case domain.TopicTradeInitiated:
		var p domain.TradeInitiated
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return domain.Envelope{}, fmt.Errorf("eventbus: decode %s: %w", w.Topic, err)
		}
		ev = p
	case domain.TopicTradeCompleted:
		var p domain.TradeCompleted
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return domain.Envelope{}, fmt.Errorf("eventbus: decode %s: %w", w.Topic, err)
		}
		ev = p
	default:
		return domain.Envelope{}, fmt.Errorf("eventbus: decode: unknown topic %q: %w", w.Topic, domain.ErrValidation)
	}

	return domain.Envelope{
		ID:        w.ID,
		Origin:    w.Origin,
		Event:     ev,
		CreatedAt: w.CreatedAt,
	}, nil
}
