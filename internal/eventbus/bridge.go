package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// relayTimeout bounds one outbound relay.
const relayTimeout = 5 * time.Second

// Bridge relays events between the local Bus and other processes over a
// SignalBus: local publishes go out on a pub/sub channel and, when a stream
// is configured, are appended to it; remote events are delivered locally.
// Events carrying this bus's origin are never re-delivered.
type Bridge struct {
	bus     *Bus
	signals domain.SignalBus
	channel string
	stream  string
	logger  *slog.Logger
}

// NewBridge creates a Bridge. stream may be empty to disable the history
// stream.
func NewBridge(bus *Bus, signals domain.SignalBus, channel, stream string, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:     bus,
		signals: signals,
		channel: channel,
		stream:  stream,
		logger:  logger.With(slog.String("component", "event_bridge")),
	}
}

// Run relays until ctx is cancelled. It returns nil on cancellation.
func (br *Bridge) Run(ctx context.Context) error {
	in, err := br.signals.Subscribe(ctx, br.channel)
	if err != nil {
		return fmt.Errorf("event_bridge: subscribe %s: %w", br.channel, err)
	}

	removeTap := br.bus.AddTap(br.relay)
	defer removeTap()

	br.logger.Info("event_bridge: started",
		slog.String("channel", br.channel),
		slog.String("origin", br.bus.Origin()),
	)

	for {
		select {
		case <-ctx.Done():
			br.logger.Info("event_bridge: stopped")
			return nil
		case payload, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event_bridge: subscription %s closed", br.channel)
			}
			br.receive(ctx, payload)
		}
	}
}

// History returns up to count events recorded in the stream after lastID
// ("0" for the beginning), together with the id to resume from.
func (br *Bridge) History(ctx context.Context, lastID string, count int) ([]domain.Envelope, string, error) {
	if br.stream == "" {
		return nil, lastID, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := br.signals.StreamRead(ctx, br.stream, lastID, count)
	if err != nil {
		return nil, lastID, fmt.Errorf("event_bridge: history: %w", err)
	}
	out := make([]domain.Envelope, 0, len(msgs))
	next := lastID
	for _, m := range msgs {
		next = m.ID
		env, err := Decode(m.Payload)
		if err != nil {
			br.logger.Debug("event_bridge: skipping undecodable history entry",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, env)
	}
	return out, next, nil
}

func (br *Bridge) receive(ctx context.Context, payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		br.logger.Warn("event_bridge: dropping undecodable event", slog.String("error", err.Error()))
		return
	}
	if env.Origin == br.bus.Origin() {
		return
	}
	br.bus.Deliver(ctx, env)
}

// relay is the local tap; it only forwards events originating here.
func (br *Bridge) relay(ctx context.Context, env domain.Envelope) {
	if env.Origin != br.bus.Origin() {
		return
	}
	payload, err := Encode(env)
	if err != nil {
		br.logger.Warn("event_bridge: encode failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()

	if err := br.signals.Publish(ctx, br.channel, payload); err != nil {
		br.logger.Warn("event_bridge: publish failed",
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()),
		)
	}
	if br.stream == "" {
		return
	}
	if err := br.signals.StreamAppend(ctx, br.stream, payload); err != nil {
		br.logger.Warn("event_bridge: stream append failed",
			slog.String("event_id", env.ID),
			slog.String("error", err.Error()),
		)
	}
}
