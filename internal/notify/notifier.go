// Package notify forwards trade events to chat webhooks (Telegram, Discord)
// so the user hears about a trade hand-off or settlement while the UI is
// closed. Event types can be filtered so operators receive only the alerts
// they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/eventbus"
)

// queueSize bounds the notifications waiting for delivery.
const queueSize = 64

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

type note struct {
	title   string
	message string
}

// Notifier turns bus events into notifications and delivers them to every
// Sender from a single worker, so slow webhooks never block publishers.
type Notifier struct {
	senders []Sender
	events  map[domain.Topic]bool // allowed topics; empty allows all
	queue   chan note
	logger  *slog.Logger

	mu          sync.Mutex
	lastSession string
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// topics listed in events are forwarded; an empty list allows every topic.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.Topic]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.Topic(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan note, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Attach subscribes the notifier to both trade topics on bus and returns the
// unsubscribe func.
func (n *Notifier) Attach(bus *eventbus.Bus) func() {
	offInitiated := eventbus.On(bus, n.onTradeInitiated)
	offCompleted := eventbus.On(bus, n.onTradeCompleted)
	return func() {
		offInitiated()
		offCompleted()
	}
}

// onTradeInitiated notifies once per session; enrichment re-broadcasts of
// the same session are skipped.
func (n *Notifier) onTradeInitiated(ctx context.Context, ev domain.TradeInitiated) {
	n.mu.Lock()
	repeat := ev.Session.ID == n.lastSession
	n.lastSession = ev.Session.ID
	n.mu.Unlock()
	if repeat {
		return
	}

	s := ev.Session
	msg := fmt.Sprintf("%s trade with %s", s.ChatType, s.CounterpartyID)
	if s.Platform != "" {
		msg += fmt.Sprintf(" for %s account %s", s.Platform, s.Username)
	}
	if !s.Price.IsZero() {
		msg += fmt.Sprintf(" at %s %s", s.Price.StringFixed(2), s.Currency)
	}
	n.enqueue(ctx, domain.TopicTradeInitiated, "Trade started", msg)
}

func (n *Notifier) onTradeCompleted(ctx context.Context, ev domain.TradeCompleted) {
	n.enqueue(ctx, domain.TopicTradeCompleted, "Trade completed", "Order "+ev.OrderID+" settled")
}

// enqueue drops the note when the topic is filtered, no sender is
// configured, or the queue is full.
func (n *Notifier) enqueue(ctx context.Context, topic domain.Topic, title, message string) {
	if !n.Enabled() {
		return
	}
	if len(n.events) > 0 && !n.events[topic] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("topic", string(topic)))
		return
	}
	select {
	case n.queue <- note{title: title, message: message}:
	default:
		n.logger.WarnContext(ctx, "notifier: queue full, dropping notification",
			slog.String("topic", string(topic)),
		)
	}
}

// Run delivers queued notifications until ctx is cancelled. It returns nil on
// cancellation; delivery failures are logged, not returned.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case nt := <-n.queue:
			_ = n.Dispatch(ctx, nt.title, nt.message)
		}
	}
}

// Dispatch sends one notification to all senders. A single sender failure
// does not prevent delivery to the remaining senders; all failures are
// joined into the returned error.
func (n *Notifier) Dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
