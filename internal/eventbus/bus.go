// Package eventbus is the process-wide broadcast of trade events. Topics form
// a closed set with typed payloads (see domain.Event). Handlers run
// synchronously in registration order; a failing handler never affects the
// others.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// DefaultDedupTTL is how long a delivered event id is remembered.
const DefaultDedupTTL = 10 * time.Minute

// Handler receives every envelope published on a topic.
type Handler func(ctx context.Context, env domain.Envelope)

// Tap observes events published locally, after local delivery.
type Tap func(ctx context.Context, env domain.Envelope)

// Stats is a snapshot of bus counters.
type Stats struct {
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Duplicates int64 `json:"duplicates"`
	Panics     int64 `json:"panics"`
}

// Bus is an in-memory typed event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.Topic]map[uint64]Handler
	taps     map[uint64]Tap
	nextID   uint64

	origin string
	dedup  *Dedup
	now    func() time.Time
	logger *slog.Logger

	published  atomic.Int64
	delivered  atomic.Int64
	duplicates atomic.Int64
	panics     atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithDedupTTL sets how long delivered event ids are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.dedup = NewDedup(ttl) }
}

// WithOrigin overrides the generated origin id.
func WithOrigin(origin string) Option {
	return func(b *Bus) { b.origin = origin }
}

// New creates a Bus with a fresh origin id.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[domain.Topic]map[uint64]Handler),
		taps:     make(map[uint64]Tap),
		origin:   uuid.NewString(),
		dedup:    NewDedup(DefaultDedupTTL),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "eventbus")),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Origin identifies this bus instance across processes.
func (b *Bus) Origin() string { return b.origin }

// Subscribe registers h on topic and returns a function that removes it.
func (b *Bus) Subscribe(topic domain.Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]Handler)
	}
	b.handlers[topic][id] = h
	b.mu.Unlock()

	b.logger.Debug("eventbus: handler subscribed", slog.String("topic", string(topic)))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[topic], id)
			b.mu.Unlock()
		})
	}
}

// On registers a handler typed by its payload. The topic is taken from E.
func On[E domain.Event](b *Bus, h func(ctx context.Context, ev E)) func() {
	var zero E
	return b.Subscribe(zero.Topic(), func(ctx context.Context, env domain.Envelope) {
		if ev, ok := env.Event.(E); ok {
			h(ctx, ev)
		}
	})
}

// AddTap registers t and returns a function that removes it.
func (b *Bus) AddTap(t Tap) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps[id] = t
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.taps, id)
			b.mu.Unlock()
		})
	}
}

// Publish wraps ev in a new envelope, delivers it locally and hands it to
// the taps. It returns the envelope.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) domain.Envelope {
	env := domain.Envelope{
		ID:        uuid.NewString(),
		Origin:    b.origin,
		Event:     ev,
		CreatedAt: b.now().UTC(),
	}
	b.published.Add(1)
	b.Deliver(ctx, env)

	for _, t := range b.snapshotTaps() {
		b.safeTap(ctx, t, env)
	}
	return env
}

// Deliver dispatches env to the local handlers of its topic. An envelope
// whose id was already delivered within the dedup window is dropped and
// Deliver returns false.
func (b *Bus) Deliver(ctx context.Context, env domain.Envelope) bool {
	if env.Event == nil {
		return false
	}
	if env.ID != "" && b.dedup.IsDuplicate(env.ID) {
		b.duplicates.Add(1)
		b.logger.Debug("eventbus: duplicate dropped",
			slog.String("topic", string(env.Event.Topic())),
			slog.String("event_id", env.ID),
		)
		return false
	}

	for _, h := range b.snapshotHandlers(env.Event.Topic()) {
		b.dispatch(ctx, h, env)
	}
	b.delivered.Add(1)
	return true
}

// Stats returns the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Duplicates: b.duplicates.Load(),
		Panics:     b.panics.Load(),
	}
}

func (b *Bus) snapshotHandlers(topic domain.Topic) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]uint64, 0, len(b.handlers[topic]))
	for id := range b.handlers[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.handlers[topic][id])
	}
	return out
}

func (b *Bus) snapshotTaps() []Tap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Tap, 0, len(b.taps))
	for _, t := range b.taps {
		out = append(out, t)
	}
	return out
}

// dispatch safely runs one handler.
func (b *Bus) dispatch(ctx context.Context, h Handler, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("eventbus: handler panicked",
				slog.String("topic", string(env.Event.Topic())),
				slog.String("event_id", env.ID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, env)
}

func (b *Bus) safeTap(ctx context.Context, t Tap, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("eventbus: tap panicked",
				slog.String("event_id", env.ID),
				slog.Any("panic", r),
			)
		}
	}()
	t(ctx, env)
}
