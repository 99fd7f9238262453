// Package querycache is a key-addressed store of asynchronously fetched
// values with staleness, request de-duplication, retry with backoff, polling,
// garbage collection and prefix invalidation.
//
// A Cache is safe for concurrent use. Callers never touch entries directly;
// they Subscribe, Prefetch, Peek and Invalidate.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/querykey"
)

// errSuperseded is returned to joiners of a flight whose result was discarded
// because the entry was refetched or collected while it ran.
var errSuperseded = errors.New("querycache: result superseded")

// prefetchAttempts bounds how often Prefetch follows a superseded flight.
const prefetchAttempts = 3

type entry struct {
	key   querykey.Key
	state Entry

	fetcher Fetcher
	opts    Options

	// version identifies the most recently started fetch; only that fetch
	// may write its result.
	version uint64
	// invalidations counts Invalidate hits; a result fetched across an
	// invalidation is stored but stays stale.
	invalidations uint64
	stale         bool

	subs     map[uint64]Listener
	pollStop chan struct{}
	gcTimer  *time.Timer
}

func (e *entry) snapshot() Entry {
	return e.state
}

func (e *entry) listeners() []Listener {
	out := make([]Listener, 0, len(e.subs))
	for _, l := range e.subs {
		out = append(out, l)
	}
	return out
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the query cache service.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	flights singleflight.Group
	visible bool
	nextSub uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty, visible Cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries: make(map[string]*entry),
		visible: true,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "querycache")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscription is a live registration on one key.
type Subscription struct {
	cache *Cache
	key   querykey.Key
	id    uint64
	once  sync.Once
}

// Key returns the subscribed key.
func (s *Subscription) Key() querykey.Key { return s.key }

// Entry returns the current snapshot of the subscribed entry.
func (s *Subscription) Entry() Entry {
	e, _ := s.cache.Peek(s.key)
	return e
}

// Unsubscribe removes the registration. When the last subscriber leaves,
// polling stops and the entry is collected after its GCTime. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.cache.unsubscribe(s.key, s.id) })
}

// Subscribe registers listener on key and returns the subscription. If the
// entry is missing, stale or failed, a fetch is started; concurrent
// subscribers share a single in-flight fetch. listener may be nil.
func (c *Cache) Subscribe(ctx context.Context, key querykey.Key, fetch Fetcher, opts Options, listener Listener) *Subscription {
	k := key.String()

	c.mu.Lock()
	e := c.entryLocked(key)
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	e.fetcher = fetch
	e.opts = opts

	c.nextSub++
	id := c.nextSub
	if listener == nil {
		listener = func(Entry) {}
	}
	e.subs[id] = listener

	if opts.PollInterval > 0 && e.pollStop == nil && !c.closed {
		e.pollStop = make(chan struct{})
		c.wg.Add(1)
		go c.pollLoop(key, opts.PollInterval, e.pollStop)
	}

	needFetch := !c.closed && c.needsFetchLocked(e)
	var notify []Listener
	var snap Entry
	if needFetch && c.beginLocked(e) {
		notify, snap = e.listeners(), e.snapshot()
	}
	c.mu.Unlock()

	c.notify(notify, snap)
	if needFetch {
		c.logger.DebugContext(ctx, "querycache: subscribe triggered fetch", slog.String("key", k))
		c.fetch(key)
	}

	return &Subscription{cache: c, key: key, id: id}
}

// Prefetch ensures key holds fresh data, fetching if needed, and returns the
// resulting snapshot. The returned error is the fetch error, if any; the
// snapshot may still carry older data (stale-while-error).
func (c *Cache) Prefetch(ctx context.Context, key querykey.Key, fetch Fetcher, opts Options) (Entry, error) {
	for attempt := 0; attempt < prefetchAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Entry{}, fmt.Errorf("querycache: prefetch %s: %w", key, domain.ErrClosed)
		}
		e := c.entryLocked(key)
		if len(e.subs) == 0 || e.fetcher == nil {
			e.fetcher = fetch
			e.opts = opts
		}
		inFlight := e.state.Fetching || e.state.Status == StatusLoading
		if !inFlight && !c.needsFetchLocked(e) {
			snap := e.snapshot()
			c.mu.Unlock()
			return snap, nil
		}
		var notify []Listener
		var snap Entry
		if !inFlight && c.beginLocked(e) {
			notify, snap = e.listeners(), e.snapshot()
		}
		c.mu.Unlock()
		c.notify(notify, snap)

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return c.peekOrEmpty(key), ctx.Err()
		case res = <-c.fetch(key):
		}
		if errors.Is(res.Err, errSuperseded) {
			continue
		}

		c.mu.Lock()
		if cur, ok := c.entries[key.String()]; ok && len(cur.subs) == 0 {
			c.scheduleGCLocked(cur)
		}
		c.mu.Unlock()

		return c.peekOrEmpty(key), res.Err
	}
	return c.peekOrEmpty(key), fmt.Errorf("querycache: prefetch %s: %w", key, errSuperseded)
}

// Peek returns the current snapshot for key without fetching.
func (c *Cache) Peek(key querykey.Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{Key: key}, false
	}
	return e.snapshot(), true
}

func (c *Cache) peekOrEmpty(key querykey.Key) Entry {
	e, _ := c.Peek(key)
	return e
}

// Invalidate marks every entry whose key starts with prefix as stale and
// refetches those with active subscribers in the background. It returns the
// number of entries marked.
func (c *Cache) Invalidate(prefix querykey.Key) int {
	c.mu.Lock()
	var refetch []querykey.Key
	n := 0
	for k, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		n++
		e.stale = true
		e.invalidations++
		c.flights.Forget(k)
		if len(e.subs) > 0 && e.fetcher != nil && !c.closed {
			refetch = append(refetch, e.key)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("querycache: invalidated",
		slog.String("prefix", prefix.String()),
		slog.Int("entries", n),
		slog.Int("refetching", len(refetch)),
	)
	for _, key := range refetch {
		c.fetch(key)
	}
	return n
}

// SetVisible records whether the hosting view is in the foreground. Polling
// pauses while hidden; on becoming visible, polled entries that went stale
// are refetched immediately.
func (c *Cache) SetVisible(visible bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	var refetch []querykey.Key
	if visible && !was && !c.closed {
		for _, e := range c.entries {
			if len(e.subs) > 0 && e.opts.PollInterval > 0 && c.needsFetchLocked(e) {
				refetch = append(refetch, e.key)
			}
		}
	}
	c.mu.Unlock()

	if was != visible {
		c.logger.Debug("querycache: visibility changed", slog.Bool("visible", visible))
	}
	for _, key := range refetch {
		c.fetch(key)
	}
}

// Visible reports the current visibility.
func (c *Cache) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Close stops polling and GC timers and cancels in-flight fetches. It is
// safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		if e.pollStop != nil {
			close(e.pollStop)
			e.pollStop = nil
		}
		if e.gcTimer != nil {
			e.gcTimer.Stop()
			e.gcTimer = nil
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Cache) entryLocked(key querykey.Key) *entry {
	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{
			key:   key,
			state: Entry{Key: key, Status: StatusIdle},
			subs:  make(map[uint64]Listener),
		}
		c.entries[k] = e
	}
	return e
}

func (c *Cache) needsFetchLocked(e *entry) bool {
	switch {
	case e.state.Fetching || e.state.Status == StatusLoading:
		// Already in flight; joiners share it through the flight group.
		return false
	case e.state.Status == StatusIdle, e.state.Status == StatusError, e.stale:
		return true
	default:
		return !c.now().Before(e.state.StaleAt)
	}
}

// beginLocked moves the entry into its fetching state and reports whether
// the snapshot changed. Entries holding data keep their status and only set
// Fetching, so a refresh never regresses to a no-data loading state.
func (c *Cache) beginLocked(e *entry) bool {
	if e.state.HasData() {
		if e.state.Fetching {
			return false
		}
		e.state.Fetching = true
		return true
	}
	if e.state.Status == StatusLoading {
		return false
	}
	e.state.Status = StatusLoading
	e.state.Fetching = true
	e.state.RetryCount = 0
	return true
}

// fetch starts, or joins, the flight for key.
func (c *Cache) fetch(key querykey.Key) <-chan singleflight.Result {
	return c.flights.DoChan(key.String(), func() (any, error) {
		return c.run(key)
	})
}

func (c *Cache) run(key querykey.Key) (any, error) {
	k := key.String()

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || c.closed || e.fetcher == nil {
		c.mu.Unlock()
		return nil, errSuperseded
	}
	e.version++
	version := e.version
	invalidations := e.invalidations
	fetcher, opts := e.fetcher, e.opts
	var notify []Listener
	var snap Entry
	if c.beginLocked(e) {
		notify, snap = e.listeners(), e.snapshot()
	}
	c.mu.Unlock()
	c.notify(notify, snap)

	var (
		data any
		err  error
	)
	for attempt := 0; ; attempt++ {
		data, err = fetcher(c.ctx)
		if err == nil || attempt >= opts.Retry || !opts.retryable(err) || c.ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		if e.version != version {
			c.mu.Unlock()
			return nil, errSuperseded
		}
		e.state.RetryCount = attempt + 1
		c.mu.Unlock()

		delay := opts.Backoff(attempt)
		c.logger.Debug("querycache: retrying fetch",
			slog.String("key", k),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if !c.sleep(delay) {
			err = fmt.Errorf("querycache: fetch %s: %w", k, domain.ErrClosed)
			break
		}
	}

	c.mu.Lock()
	if cur, ok := c.entries[k]; !ok || cur != e || e.version != version {
		c.mu.Unlock()
		c.logger.Debug("querycache: discarding superseded result", slog.String("key", k))
		return nil, errSuperseded
	}

	now := c.now()
	e.state.Fetching = false
	if err == nil {
		e.state.Data = data
		e.state.Status = StatusSuccess
		e.state.Err = nil
		e.state.LastFetchedAt = now
		e.state.StaleAt = now.Add(opts.StaleTime)
		e.stale = e.invalidations != invalidations
	} else {
		// Keep the last good Data so the UI never drops known-good state.
		e.state.Status = StatusError
		e.state.Err = err
	}
	// Invalidated while this fetch ran: the result is already outdated.
	refetch := err == nil && e.stale && len(e.subs) > 0
	notify, snap = e.listeners(), e.snapshot()
	c.mu.Unlock()

	if refetch {
		c.fetch(key)
	}
	if err != nil {
		c.logger.Warn("querycache: fetch failed",
			slog.String("key", k),
			slog.Int("retries", snap.RetryCount),
			slog.Bool("has_data", snap.HasData()),
			slog.String("error", err.Error()),
		)
	}
	c.notify(notify, snap)
	return data, err
}

func (c *Cache) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Cache) notify(listeners []Listener, snap Entry) {
	for _, l := range listeners {
		c.safeCall(l, snap)
	}
}

func (c *Cache) safeCall(l Listener, snap Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("querycache: listener panicked",
				slog.String("key", snap.Key.String()),
				slog.Any("panic", r),
			)
		}
	}()
	l(snap)
}

func (c *Cache) pollLoop(key querykey.Key, interval time.Duration, stop <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	k := key.String()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			e, ok := c.entries[k]
			active := ok && len(e.subs) > 0 && c.visible && !c.closed
			if active && c.beginLocked(e) {
				notify, snap := e.listeners(), e.snapshot()
				c.mu.Unlock()
				c.notify(notify, snap)
			} else {
				c.mu.Unlock()
			}
			if active {
				c.fetch(key)
			}
		}
	}
}

func (c *Cache) unsubscribe(key querykey.Key, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return
	}
	delete(e.subs, id)
	if len(e.subs) > 0 {
		return
	}
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
	c.scheduleGCLocked(e)
}

func (c *Cache) scheduleGCLocked(e *entry) {
	if c.closed {
		return
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	gc := e.opts.GCTime
	if gc < 0 {
		gc = 0
	}
	e.gcTimer = time.AfterFunc(gc, func() { c.collect(e) })
}

func (c *Cache) collect(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := e.key.String()
	if cur, ok := c.entries[k]; !ok || cur != e || len(e.subs) > 0 {
		return
	}
	delete(c.entries, k)
	c.flights.Forget(k)
	c.logger.Debug("querycache: collected entry", slog.String("key", k))
}
