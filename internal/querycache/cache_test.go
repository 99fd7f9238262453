package querycache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/querykey"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		StaleTime:     time.Minute,
		GCTime:        time.Minute,
		Retry:         2,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	}
}

// recorder collects listener snapshots.
type recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recorder) listen(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Status)
	}
	return out
}

func waitStatus(t *testing.T, c *Cache, key querykey.Key, want Status) Entry {
	t.Helper()
	var got Entry
	require.Eventually(t, func() bool {
		e, ok := c.Peek(key)
		got = e
		return ok && e.Status == want && !e.Fetching
	}, time.Second, time.Millisecond)
	return got
}

func TestCache_ConcurrentSubscribersShareOneFetch(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	key := querykey.OrdersAll(domain.OrderSideSell)
	rec := &recorder{}
	s1 := c.Subscribe(context.Background(), key, fetch, fastOptions(), rec.listen)
	s2 := c.Subscribe(context.Background(), key, fetch, fastOptions(), nil)
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	assert.Equal(t, StatusLoading, s1.Entry().Status)
	close(release)

	e := waitStatus(t, c, key, StatusSuccess)
	assert.Equal(t, "payload", e.Data)
	assert.Equal(t, int32(1), calls.Load())

	// Listener observed idle->loading->success, never regressing.
	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.Status == StatusSuccess
	}, time.Second, time.Millisecond)
	assert.Equal(t, []Status{StatusLoading, StatusSuccess}, rec.statuses())
}

func TestCache_FreshEntryServedWithoutFetch(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return []byte("v1"), nil
	}
	key := querykey.OrdersAll(domain.OrderSideBuy)

	e, err := c.Prefetch(context.Background(), key, fetch, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, e.Status)

	sub := c.Subscribe(context.Background(), key, fetch, fastOptions(), nil)
	defer sub.Unsubscribe()

	got, ok := Data[[]byte](sub.Entry())
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_StaleEntryRevalidatesWithoutDroppingData(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(testLogger(), WithClock(clock))
	defer c.Close()

	var calls atomic.Int32
	release := make(chan struct{}, 1)
	fetch := func(ctx context.Context) (any, error) {
		n := calls.Add(1)
		if n > 1 {
			<-release
		}
		return int(n), nil
	}
	key := querykey.OrdersAll(domain.OrderSideSell)
	opts := fastOptions()
	opts.StaleTime = 10 * time.Second

	_, err := c.Prefetch(context.Background(), key, fetch, opts)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()

	sub := c.Subscribe(context.Background(), key, fetch, opts, nil)
	defer sub.Unsubscribe()

	during := sub.Entry()
	assert.Equal(t, StatusSuccess, during.Status, "revalidation must not regress to loading")
	assert.True(t, during.Fetching)
	assert.Equal(t, 1, during.Data)

	release <- struct{}{}
	require.Eventually(t, func() bool {
		e := sub.Entry()
		return !e.Fetching && e.Data == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_RetriesNetworkFailures(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, domain.ErrNetwork
		}
		return "ok", nil
	}

	e, err := c.Prefetch(context.Background(), querykey.Wallets("u1"), fetch, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Equal(t, "ok", e.Data)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, e.RetryCount)
}

func TestCache_TerminalFailureIsNotRetried(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, domain.ErrClient
	}

	e, err := c.Prefetch(context.Background(), querykey.Wallets("u1"), fetch, fastOptions())
	require.ErrorIs(t, err, domain.ErrClient)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_RetriesExhausted(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, domain.ErrNetwork
	}

	e, err := c.Prefetch(context.Background(), querykey.Wallets("u1"), fetch, fastOptions())
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
}

func TestCache_StaleWhileError(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var fail atomic.Bool
	fetch := func(ctx context.Context) (any, error) {
		if fail.Load() {
			return nil, domain.ErrClient
		}
		return "good", nil
	}
	key := querykey.OrdersAll(domain.OrderSideSell)

	sub := c.Subscribe(context.Background(), key, fetch, fastOptions(), nil)
	defer sub.Unsubscribe()
	waitStatus(t, c, key, StatusSuccess)

	fail.Store(true)
	assert.Equal(t, 1, c.Invalidate(querykey.OrdersPrefix()))

	e := waitStatus(t, c, key, StatusError)
	assert.Equal(t, "good", e.Data, "last good data is retained")
	assert.True(t, e.HasData())
	assert.ErrorIs(t, e.Err, domain.ErrClient)
}

func TestCache_InvalidateByPrefix(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls sync.Map
	fetcher := func(name string) Fetcher {
		return func(ctx context.Context) (any, error) {
			v, _ := calls.LoadOrStore(name, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
			return name, nil
		}
	}
	count := func(name string) int32 {
		v, ok := calls.Load(name)
		if !ok {
			return 0
		}
		return v.(*atomic.Int32).Load()
	}

	sell := querykey.OrdersAll(domain.OrderSideSell)
	buy := querykey.OrdersAll(domain.OrderSideBuy)
	wallets := querykey.Wallets("u1")

	for _, k := range []querykey.Key{sell, buy, wallets} {
		sub := c.Subscribe(context.Background(), k, fetcher(k.String()), fastOptions(), nil)
		defer sub.Unsubscribe()
		waitStatus(t, c, k, StatusSuccess)
	}

	n := c.Invalidate(querykey.OrdersPrefix())
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		return count(sell.String()) == 2 && count(buy.String()) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), count(wallets.String()))
}

func TestCache_InvalidateWithoutSubscriberRefetchesOnNextUse(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}
	key := querykey.OrdersAll(domain.OrderSideSell)

	_, err := c.Prefetch(context.Background(), key, fetch, fastOptions())
	require.NoError(t, err)
	c.Invalidate(querykey.SideOrdersPrefix(domain.OrderSideSell))
	assert.Equal(t, int32(1), calls.Load(), "no subscriber, no background refetch")

	e, err := c.Prefetch(context.Background(), key, fetch, fastOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, e.Data)
}

func TestCache_LateResultIsDiscarded(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	firstRelease := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			<-firstRelease
			return "old", nil
		}
		return "new", nil
	}
	key := querykey.OrdersAll(domain.OrderSideSell)

	sub := c.Subscribe(context.Background(), key, fetch, fastOptions(), nil)
	defer sub.Unsubscribe()

	// Supersede the in-flight fetch.
	c.Invalidate(querykey.OrdersPrefix())
	require.Eventually(t, func() bool {
		e := sub.Entry()
		return e.Data == "new"
	}, time.Second, time.Millisecond)

	close(firstRelease)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "new", sub.Entry().Data)
}

func TestCache_PollingPausesWhileHidden(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}
	opts := fastOptions()
	opts.PollInterval = 5 * time.Millisecond
	key := querykey.OrdersAll(domain.OrderSideSell)

	sub := c.Subscribe(context.Background(), key, fetch, opts, nil)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	c.SetVisible(false)
	time.Sleep(20 * time.Millisecond)
	paused := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, paused, calls.Load(), "no polling while hidden")

	c.SetVisible(true)
	require.Eventually(t, func() bool { return calls.Load() > paused }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	time.Sleep(20 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load(), "no polling without subscribers")
}

func TestCache_GarbageCollectsUnusedEntries(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	opts := fastOptions()
	opts.GCTime = 10 * time.Millisecond
	key := querykey.OrdersAll(domain.OrderSideSell)
	fetch := func(ctx context.Context) (any, error) { return "x", nil }

	sub := c.Subscribe(context.Background(), key, fetch, opts, nil)
	waitStatus(t, c, key, StatusSuccess)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, ok := c.Peek(key)
		return !ok
	}, time.Second, time.Millisecond)
}

func TestCache_ResubscribeCancelsCollection(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	opts := fastOptions()
	opts.GCTime = 20 * time.Millisecond
	key := querykey.OrdersAll(domain.OrderSideSell)
	fetch := func(ctx context.Context) (any, error) { return "x", nil }

	sub := c.Subscribe(context.Background(), key, fetch, opts, nil)
	waitStatus(t, c, key, StatusSuccess)
	sub.Unsubscribe()

	again := c.Subscribe(context.Background(), key, fetch, opts, nil)
	defer again.Unsubscribe()
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Peek(key)
	assert.True(t, ok)
}

func TestCache_PrefetchHonoursContext(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	block := make(chan struct{})
	defer close(block)
	fetch := func(ctx context.Context) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, errors.New("unreachable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Prefetch(ctx, querykey.Wallets("u1"), fetch, fastOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_ListenerPanicIsContained(t *testing.T) {
	c := New(testLogger())
	defer c.Close()

	key := querykey.OrdersAll(domain.OrderSideSell)
	fetch := func(ctx context.Context) (any, error) { return "x", nil }

	sub := c.Subscribe(context.Background(), key, fetch, fastOptions(), func(Entry) { panic("boom") })
	defer sub.Unsubscribe()
	waitStatus(t, c, key, StatusSuccess)
}

func TestOptions_Backoff(t *testing.T) {
	o := Options{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, o.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, o.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, o.Backoff(3))
	assert.Equal(t, time.Second, o.Backoff(4))
	assert.Equal(t, time.Second, o.Backoff(100))
	assert.Equal(t, time.Duration(0), Options{}.Backoff(2))
}
