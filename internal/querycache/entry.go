package querycache

import (
	"context"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/querykey"
)

// Status is the lifecycle status of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a read-only snapshot of one cache slot. Data is shared with the
// cache and must not be mutated.
type Entry struct {
	Key           querykey.Key
	Data          any
	Status        Status
	Err           error
	Fetching      bool // a background fetch is running
	LastFetchedAt time.Time
	StaleAt       time.Time
	RetryCount    int
}

// HasData reports whether the entry holds a successfully fetched value,
// possibly older than the latest failure.
func (e Entry) HasData() bool {
	return !e.LastFetchedAt.IsZero()
}

// Data returns the entry's value as T.
func Data[T any](e Entry) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}

// Fetcher loads the value for one key.
type Fetcher func(ctx context.Context) (any, error)

// Listener receives a snapshot every time an entry changes.
type Listener func(Entry)

// Options controls freshness, retention, polling and retry for a key.
type Options struct {
	// StaleTime is how long fetched data is served without refetching.
	StaleTime time.Duration
	// GCTime is how long an entry is retained after its last subscriber leaves.
	GCTime time.Duration
	// PollInterval enables periodic refetch while subscribed and visible.
	PollInterval time.Duration
	// Retry is the number of retries after the first failed attempt.
	Retry int
	// RetryDelay is the first backoff delay; each retry doubles it.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// Retryable classifies errors; nil means domain.IsRetryable.
	Retryable func(error) bool
}

// DefaultOptions returns the options used by the order lists.
func DefaultOptions() Options {
	return Options{
		StaleTime:     30 * time.Second,
		GCTime:        5 * time.Minute,
		Retry:         3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

func (o Options) retryable(err error) bool {
	if o.Retryable != nil {
		return o.Retryable(err)
	}
	return domain.IsRetryable(err)
}

// Backoff returns the delay before retry number attempt (0-based):
// RetryDelay * 2^attempt, capped at MaxRetryDelay.
func (o Options) Backoff(attempt int) time.Duration {
	if o.RetryDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 * any positive delay already exceeds any sane ceiling.
	if attempt > 30 {
		attempt = 30
	}
	d := o.RetryDelay * time.Duration(1<<attempt)
	if o.MaxRetryDelay > 0 && (d > o.MaxRetryDelay || d <= 0) {
		return o.MaxRetryDelay
	}
	return d
}
