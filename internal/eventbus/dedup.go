package eventbus

import (
	"sync"
	"time"
)

// sweepThreshold triggers an inline sweep of expired ids.
const sweepThreshold = 4096

// Dedup remembers event ids for a time-to-live window so duplicate or
// replayed deliveries are dropped. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // event id -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats an id as duplicate within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate returns true if id was seen within the TTL window. Otherwise
// it records id and returns false.
func (d *Dedup) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.seen[id]; ok && now.Sub(seen) < d.ttl {
		return true
	}
	if len(d.seen) >= sweepThreshold {
		d.sweepLocked(now)
	}
	d.seen[id] = now
	return false
}

// Cleanup removes expired ids.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked(d.now())
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dedup) sweepLocked(now time.Time) {
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
