package normalize

import (
	"bytes"
	"sync"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// Memo caches the last normalized result per side. When the payload bytes
// are unchanged it returns the previous slice itself, so downstream consumers
// comparing by reference can skip recomputation.
type Memo struct {
	n *Normalizer

	mu   sync.Mutex
	last map[domain.OrderSide]memoEntry
}

type memoEntry struct {
	payload []byte
	rows    []domain.Row
}

// NewMemo wraps n.
func NewMemo(n *Normalizer) *Memo {
	return &Memo{n: n, last: make(map[domain.OrderSide]memoEntry)}
}

// Rows is Normalizer.Rows with memoization on (payload, side).
func (m *Memo) Rows(payload []byte, side domain.OrderSide) []domain.Row {
	m.mu.Lock()
	if e, ok := m.last[side]; ok && bytes.Equal(e.payload, payload) {
		m.mu.Unlock()
		return e.rows
	}
	m.mu.Unlock()

	rows := m.n.Rows(payload, side)

	m.mu.Lock()
	m.last[side] = memoEntry{payload: bytes.Clone(payload), rows: rows}
	m.mu.Unlock()
	return rows
}
