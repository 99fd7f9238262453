package trade

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// MemorySlot is an in-process domain.SessionSlot.
type MemorySlot struct {
	mu      sync.Mutex
	session *domain.TradeSession
}

// NewMemorySlot creates an empty slot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{}
}

// Put overwrites the slot.
func (s *MemorySlot) Put(_ context.Context, session domain.TradeSession) error {
	c := session.Clone()
	s.mu.Lock()
	s.session = &c
	s.mu.Unlock()
	return nil
}

// Get returns the stored session or domain.ErrNotFound.
func (s *MemorySlot) Get(_ context.Context) (domain.TradeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return domain.TradeSession{}, fmt.Errorf("trade: session slot: %w", domain.ErrNotFound)
	}
	return s.session.Clone(), nil
}

// MergeWallets merges addresses into the stored session if it is still
// sessionID.
func (s *MemorySlot) MergeWallets(_ context.Context, sessionID string, addresses map[string]string) (domain.TradeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.ID != sessionID {
		return domain.TradeSession{}, fmt.Errorf("trade: merge into %s: %w", sessionID, domain.ErrSessionSuperseded)
	}
	s.session.MergeWallets(addresses)
	return s.session.Clone(), nil
}

var _ domain.SessionSlot = (*MemorySlot)(nil)
