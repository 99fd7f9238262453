package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

const (
	sessionSlotKey = "trade:pending"
	// DefaultSessionTTL bounds how long an abandoned pending session lingers.
	DefaultSessionTTL = 24 * time.Hour
	// mergeAttempts is how many optimistic transactions MergeWallets tries
	// before giving up on a contended slot.
	mergeAttempts = 5
)

// errSlotContended is returned when every optimistic merge attempt lost a
// race against a concurrent writer.
var errSlotContended = errors.New("session slot contended")

// SessionSlot implements domain.SessionSlot as a single JSON value. Writes
// are last-write-wins; MergeWallets is a compare-then-merge guarded by WATCH
// so a late enrichment can never overwrite a newer session.
//
// Key schema:
//
//	{ns}:trade:pending - JSON-encoded domain.TradeSession
type SessionSlot struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewSessionSlot creates a SessionSlot. A non-positive ttl uses
// DefaultSessionTTL.
func NewSessionSlot(c *Client, ttl time.Duration) *SessionSlot {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionSlot{rdb: c.Underlying(), key: c.Key(sessionSlotKey), ttl: ttl}
}

// Put overwrites the slot.
func (s *SessionSlot) Put(ctx context.Context, session domain.TradeSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("redis: marshal session %s: %w", session.ID, err)
	}
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: put session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the pending session or domain.ErrNotFound.
func (s *SessionSlot) Get(ctx context.Context) (domain.TradeSession, error) {
	return s.get(ctx, s.rdb)
}

// MergeWallets merges addresses into the stored session if and only if the
// stored session's ID is sessionID.
func (s *SessionSlot) MergeWallets(ctx context.Context, sessionID string, addresses map[string]string) (domain.TradeSession, error) {
	var merged domain.TradeSession

	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrSessionSuperseded
			}
			return err
		}
		if cur.ID != sessionID {
			return domain.ErrSessionSuperseded
		}
		cur.MergeWallets(addresses)

		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		merged = cur
		return nil
	}

	for range mergeAttempts {
		err := s.rdb.Watch(ctx, txf, s.key)
		switch {
		case err == nil:
			return merged.Clone(), nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return domain.TradeSession{}, fmt.Errorf("redis: merge wallets %s: %w", sessionID, err)
		}
	}
	return domain.TradeSession{}, fmt.Errorf("redis: merge wallets %s: %w", sessionID, errSlotContended)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *SessionSlot) get(ctx context.Context, c getter) (domain.TradeSession, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TradeSession{}, domain.ErrNotFound
		}
		return domain.TradeSession{}, fmt.Errorf("redis: get session: %w", err)
	}

	var session domain.TradeSession
	if err := json.Unmarshal(data, &session); err != nil {
		return domain.TradeSession{}, fmt.Errorf("redis: unmarshal session: %w", err)
	}
	return session.Clone(), nil
}

var _ domain.SessionSlot = (*SessionSlot)(nil)
