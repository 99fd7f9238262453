// Package trade orchestrates the optimistic hand-off from an order row into a
// chat/trade session. The session is built, persisted and announced
// synchronously; wallet addresses are resolved in the background and merged
// only into the session they were requested for.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/normalize"
)

// DefaultEnrichTimeout bounds one background wallet enrichment.
const DefaultEnrichTimeout = 15 * time.Second

// State is the orchestrator's current step.
type State int

const (
	StateIdle State = iota
	StateConfirming
	StateInitiating
	StateNavigated
	StateEnriching
	StateSettled
	StateEnrichmentFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfirming:
		return "confirming"
	case StateInitiating:
		return "initiating"
	case StateNavigated:
		return "navigated_optimistically"
	case StateEnriching:
		return "enriching_wallet"
	case StateSettled:
		return "settled"
	case StateEnrichmentFailed:
		return "enrichment_failed"
	default:
		return "unknown"
	}
}

// ConfirmFunc asks the user to confirm a trade. Returning false cancels it.
type ConfirmFunc func(ctx context.Context, draft domain.TradeSession) (bool, error)

// Publisher broadcasts events process-wide.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) domain.Envelope
}

// NavigatorFunc adapts a function to domain.Navigator.
type NavigatorFunc func(ctx context.Context, session domain.TradeSession)

// OpenTrade implements domain.Navigator.
func (f NavigatorFunc) OpenTrade(ctx context.Context, session domain.TradeSession) { f(ctx, session) }

// Config holds optional orchestrator settings.
type Config struct {
	EnrichTimeout time.Duration
	Confirm       ConfirmFunc
}

// Orchestrator runs trade initiation. It is safe for concurrent use.
type Orchestrator struct {
	slot    domain.SessionSlot
	wallets domain.WalletLookup
	nav     domain.Navigator
	events  Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// initMu serializes the persist-and-announce step of Initiate.
	initMu sync.Mutex

	mu      sync.Mutex
	pending *domain.TradeSession
	state   State

	loadMu  sync.Mutex
	loading map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(slot domain.SessionSlot, wallets domain.WalletLookup, nav domain.Navigator, events Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = DefaultEnrichTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		slot:    slot,
		wallets: wallets,
		nav:     nav,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "trade")),
		now:     time.Now,
		loading: make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Initiate starts a trade with counterparty on row. It persists the new
// session (replacing any pending one), navigates to the trade surface and
// broadcasts TradeInitiated before any network call, then enriches the
// session's wallet addresses in the background. The returned session has an
// empty wallet map.
func (o *Orchestrator) Initiate(ctx context.Context, counterparty domain.Counterparty, row domain.Row) (domain.TradeSession, error) {
	if strings.TrimSpace(counterparty.ID) == "" {
		return domain.TradeSession{}, fmt.Errorf("trade: initiate: counterparty id: %w", domain.ErrValidation)
	}
	if !row.Side.Valid() || row.ID == "" {
		return domain.TradeSession{}, fmt.Errorf("trade: initiate: row %q: %w", row.ID, domain.ErrValidation)
	}

	session := o.build(counterparty, row)

	if o.cfg.Confirm != nil {
		o.setState(StateConfirming)
		ok, err := o.cfg.Confirm(ctx, session.Clone())
		if err != nil || !ok {
			o.setState(StateIdle)
			if err != nil {
				return domain.TradeSession{}, fmt.Errorf("trade: confirm: %w", err)
			}
			return domain.TradeSession{}, domain.ErrTradeCancelled
		}
	}

	o.setLoading(row.ID, true)
	defer o.setLoading(row.ID, false)

	o.initMu.Lock()
	o.setState(StateInitiating)
	if err := o.slot.Put(ctx, session); err != nil {
		o.initMu.Unlock()
		o.setState(StateIdle)
		return domain.TradeSession{}, fmt.Errorf("trade: persist session: %w", err)
	}
	o.mu.Lock()
	pending := session.Clone()
	o.pending = &pending
	o.state = StateNavigated
	o.mu.Unlock()
	o.initMu.Unlock()

	o.logger.InfoContext(ctx, "trade: session initiated",
		slog.String("session_id", session.ID),
		slog.String("counterparty_id", session.CounterpartyID),
		slog.String("chat_type", string(session.ChatType)),
		slog.String("row_id", row.ID),
	)

	o.nav.OpenTrade(ctx, session.Clone())
	o.events.Publish(ctx, domain.TradeInitiated{Session: session.Clone()})

	o.wg.Add(1)
	go o.enrich(session.ID, session.CounterpartyID)

	return session.Clone(), nil
}

// build constructs the session for row without any network call. The
// initiator's chat type is the complement of the row's side.
func (o *Orchestrator) build(counterparty domain.Counterparty, row domain.Row) domain.TradeSession {
	username := row.Username
	if row.Raw != nil {
		username = normalize.ResolveUsername(row.Raw)
	}
	if username == "" {
		username = normalize.UsernameUnknown
	}

	s := domain.TradeSession{
		ID:              uuid.NewString(),
		CounterpartyID:  strings.TrimSpace(counterparty.ID),
		ChatType:        row.Side.Opposite(),
		AccountID:       row.AccountID,
		WalletAddresses: map[string]string{},
		Platform:        row.Platform,
		Username:        username,
		Price:           row.Price,
		Currency:        row.Currency,
		Metrics:         row.Metrics,
		Filters:         row.Filters,
		CreatedAt:       o.now().UTC(),
	}
	if row.Side == domain.OrderSideSell {
		s.SellOrderID = row.ID
	} else {
		s.BuyOrderID = row.ID
	}
	return s.Clone()
}

// enrich resolves wallet addresses for the session sessionID and merges them
// only if that session is still the pending one.
func (o *Orchestrator) enrich(sessionID, userID string) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.EnrichTimeout)
	defer cancel()

	o.transition(sessionID, StateEnriching)

	wallets, err := o.lookup(ctx, userID)
	if err != nil {
		o.logger.Warn("trade: wallet enrichment failed",
			slog.String("session_id", sessionID),
			slog.String("user_id", userID),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrEnrichment, err).Error()),
		)
		o.transition(sessionID, StateEnrichmentFailed)
		return
	}
	addresses := CanonicalWallets(wallets.WalletAddresses)

	if !o.isPending(sessionID) {
		o.logger.Debug("trade: discarding enrichment for superseded session", slog.String("session_id", sessionID))
		return
	}
	stored, err := o.slot.MergeWallets(ctx, sessionID, addresses)
	if err != nil {
		if errors.Is(err, domain.ErrSessionSuperseded) {
			o.logger.Debug("trade: slot holds a newer session", slog.String("session_id", sessionID))
			return
		}
		o.logger.Warn("trade: merge wallets failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		o.transition(sessionID, StateEnrichmentFailed)
		return
	}

	// The slot merge ran unlocked; a newer Initiate may have replaced the
	// pending session meanwhile.
	o.mu.Lock()
	if o.pending == nil || o.pending.ID != sessionID {
		o.mu.Unlock()
		o.logger.Debug("trade: session superseded during merge", slog.String("session_id", sessionID))
		return
	}
	o.pending.MergeWallets(addresses)
	o.state = StateSettled
	updated := o.pending.Clone()
	o.mu.Unlock()

	o.logger.Info("trade: wallets merged",
		slog.String("session_id", sessionID),
		slog.Int("wallets", len(stored.WalletAddresses)),
	)
	o.events.Publish(ctx, domain.TradeInitiated{Session: updated})
}

// lookup tries the primary wallet route, then the fallback route.
func (o *Orchestrator) lookup(ctx context.Context, userID string) (domain.UserWallets, error) {
	w, err := o.wallets.UserWallets(ctx, userID)
	if err == nil {
		return w, nil
	}
	o.logger.Debug("trade: primary wallet lookup failed, trying fallback",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	w, fbErr := o.wallets.UserWalletsFallback(ctx, userID)
	if fbErr != nil {
		return domain.UserWallets{}, fmt.Errorf("primary: %v; fallback: %w", err, fbErr)
	}
	return w, nil
}

// CanonicalWallets trims addresses, drops empty ones and rewrites EVM hex
// addresses in EIP-55 checksum form.
func CanonicalWallets(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for chain, addr := range in {
		chain, addr = strings.TrimSpace(chain), strings.TrimSpace(addr)
		if chain == "" || addr == "" {
			continue
		}
		if common.IsHexAddress(addr) {
			addr = common.HexToAddress(addr).Hex()
		}
		out[chain] = addr
	}
	return out
}

// Pending returns the currently pending session.
func (o *Orchestrator) Pending() (domain.TradeSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return domain.TradeSession{}, false
	}
	return o.pending.Clone(), true
}

// Current reads the persisted session from the slot, as the trade surface
// does on entry.
func (o *Orchestrator) Current(ctx context.Context) (domain.TradeSession, error) {
	return o.slot.Get(ctx)
}

// State returns the current step.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Loading reports whether an Initiate for rowID is between confirmation and
// the optimistic navigation.
func (o *Orchestrator) Loading(rowID string) bool {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	return o.loading[rowID] > 0
}

// Wait blocks until all background enrichments finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels background enrichments and waits for them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) setLoading(rowID string, on bool) {
	o.loadMu.Lock()
	defer o.loadMu.Unlock()
	if on {
		o.loading[rowID]++
		return
	}
	if o.loading[rowID]--; o.loading[rowID] <= 0 {
		delete(o.loading, rowID)
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) isPending(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil && o.pending.ID == sessionID
}

// transition sets the state only while sessionID is still pending.
func (o *Orchestrator) transition(sessionID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil && o.pending.ID == sessionID {
		o.state = s
	}
}
