package trade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWallets serves wallet records, optionally blocking per user until
// released.
type fakeWallets struct {
	mu          sync.Mutex
	gates       map[string]chan struct{}
	primary     map[string]map[string]string
	primaryErr  error
	fallback    map[string]map[string]string
	fallbackErr error
	calls       []string
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{
		gates:    make(map[string]chan struct{}),
		primary:  make(map[string]map[string]string),
		fallback: make(map[string]map[string]string),
	}
}

func (f *fakeWallets) block(userID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[userID] = ch
	return ch
}

func (f *fakeWallets) wait(ctx context.Context, userID string) error {
	f.mu.Lock()
	gate := f.gates[userID]
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeWallets) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeWallets) UserWallets(ctx context.Context, userID string) (domain.UserWallets, error) {
	f.record("primary:" + userID)
	if err := f.wait(ctx, userID); err != nil {
		return domain.UserWallets{}, err
	}
	if f.primaryErr != nil {
		return domain.UserWallets{}, f.primaryErr
	}
	return domain.UserWallets{UserID: userID, WalletAddresses: f.primary[userID]}, nil
}

func (f *fakeWallets) UserWalletsFallback(ctx context.Context, userID string) (domain.UserWallets, error) {
	f.record("fallback:" + userID)
	if f.fallbackErr != nil {
		return domain.UserWallets{}, f.fallbackErr
	}
	return domain.UserWallets{UserID: userID, WalletAddresses: f.fallback[userID]}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return domain.Envelope{Event: ev}
}

func (p *recordingPublisher) initiated() []domain.TradeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.TradeSession
	for _, ev := range p.events {
		if ti, ok := ev.(domain.TradeInitiated); ok {
			out = append(out, ti.Session)
		}
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	slot    *MemorySlot
	wallets *fakeWallets
	events  *recordingPublisher

	mu        sync.Mutex
	navigated []domain.TradeSession
	loadingAt []bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		slot:    NewMemorySlot(),
		wallets: newFakeWallets(),
		events:  &recordingPublisher{},
	}
	nav := NavigatorFunc(func(_ context.Context, s domain.TradeSession) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.navigated = append(h.navigated, s)
		rowID := s.SellOrderID
		if rowID == "" {
			rowID = s.BuyOrderID
		}
		h.loadingAt = append(h.loadingAt, h.orch.Loading(rowID))
	})
	h.orch = New(h.slot, h.wallets, nav, h.events, cfg, testLogger())
	t.Cleanup(h.orch.Close)
	return h
}

func sellRow(id, username string) domain.Row {
	return domain.Row{
		ID:        id,
		Side:      domain.OrderSideSell,
		Platform:  "instagram",
		Price:     decimal.NewFromInt(100),
		Currency:  "USD",
		Username:  username,
		AccountID: "acc-" + id,
		Metrics:   []domain.KV{{Key: "followers", Value: 1500.0}},
	}
}

func TestInitiate_OptimisticNavigation(t *testing.T) {
	h := newHarness(t, Config{})
	gate := h.wallets.block("seller-1")
	h.wallets.primary["seller-1"] = map[string]string{"eth": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"}

	row := sellRow("o1", "insta_sam")
	s, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "seller-1"}, row)
	require.NoError(t, err)

	// Everything synchronous happened while the wallet lookup is still blocked.
	assert.Equal(t, domain.OrderSideBuy, s.ChatType)
	assert.Equal(t, "o1", s.SellOrderID)
	assert.Empty(t, s.BuyOrderID)
	assert.Equal(t, "insta_sam", s.Username)
	assert.Equal(t, "acc-o1", s.AccountID)
	assert.Empty(t, s.WalletAddresses)
	assert.NotNil(t, s.WalletAddresses)

	stored, err := h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)

	h.mu.Lock()
	require.Len(t, h.navigated, 1)
	assert.Equal(t, []bool{true}, h.loadingAt, "loading covers navigation")
	h.mu.Unlock()
	assert.False(t, h.orch.Loading("o1"), "loading clears once Initiate returns")
	require.Len(t, h.events.initiated(), 1)

	close(gate)
	h.orch.Wait()

	stored, err = h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", stored.WalletAddresses["eth"])
	assert.Equal(t, StateSettled, h.orch.State())

	published := h.events.initiated()
	require.Len(t, published, 2, "re-broadcast after enrichment")
	assert.Equal(t, stored.WalletAddresses, published[1].WalletAddresses)
	assert.Empty(t, published[0].WalletAddresses, "first broadcast is not mutated later")
}

func TestInitiate_LateEnrichmentDoesNotClobberNewerSession(t *testing.T) {
	h := newHarness(t, Config{})
	gateP := h.wallets.block("p-user")
	h.wallets.primary["p-user"] = map[string]string{"eth": "0x1111111111111111111111111111111111111111"}
	h.wallets.primary["r-user"] = map[string]string{"sol": "RSolanaAddress"}
	gateR := h.wallets.block("r-user")

	p, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "p-user"}, sellRow("P", "pp"))
	require.NoError(t, err)
	r, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "r-user"}, sellRow("R", "rr"))
	require.NoError(t, err)

	stored, err := h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID, "persisted session is R's immediately after initiate")

	// P's lookup resolves late.
	close(gateP)
	require.Eventually(t, func() bool {
		h.wallets.mu.Lock()
		defer h.wallets.mu.Unlock()
		return len(h.wallets.calls) == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stored, err = h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.ID, stored.ID)
	assert.Equal(t, "R", stored.SellOrderID)
	assert.Equal(t, "rr", stored.Username)
	assert.Empty(t, stored.WalletAddresses, "P's wallets must not land in R's session")

	close(gateR)
	h.orch.Wait()

	stored, err = h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sol": "RSolanaAddress"}, stored.WalletAddresses)

	pending, ok := h.orch.Pending()
	require.True(t, ok)
	assert.Equal(t, r.ID, pending.ID)
	assert.NotEqual(t, p.ID, pending.ID)

	for _, s := range h.events.initiated() {
		if s.ID == p.ID {
			assert.Empty(t, s.WalletAddresses, "no enrichment broadcast for the superseded session")
		}
	}
}

func TestInitiate_FallbackRoute(t *testing.T) {
	h := newHarness(t, Config{})
	h.wallets.primaryErr = domain.ErrNotFound
	h.wallets.fallback["u"] = map[string]string{"btc": " bc1qxyz "}

	_, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "u"}, sellRow("o", "n"))
	require.NoError(t, err)
	h.orch.Wait()

	stored, err := h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"btc": "bc1qxyz"}, stored.WalletAddresses)
	assert.Equal(t, []string{"primary:u", "fallback:u"}, h.wallets.calls)
}

func TestInitiate_EnrichmentFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.wallets.primaryErr = errors.New("primary down")
	h.wallets.fallbackErr = errors.New("fallback down")

	s, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "u"}, sellRow("o", "n"))
	require.NoError(t, err)
	h.orch.Wait()

	stored, err := h.slot.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID, "navigation is never reverted")
	assert.Empty(t, stored.WalletAddresses)
	assert.Equal(t, StateEnrichmentFailed, h.orch.State())
	assert.Len(t, h.events.initiated(), 1)
}

func TestInitiate_BuyRow(t *testing.T) {
	h := newHarness(t, Config{})
	row := domain.Row{
		ID:   "b1",
		Side: domain.OrderSideBuy,
		Raw:  &domain.RawOrder{Handle: "from_raw"},
	}
	s, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "buyer"}, row)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, domain.OrderSideSell, s.ChatType)
	assert.Equal(t, "b1", s.BuyOrderID)
	assert.Empty(t, s.SellOrderID)
	assert.Equal(t, "from_raw", s.Username)
}

func TestInitiate_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Initiate(context.Background(), domain.Counterparty{}, sellRow("o", "n"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.orch.Initiate(context.Background(), domain.Counterparty{ID: "u"}, domain.Row{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.slot.Get(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInitiate_Confirm(t *testing.T) {
	var seen domain.TradeSession
	h := newHarness(t, Config{Confirm: func(_ context.Context, draft domain.TradeSession) (bool, error) {
		seen = draft
		return false, nil
	}})

	_, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "u"}, sellRow("o", "n"))
	assert.ErrorIs(t, err, domain.ErrTradeCancelled)
	assert.Equal(t, "o", seen.SellOrderID)
	assert.Equal(t, StateIdle, h.orch.State())
	assert.False(t, h.orch.Loading("o"))
	assert.Empty(t, h.events.initiated())

	_, ok := h.orch.Pending()
	assert.False(t, ok)
}

func TestInitiate_LoadingExcludesConfirmation(t *testing.T) {
	var h *harness
	var loadingDuringConfirm bool
	h = newHarness(t, Config{Confirm: func(_ context.Context, _ domain.TradeSession) (bool, error) {
		loadingDuringConfirm = h.orch.Loading("o")
		return true, nil
	}})

	_, err := h.orch.Initiate(context.Background(), domain.Counterparty{ID: "u"}, sellRow("o", "n"))
	require.NoError(t, err)
	assert.False(t, loadingDuringConfirm)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.loadingAt, 1)
	assert.True(t, h.loadingAt[0], "loading covers navigation")
}

// gatedSlot holds every MergeWallets call until release is closed.
type gatedSlot struct {
	*MemorySlot
	entered chan string
	release chan struct{}
}

func (s *gatedSlot) MergeWallets(ctx context.Context, sessionID string, addresses map[string]string) (domain.TradeSession, error) {
	select {
	case s.entered <- sessionID:
	default:
	}
	<-s.release
	return s.MemorySlot.MergeWallets(ctx, sessionID, addresses)
}

func TestInitiate_NotBlockedBySlowMerge(t *testing.T) {
	slot := &gatedSlot{
		MemorySlot: NewMemorySlot(),
		entered:    make(chan string, 4),
		release:    make(chan struct{}),
	}
	wallets := newFakeWallets()
	wallets.primary["seller-p"] = map[string]string{"eth": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"}
	events := &recordingPublisher{}
	nav := NavigatorFunc(func(context.Context, domain.TradeSession) {})
	orch := New(slot, wallets, nav, events, Config{}, testLogger())
	t.Cleanup(func() {
		select {
		case <-slot.release:
		default:
			close(slot.release)
		}
		orch.Close()
	})
	ctx := context.Background()

	first, err := orch.Initiate(ctx, domain.Counterparty{ID: "seller-p"}, sellRow("p", "first"))
	require.NoError(t, err)
	select {
	case id := <-slot.entered:
		require.Equal(t, first.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment never reached the slot")
	}

	done := make(chan domain.TradeSession, 1)
	go func() {
		s, err := orch.Initiate(ctx, domain.Counterparty{ID: "seller-r"}, sellRow("r", "second"))
		assert.NoError(t, err)
		done <- s
	}()

	var second domain.TradeSession
	select {
	case second = <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Initiate waited on an in-flight wallet merge")
	}

	close(slot.release)
	orch.Wait()

	pending, ok := orch.Pending()
	require.True(t, ok)
	assert.Equal(t, second.ID, pending.ID)
	assert.Empty(t, pending.WalletAddresses)

	stored, err := slot.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
	assert.Empty(t, stored.WalletAddresses)
}

func TestCanonicalWallets(t *testing.T) {
	got := CanonicalWallets(map[string]string{
		"eth":   " 0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ",
		"sol":   "So1anaAddr",
		"empty": "  ",
		" ":     "x",
	})
	assert.Equal(t, map[string]string{
		"eth": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"sol": "So1anaAddr",
	}, got)
}

func TestMemorySlot(t *testing.T) {
	slot := NewMemorySlot()
	ctx := context.Background()

	_, err := slot.MergeWallets(ctx, "a", map[string]string{"eth": "x"})
	assert.ErrorIs(t, err, domain.ErrSessionSuperseded)

	require.NoError(t, slot.Put(ctx, domain.TradeSession{ID: "a"}))
	require.NoError(t, slot.Put(ctx, domain.TradeSession{ID: "b"}))

	_, err = slot.MergeWallets(ctx, "a", map[string]string{"eth": "x"})
	assert.ErrorIs(t, err, domain.ErrSessionSuperseded)

	s, err := slot.MergeWallets(ctx, "b", map[string]string{"eth": "y"})
	require.NoError(t, err)
	assert.Equal(t, "y", s.WalletAddresses["eth"])

	// Returned copies are detached from the slot.
	s.WalletAddresses["eth"] = "mutated"
	got, err := slot.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", got.WalletAddresses["eth"])
}
