package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/socialmarket/internal/channel"
	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/filter"
	"github.com/alanyoungcy/socialmarket/internal/querycache"
	"github.com/alanyoungcy/socialmarket/internal/server/handler"
	"github.com/alanyoungcy/socialmarket/internal/service"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeOrders struct {
	rows      []domain.Row
	rowsErr   error
	lastSpecs []filter.Spec
	created   domain.UserOrder
	updated   domain.UserOrder
	deleted   string
	writeErr  error
}

func (f *fakeOrders) view(side domain.OrderSide) service.OrderView {
	return service.OrderView{
		Key:           fmt.Sprintf(`["orders",%q,"all"]`, side),
		Rows:          f.rows,
		Status:        querycache.StatusSuccess,
		LastFetchedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeOrders) Rows(_ context.Context, side domain.OrderSide, specs []filter.Spec) (service.OrderView, error) {
	f.lastSpecs = specs
	if f.rowsErr != nil {
		v := f.view(side)
		v.Status = querycache.StatusError
		return v, f.rowsErr
	}
	return f.view(side), nil
}

func (f *fakeOrders) Refresh(ctx context.Context, side domain.OrderSide) (service.OrderView, error) {
	return f.Rows(ctx, side, nil)
}

func (f *fakeOrders) UserRows(_ context.Context, userID string, side domain.OrderSide) (service.OrderView, error) {
	v := f.view(side)
	v.Key = fmt.Sprintf(`["orders","user",%q,%q]`, userID, side)
	return v, nil
}

func (f *fakeOrders) CreateUserOrder(_ context.Context, _ string, order domain.UserOrder) (string, error) {
	f.created = order
	return "new-1", f.writeErr
}

func (f *fakeOrders) UpdateUserOrder(_ context.Context, _ string, order domain.UserOrder) error {
	f.updated = order
	return f.writeErr
}

func (f *fakeOrders) DeleteUserOrder(_ context.Context, _ string, _ domain.OrderSide, orderID string) error {
	f.deleted = orderID
	return f.writeErr
}

func (f *fakeOrders) Row(_ context.Context, _ domain.OrderSide, rowID string) (domain.Row, error) {
	for _, r := range f.rows {
		if r.ID == rowID {
			return r, nil
		}
	}
	return domain.Row{}, domain.ErrNotFound
}

type fakeTrades struct {
	pending    *domain.TradeSession
	initiated  domain.Row
	initErr    error
	synced     *channel.BuildOptions
	metadata   map[string]*domain.ChannelMetadata
	completeID string
}

func (f *fakeTrades) Initiate(_ context.Context, row domain.Row) (domain.TradeSession, error) {
	if f.initErr != nil {
		return domain.TradeSession{}, f.initErr
	}
	f.initiated = row
	s := domain.TradeSession{ID: "session-1", CounterpartyID: row.Counterparty.ID, ChatType: domain.OrderSideBuy, WalletAddresses: map[string]string{}}
	f.pending = &s
	return s, nil
}

func (f *fakeTrades) Pending(context.Context) (domain.TradeSession, error) {
	if f.pending == nil {
		return domain.TradeSession{}, domain.ErrNotFound
	}
	return *f.pending, nil
}

func (f *fakeTrades) Complete(_ context.Context, orderID string) (domain.Envelope, error) {
	if orderID == "" {
		return domain.Envelope{}, domain.ErrValidation
	}
	f.completeID = orderID
	return domain.Envelope{ID: "evt-1", Event: domain.TradeCompleted{OrderID: orderID}}, nil
}

func (f *fakeTrades) OpenChannel(_ context.Context, channelID string) *domain.ChannelMetadata {
	if f.pending == nil {
		return nil
	}
	return f.SyncChannel(context.Background(), channelID, channel.OptionsFromSession("me", *f.pending))
}

func (f *fakeTrades) SyncChannel(_ context.Context, channelID string, opts channel.BuildOptions) *domain.ChannelMetadata {
	f.synced = &opts
	meta := channel.BuildDTO(opts)
	if meta != nil {
		f.metadata[channel.NormalizeChannelID(channelID)] = meta
	}
	return meta
}

func (f *fakeTrades) ChannelMetadata(_ context.Context, channelID string) *domain.ChannelMetadata {
	return f.metadata[channel.NormalizeChannelID(channelID)]
}

func (f *fakeTrades) ChannelLifecycle(_ context.Context, channelID string) *domain.ChannelLifecycle {
	if f.metadata[channel.NormalizeChannelID(channelID)] == nil {
		return nil
	}
	return &domain.ChannelLifecycle{ChannelID: channelID, Stage: domain.ChannelStageNegotiating}
}

type fakeHistory struct{}

func (fakeHistory) History(_ context.Context, lastID string, _ int) ([]domain.Envelope, string, error) {
	if lastID == "boom" {
		return nil, "", errors.New("stream unavailable")
	}
	return []domain.Envelope{{ID: "evt-1", Event: domain.TradeCompleted{OrderID: "o1"}}}, "1-0", nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fakeStatus struct{}

func (fakeStatus) Visible() bool      { return true }
func (fakeStatus) TradeState() string { return "idle" }
func (fakeStatus) Clients() int       { return 2 }

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *fakeOrders, *fakeTrades) {
	t.Helper()
	orders := &fakeOrders{rows: []domain.Row{{
		ID:           "row-1",
		Side:         domain.OrderSideSell,
		Counterparty: domain.Counterparty{ID: "seller-1", Name: "Seller"},
		Platform:     "instagram",
		Price:        decimal.NewFromInt(120),
		Currency:     "USD",
	}}}
	trades := &fakeTrades{metadata: map[string]*domain.ChannelMetadata{}}
	h := NewHandler(cfg, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{"redis": failingPinger{}}, discard),
		Status: handler.NewStatusHandler(fakeStatus{}, "me", time.Now()),
		Orders: handler.NewOrderHandler(orders, discard),
		Trades: handler.NewTradeHandler(orders, trades, discard),
		Events: handler.NewEventHandler(fakeHistory{}, discard),
	}, nil, discard)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, orders, trades
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestServer_ListOrders(t *testing.T) {
	srv, orders, _ := newTestServer(t, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/orders/sell?platform=instagram&max_price=300", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `["orders","sell","all"]`, body["key"])
	assert.Equal(t, "success", body["status"])
	assert.Len(t, body["rows"], 1)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.NotEmpty(t, orders.lastSpecs)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sideways", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/buy?verified=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListOrdersStaleWhileError(t *testing.T) {
	srv, orders, _ := newTestServer(t, Config{})
	orders.rowsErr = fmt.Errorf("fetch: %w", domain.ErrNetwork)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "cached rows are still served")
	assert.Equal(t, "error", body["status"])
	assert.NotEmpty(t, body["error"])

	orders.rows = nil
	resp, body = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, []any{}, body["rows"])
}

func TestServer_UserOrders(t *testing.T) {
	srv, orders, _ := newTestServer(t, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/users/me/orders/buy", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `["orders","user","me","buy"]`, body["key"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/users/me/orders",
		`{"side":"sell","platform":"tiktok","price":"50"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "new-1", body["id"])
	assert.Equal(t, "tiktok", orders.created.Platform)

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/users/me/orders/buy/o-9",
		`{"platform":"youtube","price":"10"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "o-9", orders.updated.ID)
	assert.Equal(t, domain.OrderSideBuy, orders.updated.Side)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/users/me/orders/sell/o-9", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "o-9", orders.deleted)

	orders.writeErr = fmt.Errorf("create: %w", domain.ErrValidation)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/users/me/orders", `{"side":"sell"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/users/me/orders", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TradeFlow(t *testing.T) {
	srv, _, trades := newTestServer(t, Config{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/trades/pending", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/trades", `{"side":"sell","rowId":"missing"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/trades", `{"side":"sell","rowId":"row-1"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "session-1", body["id"])
	assert.Equal(t, "seller-1", trades.initiated.Counterparty.ID)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/trades/pending", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "seller-1", body["counterpartyId"])

	// Empty body derives the metadata from the pending session.
	resp, body = do(t, http.MethodPut, srv.URL+"/api/channels/chat:c1/metadata", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["metadata"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/channels/c1/metadata", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["metadata"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/channels/c1/lifecycle", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["lifecycle"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/trades/o1/complete", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "evt-1", body["event_id"])
	assert.Equal(t, "o1", trades.completeID)

	trades.initErr = fmt.Errorf("initiate: %w", domain.ErrTradeCancelled)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/trades", `{"side":"sell","rowId":"row-1"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ChannelMetadataBody(t *testing.T) {
	srv, _, trades := newTestServer(t, Config{})

	resp, _ := do(t, http.MethodPut, srv.URL+"/api/channels/c2/metadata",
		`{"participantIds":["me"],"initiatorId":"me","chatType":"buy"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "one participant is not a channel")
	assert.Nil(t, trades.synced)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/channels/c2/metadata",
		`{"participantIds":["me","them"],"initiatorId":"me","chatType":"sell","tradePrice":"99"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	meta, ok := body["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "99", meta["tradePrice"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/channels/unknown/metadata", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["metadata"], "unknown reads as null")

	// Nothing pending: the chat proceeds without metadata.
	trades.pending = nil
	resp, body = do(t, http.MethodPut, srv.URL+"/api/channels/c3/metadata", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Nil(t, body["metadata"])
}

func TestServer_HealthStatusEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "me", body["viewer_id"])
	assert.Equal(t, true, body["visible"])
	assert.EqualValues(t, 2, body["ws_clients"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/events?after=0", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1-0", body["next"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "tradeCompleted", events[0].(map[string]any)["topic"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/events?after=boom", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{APIKey: "secret"})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", http.Header{"X-Api-Key": {"secret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell?token=secret", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "query tokens are only for websocket upgrades")
}

func TestServer_CORSAndRateLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{
		CORSOrigins:       []string{"http://localhost:3000"},
		RequestsPerSecond: 0.001,
		Burst:             2,
	})

	resp, _ := do(t, http.MethodOptions, srv.URL+"/api/orders/sell", "", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", http.Header{"Origin": {"http://evil.example"}})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	// Preflights bypass the limiter; the burst of two is spent by the GETs.
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/orders/sell", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}
