package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/eventbus"
	"github.com/alanyoungcy/socialmarket/internal/filter"
	"github.com/alanyoungcy/socialmarket/internal/normalize"
	"github.com/alanyoungcy/socialmarket/internal/querycache"
	"github.com/alanyoungcy/socialmarket/internal/querykey"
)

// OrderView is one order list as served to the UI: the rows plus the cache
// state they were read from.
type OrderView struct {
	Key           string            `json:"key"`
	Rows          []domain.Row      `json:"rows"`
	Status        querycache.Status `json:"-"`
	Fetching      bool              `json:"fetching"`
	LastFetchedAt time.Time         `json:"lastFetchedAt"`
	Err           error             `json:"-"`
}

func viewOf(e querycache.Entry) OrderView {
	rows, _ := querycache.Data[[]domain.Row](e)
	if rows == nil {
		rows = []domain.Row{}
	}
	return OrderView{
		Key:           e.Key.String(),
		Rows:          rows,
		Status:        e.Status,
		Fetching:      e.Fetching,
		LastFetchedAt: e.LastFetchedAt,
		Err:           e.Err,
	}
}

// OrderService serves normalized, filtered order lists out of the query
// cache and performs user order writes, invalidating the order lists after
// each write and after every completed trade.
type OrderService struct {
	fetcher domain.OrderFetcher
	writer  domain.UserOrderWriter
	cache   *querycache.Cache
	norm    *normalize.Normalizer
	memo    *normalize.Memo
	opts    querycache.Options
	logger  *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	fetcher domain.OrderFetcher,
	writer domain.UserOrderWriter,
	cache *querycache.Cache,
	norm *normalize.Normalizer,
	opts querycache.Options,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		fetcher: fetcher,
		writer:  writer,
		cache:   cache,
		norm:    norm,
		memo:    normalize.NewMemo(norm),
		opts:    opts,
		logger:  logger.With(slog.String("component", "order_service")),
	}
}

// Rows returns the order list for side narrowed by specs, fetching it when
// missing or stale. A fetch failure is returned together with whatever rows
// the cache still holds.
func (s *OrderService) Rows(ctx context.Context, side domain.OrderSide, specs []filter.Spec) (OrderView, error) {
	if !side.Valid() {
		return OrderView{}, fmt.Errorf("order_service: rows: side %q: %w", side, domain.ErrValidation)
	}
	key, fetch := s.query(side, specs)
	e, err := s.cache.Prefetch(ctx, key, fetch, s.opts)
	if err != nil {
		s.logger.WarnContext(ctx, "order_service: fetch failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return viewOf(e), fmt.Errorf("order_service: rows %s: %w", key, err)
	}
	return viewOf(e), nil
}

// Row finds one row of the unfiltered list for side.
func (s *OrderService) Row(ctx context.Context, side domain.OrderSide, rowID string) (domain.Row, error) {
	view, err := s.Rows(ctx, side, nil)
	if err != nil && len(view.Rows) == 0 {
		return domain.Row{}, err
	}
	for _, row := range view.Rows {
		if row.ID == rowID {
			return row, nil
		}
	}
	return domain.Row{}, fmt.Errorf("order_service: row %s/%s: %w", side, rowID, domain.ErrNotFound)
}

// Watch subscribes fn to the order list for side narrowed by specs. fn is
// called on every cache transition until the subscription is cancelled.
func (s *OrderService) Watch(ctx context.Context, side domain.OrderSide, specs []filter.Spec, opts querycache.Options, fn func(OrderView)) (*querycache.Subscription, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("order_service: watch: side %q: %w", side, domain.ErrValidation)
	}
	key, fetch := s.query(side, specs)
	var listener querycache.Listener
	if fn != nil {
		listener = func(e querycache.Entry) { fn(viewOf(e)) }
	}
	return s.cache.Subscribe(ctx, key, fetch, opts, listener), nil
}

// query returns the cache key and fetcher for a list. Unfiltered lists are
// fetched from the backend; filtered lists are derived from the unfiltered
// list of the same side.
func (s *OrderService) query(side domain.OrderSide, specs []filter.Spec) (querykey.Key, querycache.Fetcher) {
	base := querykey.OrdersAll(side)
	if len(specs) == 0 {
		return base, s.fetchAll(side)
	}
	key := querykey.Orders(side, filter.Canonical(specs))
	fetch := func(ctx context.Context) (any, error) {
		e, err := s.cache.Prefetch(ctx, base, s.fetchAll(side), s.opts)
		if err != nil {
			return nil, err
		}
		rows, _ := querycache.Data[[]domain.Row](e)
		return filter.Apply(rows, specs), nil
	}
	return key, fetch
}

func (s *OrderService) fetchAll(side domain.OrderSide) querycache.Fetcher {
	return func(ctx context.Context) (any, error) {
		var (
			payload []byte
			err     error
		)
		if side == domain.OrderSideBuy {
			payload, err = s.fetcher.BuyOrders(ctx)
		} else {
			payload, err = s.fetcher.SellOrders(ctx)
		}
		if err != nil {
			return nil, err
		}
		return s.memo.Rows(payload, side), nil
	}
}

// UserRows returns userID's own orders on side.
func (s *OrderService) UserRows(ctx context.Context, userID string, side domain.OrderSide) (OrderView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || !side.Valid() {
		return OrderView{}, fmt.Errorf("order_service: user rows: %w", domain.ErrValidation)
	}
	key := querykey.UserOrders(userID, side)
	fetch := func(ctx context.Context) (any, error) {
		payload, err := s.fetcher.UserOrders(ctx, userID, side)
		if err != nil {
			return nil, err
		}
		return s.norm.Rows(payload, side), nil
	}
	e, err := s.cache.Prefetch(ctx, key, fetch, s.opts)
	if err != nil {
		return viewOf(e), fmt.Errorf("order_service: user rows %s: %w", key, err)
	}
	return viewOf(e), nil
}

// CreateUserOrder creates order for userID and returns its id.
func (s *OrderService) CreateUserOrder(ctx context.Context, userID string, order domain.UserOrder) (string, error) {
	if err := validateUserOrder(userID, order); err != nil {
		return "", fmt.Errorf("order_service: create: %w", err)
	}
	id, err := s.writer.CreateUserOrder(ctx, userID, order)
	if err != nil {
		return "", fmt.Errorf("order_service: create: %w", err)
	}
	s.InvalidateOrders(ctx, "user order created")
	return id, nil
}

// UpdateUserOrder replaces one of userID's orders.
func (s *OrderService) UpdateUserOrder(ctx context.Context, userID string, order domain.UserOrder) error {
	if err := validateUserOrder(userID, order); err != nil {
		return fmt.Errorf("order_service: update: %w", err)
	}
	if order.ID == "" {
		return fmt.Errorf("order_service: update: order id: %w", domain.ErrValidation)
	}
	if err := s.writer.UpdateUserOrder(ctx, userID, order); err != nil {
		return fmt.Errorf("order_service: update %s: %w", order.ID, err)
	}
	s.InvalidateOrders(ctx, "user order updated")
	return nil
}

// DeleteUserOrder removes one of userID's orders.
func (s *OrderService) DeleteUserOrder(ctx context.Context, userID string, side domain.OrderSide, orderID string) error {
	if strings.TrimSpace(userID) == "" || !side.Valid() || orderID == "" {
		return fmt.Errorf("order_service: delete: %w", domain.ErrValidation)
	}
	if err := s.writer.DeleteUserOrder(ctx, userID, side, orderID); err != nil {
		return fmt.Errorf("order_service: delete %s: %w", orderID, err)
	}
	s.InvalidateOrders(ctx, "user order deleted")
	return nil
}

func validateUserOrder(userID string, order domain.UserOrder) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("user id: %w", domain.ErrValidation)
	case !order.Side.Valid():
		return fmt.Errorf("side %q: %w", order.Side, domain.ErrValidation)
	case strings.TrimSpace(order.Platform) == "":
		return fmt.Errorf("platform: %w", domain.ErrValidation)
	case order.Price.IsNegative():
		return fmt.Errorf("price %s: %w", order.Price, domain.ErrValidation)
	}
	return nil
}

// Refresh invalidates the lists for side and refetches the unfiltered one.
func (s *OrderService) Refresh(ctx context.Context, side domain.OrderSide) (OrderView, error) {
	if !side.Valid() {
		return OrderView{}, fmt.Errorf("order_service: refresh: side %q: %w", side, domain.ErrValidation)
	}
	s.cache.Invalidate(querykey.SideOrdersPrefix(side))
	return s.Rows(ctx, side, nil)
}

// InvalidateOrders marks every orders.* entry stale. Subscribed lists are
// refetched in the background.
func (s *OrderService) InvalidateOrders(ctx context.Context, reason string) int {
	n := s.cache.Invalidate(querykey.OrdersPrefix())
	s.logger.InfoContext(ctx, "order_service: orders invalidated",
		slog.String("reason", reason),
		slog.Int("entries", n),
	)
	return n
}

// OnTradeCompleted invalidates the order lists. Repeated delivery only marks
// the lists stale again.
func (s *OrderService) OnTradeCompleted(ctx context.Context, ev domain.TradeCompleted) {
	s.InvalidateOrders(ctx, "trade completed: "+ev.OrderID)
}

// Register subscribes the service to bus and returns the unsubscribe func.
func (s *OrderService) Register(bus *eventbus.Bus) func() {
	return eventbus.On(bus, s.OnTradeCompleted)
}

// Warm keeps both unfiltered lists subscribed with opts (typically polling)
// until the returned stop func is called.
func (s *OrderService) Warm(ctx context.Context, opts querycache.Options) func() {
	var subs []*querycache.Subscription
	for _, side := range []domain.OrderSide{domain.OrderSideSell, domain.OrderSideBuy} {
		sub, err := s.Watch(ctx, side, nil, opts, nil)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	s.logger.InfoContext(ctx, "order_service: warm subscriptions started",
		slog.Duration("poll_interval", opts.PollInterval),
	)
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}
