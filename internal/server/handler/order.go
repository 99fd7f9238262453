package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/filter"
	"github.com/alanyoungcy/socialmarket/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Rows(ctx context.Context, side domain.OrderSide, specs []filter.Spec) (service.OrderView, error)
	Refresh(ctx context.Context, side domain.OrderSide) (service.OrderView, error)
	UserRows(ctx context.Context, userID string, side domain.OrderSide) (service.OrderView, error)
	CreateUserOrder(ctx context.Context, userID string, order domain.UserOrder) (string, error)
	UpdateUserOrder(ctx context.Context, userID string, order domain.UserOrder) error
	DeleteUserOrder(ctx context.Context, userID string, side domain.OrderSide, orderID string) error
}

// OrderHandler serves order list and user order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

// listResponse is one order list with its cache state. Error is set when the
// latest fetch failed; Rows then holds the last good data, if any.
type listResponse struct {
	Key           string       `json:"key"`
	Status        string       `json:"status"`
	Fetching      bool         `json:"fetching"`
	LastFetchedAt *time.Time   `json:"lastFetchedAt,omitempty"`
	Rows          []domain.Row `json:"rows"`
	Error         string       `json:"error,omitempty"`
}

func toListResponse(v service.OrderView, err error) listResponse {
	resp := listResponse{
		Key:      v.Key,
		Status:   v.Status.String(),
		Fetching: v.Fetching,
		Rows:     v.Rows,
	}
	if !v.LastFetchedAt.IsZero() {
		t := v.LastFetchedAt
		resp.LastFetchedAt = &t
	}
	if resp.Rows == nil {
		resp.Rows = []domain.Row{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// writeList answers with the list, or with an error status when there is
// nothing to show.
func (h *OrderHandler) writeList(w http.ResponseWriter, r *http.Request, v service.OrderView, err error) {
	if err != nil && len(v.Rows) == 0 {
		h.logger.WarnContext(r.Context(), "handler: list orders failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), toListResponse(v, err))
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(v, err))
}

// ListOrders returns the marketplace list for one side, narrowed by filters.
// GET /api/orders/{side}?platform=...&min_followers=...&max_price=...&min_rating=...&verified=...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	s, ok := side(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	specs, err := filter.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := h.orders.Rows(r.Context(), s, specs)
	h.writeList(w, r, view, err)
}

// RefreshOrders invalidates and refetches the list for one side.
// POST /api/orders/{side}/refresh
func (h *OrderHandler) RefreshOrders(w http.ResponseWriter, r *http.Request) {
	s, ok := side(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	view, err := h.orders.Refresh(r.Context(), s)
	h.writeList(w, r, view, err)
}

// ListUserOrders returns a user's own orders on one side.
// GET /api/users/{id}/orders/{side}
func (h *OrderHandler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	s, ok := side(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	view, err := h.orders.UserRows(r.Context(), r.PathValue("id"), s)
	h.writeList(w, r, view, err)
}

// CreateUserOrder creates an order for a user.
// POST /api/users/{id}/orders
func (h *OrderHandler) CreateUserOrder(w http.ResponseWriter, r *http.Request) {
	var order domain.UserOrder
	if err := decodeJSON(r, &order); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.PathValue("id")
	id, err := h.orders.CreateUserOrder(r.Context(), userID, order)
	if err != nil {
		h.fail(w, r, "create user order", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// UpdateUserOrder replaces a user's order.
// PUT /api/users/{id}/orders/{side}/{orderID}
func (h *OrderHandler) UpdateUserOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := side(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	var order domain.UserOrder
	if err := decodeJSON(r, &order); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order.ID = r.PathValue("orderID")
	order.Side = s
	if err := h.orders.UpdateUserOrder(r.Context(), r.PathValue("id"), order); err != nil {
		h.fail(w, r, "update user order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "id": order.ID})
}

// DeleteUserOrder removes a user's order.
// DELETE /api/users/{id}/orders/{side}/{orderID}
func (h *OrderHandler) DeleteUserOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := side(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	orderID := r.PathValue("orderID")
	if err := h.orders.DeleteUserOrder(r.Context(), r.PathValue("id"), s, orderID); err != nil {
		h.fail(w, r, "delete user order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": orderID})
}

func (h *OrderHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}
