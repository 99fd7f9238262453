package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/socialmarket/internal/channel"
	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// RowFinder resolves the row the user picked.
type RowFinder interface {
	Row(ctx context.Context, side domain.OrderSide, rowID string) (domain.Row, error)
}

// TradeService defines what the trade and channel handlers need.
type TradeService interface {
	Initiate(ctx context.Context, row domain.Row) (domain.TradeSession, error)
	Pending(ctx context.Context) (domain.TradeSession, error)
	Complete(ctx context.Context, orderID string) (domain.Envelope, error)
	OpenChannel(ctx context.Context, channelID string) *domain.ChannelMetadata
	SyncChannel(ctx context.Context, channelID string, opts channel.BuildOptions) *domain.ChannelMetadata
	ChannelMetadata(ctx context.Context, channelID string) *domain.ChannelMetadata
	ChannelLifecycle(ctx context.Context, channelID string) *domain.ChannelLifecycle
}

// TradeHandler serves trade hand-off and channel metadata endpoints.
type TradeHandler struct {
	rows   RowFinder
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(rows RowFinder, trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{rows: rows, trades: trades, logger: logger}
}

type initiateRequest struct {
	Side  domain.OrderSide `json:"side"`
	RowID string           `json:"rowId"`
}

// Initiate starts a trade on a listed row. The response returns as soon as
// the session is persisted; wallet addresses arrive later over /ws.
// POST /api/trades
func (h *TradeHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Side.Valid() || strings.TrimSpace(req.RowID) == "" {
		writeError(w, http.StatusBadRequest, "side and rowId are required")
		return
	}

	row, err := h.rows.Row(r.Context(), req.Side, req.RowID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	session, err := h.trades.Initiate(r.Context(), row)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: initiate trade failed",
				slog.String("row_id", req.RowID),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

// Pending returns the pending trade session.
// GET /api/trades/pending
func (h *TradeHandler) Pending(w http.ResponseWriter, r *http.Request) {
	session, err := h.trades.Pending(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Complete marks the trade for an order as settled, which refreshes every
// order list.
// POST /api/trades/{id}/complete
func (h *TradeHandler) Complete(w http.ResponseWriter, r *http.Request) {
	env, err := h.trades.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": env.ID})
}

// channelResponse carries a nullable read. A null value means unknown.
type channelResponse struct {
	ChannelID string `json:"channelId"`
	Metadata  any    `json:"metadata"`
}

// PutChannelMetadata attaches metadata to a channel. With an empty body the
// metadata is derived from the pending trade session.
// PUT /api/channels/{id}/metadata
func (h *TradeHandler) PutChannelMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var meta *domain.ChannelMetadata
	if r.ContentLength == 0 {
		meta = h.trades.OpenChannel(r.Context(), id)
	} else {
		var opts channel.BuildOptions
		if err := decodeJSON(r, &opts); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if channel.BuildDTO(opts) == nil {
			writeError(w, http.StatusBadRequest, "metadata needs two participants, an initiator and a chat type")
			return
		}
		meta = h.trades.SyncChannel(r.Context(), id, opts)
	}
	if meta == nil {
		// The chat proceeds without metadata.
		writeJSON(w, http.StatusAccepted, channelResponse{ChannelID: channel.NormalizeChannelID(id)})
		return
	}
	writeJSON(w, http.StatusOK, channelResponse{ChannelID: channel.NormalizeChannelID(id), Metadata: meta})
}

// GetChannelMetadata reads a channel's metadata.
// GET /api/channels/{id}/metadata
func (h *TradeHandler) GetChannelMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := channelResponse{ChannelID: channel.NormalizeChannelID(id)}
	if meta := h.trades.ChannelMetadata(r.Context(), id); meta != nil {
		resp.Metadata = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChannelLifecycle reads a channel's lifecycle stage.
// GET /api/channels/{id}/lifecycle
func (h *TradeHandler) GetChannelLifecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := map[string]any{"channelId": channel.NormalizeChannelID(id), "lifecycle": nil}
	if lc := h.trades.ChannelLifecycle(r.Context(), id); lc != nil {
		resp["lifecycle"] = lc
	}
	writeJSON(w, http.StatusOK, resp)
}
