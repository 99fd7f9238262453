package handler

import (
	"net/http"
	"time"
)

// StatusSource reports the live state shown on the client status bar.
type StatusSource interface {
	Visible() bool
	TradeState() string
	Clients() int
}

// StatusHandler serves the daemon status.
type StatusHandler struct {
	src       StatusSource
	viewerID  string
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource, viewerID string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{src: src, viewerID: viewerID, startedAt: startedAt}
}

// GetStatus responds with the viewer, cache visibility and trade state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"viewer_id":      h.viewerID,
		"visible":        h.src.Visible(),
		"trade_state":    h.src.TradeState(),
		"ws_clients":     h.src.Clients(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
