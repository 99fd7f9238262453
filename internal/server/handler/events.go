package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/socialmarket/internal/domain"
	"github.com/alanyoungcy/socialmarket/internal/eventbus"
)

// EventHistory reads the replayable event stream.
type EventHistory interface {
	History(ctx context.Context, lastID string, count int) ([]domain.Envelope, string, error)
}

// EventHandler serves the event history endpoint.
type EventHandler struct {
	history EventHistory
	logger  *slog.Logger
}

// NewEventHandler creates an EventHandler. history may be nil when no
// stream is configured.
func NewEventHandler(history EventHistory, logger *slog.Logger) *EventHandler {
	return &EventHandler{history: history, logger: logger}
}

// History returns recorded events after the given stream id.
// GET /api/events?after=0&count=50
func (h *EventHandler) History(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []json.RawMessage{}, "next": after})
		return
	}
	count := intQuery(r, "count", 50, 500)

	envs, next, err := h.history.History(r.Context(), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: event history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to read event history")
		return
	}

	events := make([]json.RawMessage, 0, len(envs))
	for _, env := range envs {
		b, err := eventbus.Encode(env)
		if err != nil {
			continue
		}
		events = append(events, b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}
