package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseKeepaliveInterval spaces comment frames so idle connections are not
// reaped by intermediaries.
const sseKeepaliveInterval = 15 * time.Second

// handleEvents streams broadcaster events as server-sent events. Delivery is
// at most once with no backlog; a subscriber that falls behind loses events
// and is expected to re-fetch authoritative state.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if h.events == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	sub := h.events.Subscribe(h.eventBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.requestLogger(r)
	logger.Debug("http.events.subscribed")
	defer logger.Debug("http.events.unsubscribed")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Warn("http.events.encode_failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-h.clock.After(sseKeepaliveInterval):
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
