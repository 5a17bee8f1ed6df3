package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// StreamHandler exposes the request_updates LISTEN/NOTIFY feed over
// Server-Sent Events, scoped to one batch, so a caller watching a batch's
// progress can react to state changes instead of polling GET /batches/{id}.
type StreamHandler struct {
	listener *Listener
}

// NewStreamHandler creates a StreamHandler backed by listener.
func NewStreamHandler(listener *Listener) *StreamHandler {
	return &StreamHandler{listener: listener}
}

// Stream writes update events for batchID to w as they arrive, until the
// request context is canceled. A clean client disconnect (context
// cancellation) returns a nil error.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request, batchID uuid.UUID) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	updates, err := h.listener.Listen(r.Context())
	if err != nil {
		return fmt.Errorf("subscribing to request updates: %w", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.BatchID != batchID {
				continue
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
