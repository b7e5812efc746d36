package www

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

const maxOrderBytes = 1 << 20

// apiSubmitOrder queues an order for execution. The order runs
// asynchronously; its outcome is published on the order-status topic and
// streamed on /events.
func (h *Handlers) apiSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBytes))
	if err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	order, err := protocol.DecodeSubmission(body)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.engine.SubmitOrder(r.Context(), order); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("submit order", zap.String("activity_id", order.ActivityID), zap.Error(err))
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.jsonStatus(w, http.StatusAccepted, map[string]any{
		"activity_id": order.ActivityID,
		"actions":     len(order.Actions),
	})
}
