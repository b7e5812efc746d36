package www

import (
	"net/http"
)

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	msgOK := h.engine.MsgClient().IsConnected()
	dbOK := h.engine.DB().PingContext(r.Context()) == nil
	status := "ok"
	code := http.StatusOK
	if !msgOK || !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.jsonStatus(w, code, map[string]any{
		"status":    status,
		"messaging": msgOK,
		"database":  dbOK,
	})
}

// apiStatus reports the arm position and the order holding it.
func (h *Handlers) apiStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.ArmState().Snapshot(r.Context())
	pending, _ := h.engine.DB().CountPendingOutbox()
	h.jsonOK(w, map[string]any{
		"station":        h.engine.MessagingConfig().StationID,
		"arm":            snap.Arm,
		"active_order":   snap.Active,
		"last_order":     snap.Last,
		"state_source":   snap.Source,
		"messaging":      h.engine.MessagingConnected(),
		"outbox_pending": pending,
	})
}

func (h *Handlers) apiListAudit(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	entityID := r.URL.Query().Get("id")
	if entityType != "" && entityID != "" {
		entries, err := h.engine.DB().ListEntityAudit(entityType, entityID)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.jsonOK(w, entries)
		return
	}
	entries, err := h.engine.DB().ListAuditLog(queryLimit(r, 100))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, entries)
}
