package www

import (
	"net/http"
)

func (h *Handlers) apiDiagnostics(w http.ResponseWriter, r *http.Request) {
	auditLog, _ := h.engine.DB().ListAuditLog(50)
	pending, _ := h.engine.DB().CountPendingOutbox()
	m := h.engine.MessagingConfig()

	h.jsonOK(w, map[string]any{
		"station":        m.StationID,
		"backend":        m.Backend,
		"database":       h.engine.DB().Driver(),
		"messaging_ok":   h.engine.MsgClient().IsConnected(),
		"outbox_pending": pending,
		"sse_clients":    h.eventHub.ClientCount(),
		"audit_log":      auditLog,
		"state_source":   h.engine.ArmState().Snapshot(r.Context()).Source,
	})
}
