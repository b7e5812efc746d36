package www

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/store"
)

func (h *Handlers) apiListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.engine.DB().ListMachines()
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, machines)
}

// machineParam resolves the {name} URL parameter case-insensitively.
func (h *Handlers) machineParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	m, err := protocol.ParseMachine(chi.URLParam(r, "name"))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return string(m), true
}

func (h *Handlers) apiGetMachine(w http.ResponseWriter, r *http.Request) {
	name, ok := h.machineParam(w, r)
	if !ok {
		return
	}
	m, err := h.engine.DB().GetMachine(name)
	if err != nil {
		h.machineError(w, err)
		return
	}
	h.jsonOK(w, m)
}

func (h *Handlers) apiEnableMachine(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handlers) apiDisableMachine(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name, ok := h.machineParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.SetMachineEnabled(name, enabled, actor(r)); err != nil {
		h.machineError(w, err)
		return
	}
	m, err := h.engine.DB().GetMachine(name)
	if err != nil {
		h.machineError(w, err)
		return
	}
	h.jsonOK(w, m)
}

func (h *Handlers) apiSetMachineModes(w http.ResponseWriter, r *http.Request) {
	name, ok := h.machineParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Modes []string `json:"modes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := h.engine.SetMachineModes(name, req.Modes, actor(r)); err != nil {
		h.machineError(w, err)
		return
	}
	m, err := h.engine.DB().GetMachine(name)
	if err != nil {
		h.machineError(w, err)
		return
	}
	h.jsonOK(w, m)
}

func (h *Handlers) machineError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrMachineNotFound) {
		h.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.jsonError(w, err.Error(), http.StatusInternalServerError)
}
