package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StateFunc returns a JSON-marshalable snapshot of some live
// component: circuit breaker counts, pool occupancy, session stats.
// It must be safe to call concurrently and should not block.
type StateFunc func() any

// AddStateProvider registers a named snapshot provider for /state.
// Registering the same name again replaces the provider.
func (h *Handler) AddStateProvider(name string, fn StateFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[name] = fn
}

// snapshotProviders copies the provider map so snapshots are taken
// without holding the handler lock.
func (h *Handler) snapshotProviders() map[string]StateFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	providers := make(map[string]StateFunc, len(h.providers))
	for name, fn := range h.providers {
		providers[name] = fn
	}
	return providers
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	providers := h.snapshotProviders()
	state := make(map[string]any, len(providers))
	for name, fn := range providers {
		state[name] = fn()
	}
	writeJSON(w, h.log, http.StatusOK, state)
}

func (h *Handler) handleStateOne(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.mu.Lock()
	fn, ok := h.providers[name]
	h.mu.Unlock()
	if !ok {
		writeJSON(w, h.log, http.StatusNotFound, map[string]string{
			"error": "unknown state provider: " + name,
		})
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{name: fn()})
}
