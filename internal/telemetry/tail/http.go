package tail

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler exposes the sidecar's health state.
type HTTPHandler struct {
	tailer *Tailer
}

// NewHTTPHandler wraps a tailer.
func NewHTTPHandler(tailer *Tailer) *HTTPHandler {
	return &HTTPHandler{tailer: tailer}
}

// Register mounts the health route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// handleHealth reports the tail state. Anything past starting is
// healthy; waiting for the sink file is normal before the first emit.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := h.tailer.State()
	status := http.StatusOK
	if state == StateStarting {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":     string(state),
		"published": h.tailer.Published(),
		"dropped":   h.tailer.Dropped(),
	})
}
