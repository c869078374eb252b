package observer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/harborcrm/harbor/internal/telemetry"
)

// DefaultWarmupTail bounds how many buffered events a new SSE client
// receives before going live.
const DefaultWarmupTail = 500

// HTTPHandler serves the observer's snapshot, stream, and reset
// routes.
type HTTPHandler struct {
	observer   *Observer
	warmupTail int
}

// NewHTTPHandler wraps an observer. warmupTail bounds the replayed
// buffer on new streams; zero means DefaultWarmupTail.
func NewHTTPHandler(observer *Observer, warmupTail int) *HTTPHandler {
	if warmupTail <= 0 {
		warmupTail = DefaultWarmupTail
	}
	return &HTTPHandler{observer: observer, warmupTail: warmupTail}
}

// Register mounts the observer routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("GET /sse", h.handleSSE)
	mux.HandleFunc("GET /clear", h.handleClear)
	mux.HandleFunc("POST /clear", h.handleClear)
	mux.HandleFunc("POST /inject", h.handleInject)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

func (h *HTTPHandler) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events := h.observer.Ring().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleSSE streams events as "data: <json>\n\n" lines: a warm-up tail
// of the buffer first, then live events until the client disconnects.
func (h *HTTPHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := h.observer.Hub().Subscribe()
	defer cancel()

	h.observer.StreamOpened()
	defer h.observer.StreamClosed()

	for _, event := range h.observer.Ring().Tail(h.warmupTail) {
		writeSSE(w, event)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event telemetry.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *HTTPHandler) handleClear(w http.ResponseWriter, _ *http.Request) {
	h.observer.Clear()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cleared": true})
}

// handleInject accepts one event over HTTP, the fallback ingress when
// the bus is unavailable.
func (h *HTTPHandler) handleInject(w http.ResponseWriter, r *http.Request) {
	var event telemetry.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}
	h.observer.Inject(event)
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"bus_connected": h.observer.Connected(),
		"buffered":      h.observer.Ring().Len(),
		"consumed":      h.observer.Consumed(),
	})
}
