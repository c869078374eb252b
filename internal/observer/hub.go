package observer

import (
	"sync"

	"github.com/harborcrm/harbor/internal/telemetry"
)

// DefaultClientQueue is the per-stream channel depth. A client that
// cannot keep up drops events rather than blocking the fan-out.
const DefaultClientQueue = 64

// Hub fans events out to live SSE clients.
type Hub struct {
	queue   int
	mu      sync.Mutex
	clients map[chan telemetry.Event]struct{}
}

// NewHub creates an empty hub. queue sets the per-client channel depth;
// zero means DefaultClientQueue.
func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = DefaultClientQueue
	}
	return &Hub{queue: queue, clients: make(map[chan telemetry.Event]struct{})}
}

// Subscribe registers a new client stream. The returned cancel func
// frees the slot and closes the channel.
func (h *Hub) Subscribe() (<-chan telemetry.Event, func()) {
	ch := make(chan telemetry.Event, h.queue)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers an event to every live client, dropping it for
// clients whose buffers are full.
func (h *Hub) Broadcast(event telemetry.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Clients returns the number of live streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
