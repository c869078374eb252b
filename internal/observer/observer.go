package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/harborcrm/harbor/internal/bus"
	"github.com/harborcrm/harbor/internal/observability"
	"github.com/harborcrm/harbor/internal/telemetry"
)

// reconnectDelay paces bus reconnect attempts.
const reconnectDelay = 5 * time.Second

// Observer consumes telemetry events from the bus into the ring and
// fans them out to live streams. The HTTP surface stays available even
// when the bus is down; only live consumption pauses.
type Observer struct {
	ring    *Ring
	hub     *Hub
	logger  *slog.Logger
	metrics *observability.Metrics

	consumed  atomic.Int64
	malformed atomic.Int64
	connected atomic.Bool
}

// NewObserver builds an observer around a ring and hub.
func NewObserver(ring *Ring, hub *Hub, logger *slog.Logger, metrics *observability.Metrics) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{ring: ring, hub: hub, logger: logger, metrics: metrics}
}

// Ring exposes the buffer for the HTTP surface.
func (o *Observer) Ring() *Ring { return o.ring }

// Hub exposes the fan-out for the HTTP surface.
func (o *Observer) Hub() *Hub { return o.hub }

// Connected reports whether the bus consumer is currently attached.
func (o *Observer) Connected() bool { return o.connected.Load() }

// Consumed returns the number of events accepted from the bus.
func (o *Observer) Consumed() int64 { return o.consumed.Load() }

// Run consumes from the bus until the context is cancelled,
// reconnecting with a fixed delay after failures.
func (o *Observer) Run(ctx context.Context, consumer bus.Consumer) {
	for {
		o.connected.Store(true)
		err := consumer.Consume(ctx, o.handle)
		o.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("bus consumer disconnected, retrying", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// handle decodes one bus message and injects it. Malformed payloads are
// acknowledged and dropped; redelivering them cannot help.
func (o *Observer) handle(_ context.Context, msg bus.Message) error {
	var event telemetry.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		o.malformed.Add(1)
		o.logger.Debug("dropping malformed bus payload", "error", err)
		return nil
	}
	o.Inject(event)
	o.consumed.Add(1)
	if o.metrics != nil {
		o.metrics.TelemetryEvents.WithLabelValues("consumed").Inc()
	}
	return nil
}

// Inject appends an event to the buffer and broadcasts it to live
// streams. Also the entry point for manual injection when the bus is
// unavailable.
func (o *Observer) Inject(event telemetry.Event) {
	o.ring.Append(event)
	o.hub.Broadcast(event)
}

// StreamOpened and StreamClosed track the live SSE client gauge.
func (o *Observer) StreamOpened() {
	if o.metrics != nil {
		o.metrics.SSEClients.Inc()
	}
}

func (o *Observer) StreamClosed() {
	if o.metrics != nil {
		o.metrics.SSEClients.Dec()
	}
}

// Clear empties the buffer and notifies every live stream with a
// synthetic system_reset event. The reset event is not buffered.
func (o *Observer) Clear() {
	o.ring.Clear()
	o.hub.Broadcast(telemetry.Event{
		"type": "system_reset",
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}
