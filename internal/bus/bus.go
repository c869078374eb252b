// Package bus abstracts the message transport between the telemetry
// tail sidecar and the observer. Delivery is at-least-once; consumers
// are expected to be idempotent on event identity.
package bus

import "context"

// Message is a single bus payload. Key selects the partition (tenant id
// when present, run id otherwise) so per-tenant ordering is preserved
// where the transport supports it.
type Message struct {
	Key   string
	Value []byte
}

// Publisher sends messages to a topic or queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one consumed message. Returning an error leaves the
// message unacknowledged; the transport redelivers.
type Handler func(ctx context.Context, msg Message) error

// Consumer receives messages and dispatches them to a handler. Consume
// blocks until the context is cancelled or the connection fails.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
