package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher+Consumer used in tests and
// single-binary demos. Messages published before a consumer attaches
// are buffered up to the channel capacity.
type MemoryBus struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// NewMemoryBus creates a bus with the given buffer capacity.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBus{ch: make(chan Message, capacity)}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return context.Canceled
	}
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.ch:
			if !ok {
				return nil
			}
			// Redelivery on handler error is meaningless in-process;
			// drop and continue.
			_ = handler(ctx, msg)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
