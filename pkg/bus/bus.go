package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultCapacity = 100

// MessageBus hands message batches from the transport's event goroutine to
// the relay worker.
type MessageBus struct {
	batches chan Batch
	done    chan struct{}
	closed  atomic.Bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		batches: make(chan Batch, defaultCapacity),
		done:    make(chan struct{}),
	}
}

func (mb *MessageBus) PublishBatch(ctx context.Context, b Batch) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.batches <- b:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeBatch(ctx context.Context) (Batch, bool) {
	select {
	case b, ok := <-mb.batches:
		return b, ok
	case <-mb.done:
		return Batch{}, false
	case <-ctx.Done():
		return Batch{}, false
	}
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
