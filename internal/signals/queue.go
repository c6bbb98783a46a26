package signals

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push once the consumer has gone away.
var ErrClosed = errors.New("signal queue closed")

// DefaultCapacity is the queue depth used when none is given.
const DefaultCapacity = 256

// Queue is a multi-producer, single-consumer FIFO of signals.
// Producers block when it is full; Close releases them.
type Queue struct {
	ch        chan Signal
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue holding up to capacity pending signals.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:     make(chan Signal, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues s in arrival order.
func (q *Queue) Push(ctx context.Context, s Signal) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- s:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the consumer side. Only the safety loop reads it.
func (q *Queue) C() <-chan Signal { return q.ch }

// Len is the number of pending signals.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting signals. Pending signals are left unread.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
