package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueFull   = errors.New("inbound queue is full")
	ErrQueueClosed = errors.New("inbound queue is closed")
)

// Queue is the FIFO between one connection's event delivery and its consumer.
// It has exactly one producer and one consumer. Push never blocks.
type Queue struct {
	capacity int
	wake     chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	items  []InboundMessage
	closed bool
}

// NewQueue builds a queue. capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}

	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends msg and wakes the consumer.
func (q *Queue) Push(msg InboundMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.items = append(q.items, msg)
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return nil
}

// Pop returns the oldest message, waiting at most timeout for one to arrive.
// ok is false on timeout, cancellation, or once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	if msg, ok, closed := q.take(); ok || closed {
		return msg, ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return InboundMessage{}, false
		case <-timer.C:
			msg, ok, _ := q.take()
			return msg, ok
		case <-q.done:
			msg, ok, _ := q.take()
			return msg, ok
		case <-q.wake:
			if msg, ok, closed := q.take(); ok || closed {
				return msg, ok
			}
		}
	}
}

func (q *Queue) take() (msg InboundMessage, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return InboundMessage{}, false, q.closed
	}

	msg = q.items[0]
	q.items[0] = InboundMessage{}
	q.items = q.items[1:]
	return msg, true, false
}

// Len reports how many messages are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and releases a waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
