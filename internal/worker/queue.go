package worker

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize is the queue capacity when none is configured.
const DefaultQueueSize = 100

var (
	// ErrQueueFull is returned by Offer when the queue has no free slot.
	ErrQueueFull = errors.New("task queue full")
	// ErrQueueClosed is returned once the queue has been closed.
	ErrQueueClosed = errors.New("task queue closed")
)

// Queue is a bounded FIFO of pending tasks.
type Queue struct {
	ch        chan *Task
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding up to capacity tasks.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		ch:     make(chan *Task, capacity),
		closed: make(chan struct{}),
	}
}

// Offer enqueues t without waiting.
func (q *Queue) Offer(t *Task) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Put enqueues t, waiting for a free slot.
func (q *Queue) Put(ctx context.Context, t *Task) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- t:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take removes the oldest task, waiting until one is available.
func (q *Queue) Take(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return t, nil
	case <-q.closed:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Remaining returns the number of free slots.
func (q *Queue) Remaining() int { return cap(q.ch) - len(q.ch) }

// Close stops accepting and handing out tasks. Tasks still queued are returned so
// the caller can finish them.
func (q *Queue) Close() []*Task {
	var left []*Task
	q.closeOnce.Do(func() {
		close(q.closed)
		for {
			select {
			case t := <-q.ch:
				left = append(left, t)
			default:
				return
			}
		}
	})
	return left
}
