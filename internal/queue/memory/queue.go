// Package memory provides a bounded in-process queue for background work.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the queue has been closed and drained.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryEnqueue when the queue has no free slot.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue[T any] struct {
	ch      chan T
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch: make(chan T, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes an item without blocking.
func (q *Queue[T]) TryEnqueue(item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Queued items remain
// available to Dequeue.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
