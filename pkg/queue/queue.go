// Package queue provides the bounded, ordered hand-off between job
// producers and the worker pools. The bound is the agent's admission
// control against an unbounded build backlog.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrFull is returned when the queue is saturated. Callers surface it
	// to producers rather than blocking API ingestion.
	ErrFull = errors.New("queue is full")
	// ErrClosed is returned by Dequeue once the queue is closed and drained.
	ErrClosed = errors.New("queue is closed")
)

// Queue is a bounded FIFO hand-off. Items are delivered to consumers in
// submission order; with multiple consumers, completion order is not
// guaranteed.
type Queue[T any] struct {
	ch chan T
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Enqueue hands off an item without blocking. It fails with ErrFull when
// the queue is at capacity.
func (q *Queue[T]) Enqueue(item T) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue blocks until an item is available, the queue is closed, or the
// context is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of items waiting in the queue.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close stops the queue. Pending items remain dequeueable until drained.
func (q *Queue[T]) Close() { close(q.ch) }
