// Package queue implements the bounded producer/consumer handoff between
// the acceptor and the worker pool. A buffered Go channel is a sound,
// idiomatic substitute for a counting-semaphore-plus-mutex circular buffer
// as long as its capacity stays fixed.
package queue

import "context"

// Queue is a bounded FIFO of *session.Session handoffs (kept generic so it
// can be reused, but in kvsd it only ever carries *session.Session values).
type Queue struct {
	ch chan any
}

// New creates a Queue with the given capacity. Capacity must be > 0.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan any, capacity)}
}

// Enqueue blocks until a slot is free or ctx is done, mirroring the
// acceptor blocking on the empty_slots semaphore.
func (q *Queue) Enqueue(ctx context.Context, item any) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (any, error) {
	select {
	case item, ok := <-q.ch:
		if !ok {
			return nil, context.Canceled
		}
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the queue down; any blocked Dequeue returns context.Canceled.
func (q *Queue) Close() {
	close(q.ch)
}

// Len reports the number of items currently buffered, useful for tests and
// diagnostics.
func (q *Queue) Len() int {
	return len(q.ch)
}
