// Package queue provides job queue implementations behind lead.Queue.
// The memory provider backs local development; Redis and Pub/Sub back
// real deployments.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/driesdejong/leadradar/internal/lead"
)

// MemoryQueue is a bounded in-memory queue with context-aware operations.
type MemoryQueue struct {
	ch      chan lead.Envelope
	closeMu sync.Mutex
	closed  bool
}

// NewMemoryQueue constructs a queue with the provided capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryQueue{
		ch: make(chan lead.Envelope, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *MemoryQueue) Enqueue(ctx context.Context, env lead.Envelope) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return lead.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- env:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *MemoryQueue) Dequeue(ctx context.Context) (lead.Envelope, error) {
	select {
	case <-ctx.Done():
		return lead.Envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.ch:
		if !ok {
			return lead.Envelope{}, lead.ErrQueueClosed
		}
		return env, nil
	}
}

// Close closes the underlying channel for shutdown. Safe to call twice.
func (q *MemoryQueue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
