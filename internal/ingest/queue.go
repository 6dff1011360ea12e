package ingest

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("ingest queue closed")

// Queue is the in-process bus between producers and Feed.Run.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Batch
	closed bool
}

// NewQueue returns a queue buffering up to size batches.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Batch, size)}
}

// Submit enqueues a batch, blocking until there is room or ctx is done.
func (q *Queue) Submit(ctx context.Context, batch Batch) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batches is the consumer side for Feed.Run.
func (q *Queue) Batches() <-chan Batch {
	return q.ch
}

// Len reports the number of queued batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting batches; queued batches remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
