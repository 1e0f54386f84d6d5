package queue

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// MemoryQueue is an in-process queue for single-binary deployments and tests.
type MemoryQueue struct {
	ch        chan models.WorkItem
	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Receiver  = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a queue holding up to capacity items.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan models.WorkItem, capacity), done: make(chan struct{})}
}

// Publish enqueues item, blocking while the queue is full.
func (q *MemoryQueue) Publish(ctx context.Context, item models.WorkItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to timeout for an item.
func (q *MemoryQueue) Receive(ctx context.Context, timeout time.Duration) (*models.WorkItem, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		return &item, nil
	case <-timer.C:
		return nil, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the queue. Pending items are dropped.
func (q *MemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
