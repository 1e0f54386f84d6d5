// Package queue carries tool work items from the orchestrator to the tool
// workers. Delivery is at-least-once; workers are idempotent on the task key.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultName is the list key work items are pushed to.
const DefaultName = "dialogpipe:tool_tasks"

// KindToolTask labels outbox messages that carry a work item.
const KindToolTask = "tool_task"

// ErrClosed is returned by Receive once the queue is closed.
var ErrClosed = errors.New("queue closed")

// Publisher sends work items.
type Publisher interface {
	Publish(ctx context.Context, item models.WorkItem) error
}

// Receiver hands out work items. Receive returns (nil, nil) when nothing
// arrived within timeout.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (*models.WorkItem, error)
}
