package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// OutboxPublisher persists work items in the SQL outbox; a store.OutboxRelay
// built with RelayTo forwards them to the real queue. Items already queued
// under the same task key are not stored twice.
type OutboxPublisher struct {
	repo store.OutboxRepo
}

var _ Publisher = (*OutboxPublisher)(nil)

// NewOutboxPublisher creates an OutboxPublisher.
func NewOutboxPublisher(repo store.OutboxRepo) *OutboxPublisher {
	return &OutboxPublisher{repo: repo}
}

// Publish stores item for relaying.
func (p *OutboxPublisher) Publish(ctx context.Context, item models.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if _, err := p.repo.EnqueueOutboxMessage(ctx, item.ConversationID, KindToolTask, string(data), item.TaskKey); err != nil {
		return fmt.Errorf("enqueue outbox work item: %w", err)
	}
	return nil
}

// RelayTo returns the relay delivery function forwarding tool_task messages to target.
func RelayTo(target Publisher) store.OutboxDeliverFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != KindToolTask {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var item models.WorkItem
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &item); err != nil {
			return fmt.Errorf("decode outbox work item %s: %w", msg.ID, err)
		}
		return target.Publish(ctx, item)
	}
}
