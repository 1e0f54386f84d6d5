package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/tasks"
)

// LLM is the language model collaborator. Implementations bound each call by
// their own timeout and report it as ErrUpstreamTimeout.
type LLM interface {
	Complete(ctx context.Context, messages []models.Message, params models.GenerationParams) (string, error)
}

// SubDialogue reaches the service that runs a tool's own conversation.
type SubDialogue interface {
	InitConversation(ctx context.Context, robotType string, req models.InitConversationRequest) error
	Webhook(ctx context.Context, robotType string, req models.WebhookRequest) (*models.SubDialogueReply, error)
}

// ToolDispatcher publishes tool work items and returns their task keys.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, in tasks.DispatchInput) []string
}

// CompletionBarrier waits for task keys until they resolve or timeout elapses.
type CompletionBarrier interface {
	Wait(ctx context.Context, keys []string, timeout time.Duration) map[string]*models.TaskResult
}

// JobEnqueuer schedules durable background jobs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
}

var (
	_ ToolDispatcher    = (*tasks.Dispatcher)(nil)
	_ CompletionBarrier = (*tasks.Barrier)(nil)
)
