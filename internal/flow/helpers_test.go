package flow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/tasks"
)

// say builds a single-alternative transition.
func say(text string, next models.Action) models.Transition {
	return models.Transition{
		Responses:  []models.Utterance{{{Text: text}}},
		NextAction: next,
	}
}

type flowDef struct {
	intent      string
	transitions []models.Transition
}

func newState(title string, maxLoop int, flows ...flowDef) models.State {
	st := models.State{Title: title, MaxLoop: maxLoop, Flows: map[string][]models.Transition{}}
	for _, f := range flows {
		st.Flows[f.intent] = f.transitions
		st.IntentOrder = append(st.IntentOrder, f.intent)
	}
	return st
}

func flow(intent string, transitions ...models.Transition) flowDef {
	return flowDef{intent: intent, transitions: transitions}
}

// fakeLLM answers from a function and counts calls.
type fakeLLM struct {
	mu    sync.Mutex
	calls [][]models.Message
	reply func(msgs []models.Message) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, msgs []models.Message, _ models.GenerationParams) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	f.mu.Unlock()
	if f.reply == nil {
		return "", nil
	}
	return f.reply(msgs)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func replyWith(text string) func([]models.Message) (string, error) {
	return func([]models.Message) (string, error) { return text, nil }
}

// isAnswering reports whether msgs is an answering request rather than a classification.
func isAnswering(msgs []models.Message) bool {
	return len(msgs) > 0 && strings.Contains(msgs[0].Content, "Target Question:")
}

type fakeDispatcher struct {
	mu     sync.Mutex
	inputs []tasks.DispatchInput
	// onDispatch, when set, runs inside Dispatch.
	onDispatch func()
}

func (f *fakeDispatcher) Dispatch(_ context.Context, in tasks.DispatchInput) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.onDispatch != nil {
		f.onDispatch()
	}
	keys := make([]string, len(in.Tools))
	for i, tool := range in.Tools {
		keys[i] = tasks.TaskKey(in.ConversationID, tool)
	}
	return keys
}

// fakeBarrier resolves only the keys it knows.
type fakeBarrier struct {
	results map[string]*models.TaskResult
	waited  [][]string
	timeout time.Duration
}

func (f *fakeBarrier) Wait(_ context.Context, keys []string, timeout time.Duration) map[string]*models.TaskResult {
	f.waited = append(f.waited, keys)
	f.timeout = timeout
	out := make(map[string]*models.TaskResult, len(keys))
	for _, k := range keys {
		out[k] = f.results[k]
	}
	return out
}

type fakeSubDialogue struct {
	inits    []models.InitConversationRequest
	webhooks []models.WebhookRequest
	replies  []*models.SubDialogueReply
	err      error
}

func (f *fakeSubDialogue) InitConversation(_ context.Context, _ string, req models.InitConversationRequest) error {
	f.inits = append(f.inits, req)
	return f.err
}

func (f *fakeSubDialogue) Webhook(_ context.Context, _ string, req models.WebhookRequest) (*models.SubDialogueReply, error) {
	f.webhooks = append(f.webhooks, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return nil, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

type enqueuedJob struct {
	kind, payload, dedupe string
}

type fakeJobs struct {
	jobs []enqueuedJob
}

func (f *fakeJobs) EnqueueJob(_ context.Context, kind string, _ time.Time, payloadJSON, dedupeKey string) (string, error) {
	f.jobs = append(f.jobs, enqueuedJob{kind: kind, payload: payloadJSON, dedupe: dedupeKey})
	return "job-1", nil
}
