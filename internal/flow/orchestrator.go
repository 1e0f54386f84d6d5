package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
	"github.com/BTreeMap/DialogPipe/internal/tasks"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

const (
	// DefaultToolBudget is the wall-clock budget for tool results, measured
	// from the start of the turn.
	DefaultToolBudget = 3 * time.Second
	// DefaultApology is returned whenever a turn cannot be served.
	DefaultApology = "Sorry, the system is busy right now. Please try again later."

	maxOverrideDepth = 1
)

// Slots the orchestrator seeds into a tool sub-dialogue.
const (
	SlotStartMessage = "START_MESSAGE"
	SlotTargetAnswer = "TARGET_ANSWER"
)

// ErrConversationNotFound is returned by Process for an unknown conversation id.
var ErrConversationNotFound = errors.New("conversation not found")

// Deps are the collaborators of an Orchestrator. Only Conversations is
// required by Process; every other nil collaborator disables its feature.
type Deps struct {
	LLM           LLM
	Dispatcher    ToolDispatcher
	Barrier       CompletionBarrier
	SubDialogue   SubDialogue
	Jobs          JobEnqueuer
	Conversations ConversationStore
	Metrics       *metrics.Collector
}

// Opts holds orchestrator settings.
type Opts struct {
	ToolBudget time.Duration
	Apology    string
	Now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithToolBudget overrides DefaultToolBudget.
func WithToolBudget(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.ToolBudget = d
		}
	}
}

// WithApology overrides DefaultApology.
func WithApology(text string) Option {
	return func(o *Opts) {
		if text != "" {
			o.Apology = text
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		if now != nil {
			o.Now = now
		}
	}
}

// Orchestrator runs conversation turns against a compiled scenario.
type Orchestrator struct {
	deps     Deps
	resolver *IntentResolver
	opts     Opts
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(deps Deps, opts ...Option) *Orchestrator {
	o := Opts{ToolBudget: DefaultToolBudget, Apology: DefaultApology, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	slog.Debug("Creating Orchestrator", "toolBudget", o.ToolBudget, "llm", deps.LLM != nil, "subDialogue", deps.SubDialogue != nil)
	return &Orchestrator{
		deps:     deps,
		resolver: NewIntentResolver(deps.LLM, deps.Metrics),
		opts:     o,
	}
}

// TurnInput is one user turn for a loaded conversation.
type TurnInput struct {
	Conversation *models.Conversation
	Message      string
	AudioURL     string
	// History and QuestionIndex, when both set, jump the conversation to the
	// given state and replace the per-state history in intent prompts.
	History       []models.Message
	QuestionIndex *int
}

// TurnOutput is the result of a turn. The conversation passed in has already
// been updated with Record.
type TurnOutput struct {
	// BotID is set by Process.
	BotID  int64
	Status models.Status
	Answer models.Utterance
	Record models.ConversationRecord
	Intent string
	Source IntentSource
	Route  *models.ConditionRule
}

// Text joins the answer parts.
func (out TurnOutput) Text() string {
	return strings.Join(out.Answer.Texts(), " ")
}

// turn carries the working state of one Turn call.
type turn struct {
	conv     *models.Conversation
	in       TurnInput
	start    time.Time
	rec      models.ConversationRecord
	stateIdx int
	state    models.State
	slots    map[string]interface{}

	res        Resolution
	sel        Selection
	lc         models.LoopCount
	transition models.Transition
	route      *models.ConditionRule
	answer     models.Utterance
	status     models.Status
	depth      int
	// opened is set when this turn started a sub-dialogue.
	opened bool
}

// Process loads the conversation, runs a turn, appends the exchange to the
// conversation history and saves it.
func (o *Orchestrator) Process(ctx context.Context, req models.WebhookRequest) (TurnOutput, error) {
	if o.deps.Conversations == nil {
		return TurnOutput{}, errors.New("orchestrator has no conversation store")
	}
	conv, err := o.deps.Conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}
	if conv == nil {
		return TurnOutput{}, ErrConversationNotFound
	}

	firstTurn := conv.Record.Status == models.StatusInit
	message := req.Message
	if message == "" && firstTurn {
		message = req.FirstMessage
	}
	out := o.Turn(ctx, TurnInput{
		Conversation:  conv,
		Message:       message,
		AudioURL:      req.AudioURL,
		History:       req.History,
		QuestionIndex: req.QuestionIdx,
	})
	out.BotID = conv.BotID

	if !firstTurn {
		conv.History = append(conv.History, models.Message{Role: models.RoleUser, Content: message})
	}
	conv.History = append(conv.History, models.Message{Role: models.RoleAssistant, Content: out.Text()})

	if err := o.deps.Conversations.Save(ctx, conv); err != nil {
		return out, fmt.Errorf("save conversation %s: %w", req.ConversationID, err)
	}
	return out, nil
}

// Turn advances the conversation by one user message. It never returns an
// error: configuration problems end with ERROR, any other failure with END,
// both carrying the apology.
func (o *Orchestrator) Turn(ctx context.Context, in TurnInput) (out TurnOutput) {
	start := o.opts.Now()
	conv := in.Conversation
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.Turn: panic recovered", "conversationID", conv.ConversationID, "panic", r, "stack", string(debug.Stack()))
			out = o.fail(conv, models.StatusEnd)
		}
		o.deps.Metrics.RecordTurn(string(out.Status), o.opts.Now().Sub(start))
	}()

	rec := conv.Record.Clone()
	if rec.Status.IsTerminal() || rec.NextAction.End {
		slog.Warn("Orchestrator.Turn: conversation already finished", "conversationID", conv.ConversationID, "status", rec.Status)
		status := rec.Status
		if !status.IsTerminal() {
			status = models.StatusEnd
		}
		return TurnOutput{Status: status, Answer: o.apology(), Record: rec}
	}

	t := &turn{conv: conv, in: in, start: start, rec: rec}
	t.slots = recordSlots(conv.InputSlots, t.rec)

	if !conv.IsTool && t.rec.Tool.IsOpen() {
		if res, ok := o.continueSubDialogue(ctx, t); ok {
			conv.Record = res.Record
			return res
		}
	}

	if in.QuestionIndex != nil && len(in.History) > 0 {
		t.rec.NextAction = models.ActionTo(*in.QuestionIndex)
	}
	t.stateIdx = t.rec.NextAction.Index
	if t.stateIdx < 0 || t.stateIdx >= len(conv.Scenario) {
		err := &ConfigurationError{State: t.stateIdx, Reason: "state index out of range"}
		slog.Error("Orchestrator.Turn: configuration error", "conversationID", conv.ConversationID, "error", err)
		return o.fail(conv, models.StatusError)
	}
	t.state = conv.Scenario[t.stateIdx]

	if err := o.run(ctx, t); err != nil {
		status := models.StatusEnd
		if IsConfigurationError(err) {
			status = models.StatusError
		}
		slog.Error("Orchestrator.Turn: turn failed", "conversationID", conv.ConversationID, "state", t.stateIdx, "error", err)
		return o.fail(conv, status)
	}

	conv.Record = t.rec
	slog.Info("Orchestrator.Turn", "conversationID", conv.ConversationID, "state", t.stateIdx, "intent", t.sel.Intent,
		"source", t.res.Source, "next", t.rec.NextAction, "status", t.status, "elapsed", o.opts.Now().Sub(start))
	return TurnOutput{
		Status: t.status,
		Answer: t.answer,
		Record: t.rec,
		Intent: t.sel.Intent,
		Source: t.res.Source,
		Route:  t.route,
	}
}

// run executes the main-flow part of a turn on t.
func (o *Orchestrator) run(ctx context.Context, t *turn) error {
	conv := t.conv
	firstTurn := t.rec.Status == models.StatusInit

	tools := o.prepareTools(scenario.ToolsAt(conv.Scenario, t.stateIdx), conv)
	var g errgroup.Group
	if len(tools) > 0 && o.deps.Dispatcher != nil {
		g.Go(func() error {
			o.deps.Dispatcher.Dispatch(ctx, tasks.DispatchInput{
				ConversationID: conv.ConversationID,
				Tools:          tools,
				Message:        t.in.Message,
				AudioURL:       t.in.AudioURL,
			})
			return nil
		})
	}
	t.res = o.resolver.Resolve(ctx, ResolveInput{
		State:           t.state,
		StateIndex:      t.stateIdx,
		FirstTurn:       firstTurn,
		Message:         t.in.Message,
		PreAction:       t.rec.CurAction,
		HistoryQuestion: t.rec.HistoryQuestion,
		History:         t.in.History,
		SystemPrompt:    conv.SystemPrompt,
		Params:          conv.GenerationParams,
		Slots:           conv.InputSlots,
	})
	_ = g.Wait()
	if t.res.Err != nil {
		slog.Warn("Orchestrator.run: intent resolution degraded", "conversationID", conv.ConversationID, "state", t.stateIdx, "error", t.res.Err)
	}

	if err := o.choose(ctx, t, t.res.Intent); err != nil {
		return err
	}

	if conv.IsTool {
		o.checkToolTurn(ctx, t)
	} else {
		o.collectTools(ctx, t)
	}
	o.finish(ctx, t)
	return nil
}

// choose selects the transition for intent, applies its route and renders
// the answer. An override selects against the table already incremented by
// the first selection, so both intents are counted.
func (o *Orchestrator) choose(ctx context.Context, t *turn, intent string) error {
	lc := t.rec.LoopCount
	if t.lc != nil {
		lc = t.lc
	}
	sel, next, err := Select(t.state, t.stateIdx, intent, lc)
	if err != nil {
		return err
	}
	t.lc = next
	t.sel = sel

	tr, rule := ApplyRoute(sel.Transition, t.slots)
	if rule != nil {
		t.conv.Scenario[t.stateIdx].Flows[sel.Intent][sel.Index] = tr
		t.route = rule
		slog.Debug("Orchestrator.choose: route rewritten", "conversationID", t.conv.ConversationID, "state", t.stateIdx,
			"intent", sel.Intent, "robotType", rule.RobotType, "robotTypeID", rule.RobotTypeID)
	}
	t.transition = tr
	t.status = statusOf(tr)
	t.answer = o.render(ctx, t, tr)
	return nil
}

// override re-runs selection with a corrective intent, at most once per turn.
func (o *Orchestrator) override(ctx context.Context, t *turn, intent string) bool {
	if t.depth >= maxOverrideDepth {
		slog.Warn("Orchestrator.override: depth exhausted", "conversationID", t.conv.ConversationID, "intent", intent)
		return false
	}
	t.depth++
	if err := o.choose(ctx, t, intent); err != nil {
		slog.Warn("Orchestrator.override: corrective intent unusable", "conversationID", t.conv.ConversationID, "intent", intent, "error", err)
		return false
	}
	t.res.Source = SourceTool
	slog.Info("Orchestrator.override", "conversationID", t.conv.ConversationID, "state", t.stateIdx, "intent", t.sel.Intent)
	return true
}

func statusOf(tr models.Transition) models.Status {
	switch {
	case tr.NextAction.End:
		return models.StatusEnd
	case tr.ParamExtractor != nil:
		return models.StatusAction
	default:
		return models.StatusChat
	}
}

// render produces the answer of tr: LLM text when requested and available,
// otherwise one response alternative picked at random with slots filled.
func (o *Orchestrator) render(ctx context.Context, t *turn, tr models.Transition) models.Utterance {
	if tr.LLMAnswering && o.deps.LLM != nil {
		target := goodbyeTarget
		if !tr.NextAction.End && tr.NextAction.Index < len(t.conv.Scenario) {
			target = t.conv.Scenario[tr.NextAction.Index].Title
		}
		text, err := o.deps.LLM.Complete(ctx, answeringMessages(t.rec.CurAction, t.in.Message, target), t.conv.GenerationParams)
		if text = strings.TrimSpace(text); err == nil && text != "" {
			part := models.Response{}
			if len(tr.Responses) > 0 && len(tr.Responses[0]) > 0 {
				part = tr.Responses[0][0]
			}
			part.Text = text
			return models.Utterance{part}
		}
		if err == nil {
			err = ErrUpstreamMalformed
		}
		slog.Warn("Orchestrator.render: llm answering failed, using template", "conversationID", t.conv.ConversationID, "error", classifyUpstreamError(err))
	}
	if len(tr.Responses) == 0 {
		return nil
	}
	return fillUtterance(tr.Responses[util.PickIndex(len(tr.Responses))], t.slots)
}

func fillUtterance(u models.Utterance, slots map[string]interface{}) models.Utterance {
	out := make(models.Utterance, len(u))
	for i, part := range u {
		part.Text = scenario.FormatSlots(part.Text, slots)
		out[i] = part
	}
	return out
}

// prepareTools fills slot placeholders in string tool values and, inside a
// tool sub-dialogue, points pronunciation checks at the practised answer.
func (o *Orchestrator) prepareTools(tools []models.ToolRequest, conv *models.Conversation) []models.ToolRequest {
	out := make([]models.ToolRequest, 0, len(tools))
	for _, tool := range tools {
		out = append(out, prepareTool(tool, conv))
	}
	return out
}

func prepareTool(tool models.ToolRequest, conv *models.Conversation) models.ToolRequest {
	value := make(map[string]interface{}, len(tool.Value)+1)
	for k, v := range tool.Value {
		if s, ok := v.(string); ok {
			v = scenario.FormatSlots(s, conv.InputSlots)
		}
		value[k] = v
	}
	if conv.IsTool && tool.Key == models.ToolPronunciationChecker {
		value["text_refs"] = conv.InputSlots[SlotTargetAnswer]
	}
	if len(value) == 0 {
		value = nil
	}
	return models.ToolRequest{Key: tool.Key, Value: value}
}

// waitTools blocks on the barrier for the given tools, bounded by the turn budget.
func (o *Orchestrator) waitTools(ctx context.Context, t *turn, tools []models.ToolRequest) ([]string, map[string]*models.TaskResult) {
	keys := make([]string, len(tools))
	for i, tool := range tools {
		keys[i] = tasks.TaskKey(t.conv.ConversationID, tool)
	}
	if o.deps.Barrier == nil {
		return keys, map[string]*models.TaskResult{}
	}
	remaining := o.opts.ToolBudget - o.opts.Now().Sub(t.start)
	return keys, o.deps.Barrier.Wait(ctx, keys, remaining)
}

// checkToolTurn handles a pronunciation check inside a tool sub-dialogue:
// feedback on the first tool sends the learner down the fallback branch.
func (o *Orchestrator) checkToolTurn(ctx context.Context, t *turn) {
	if len(t.transition.Tools) == 0 {
		t.rec.Tool = models.ToolState{}
		return
	}
	first := prepareTool(t.transition.Tools[0], t.conv)
	if first.Key != models.ToolPronunciationChecker {
		return
	}
	keys, results := o.waitTools(ctx, t, []models.ToolRequest{first})
	r := results[keys[0]]
	if r == nil {
		slog.Warn("Orchestrator.checkToolTurn: tool result missing", "conversationID", t.conv.ConversationID, "taskKey", keys[0], "error", ErrStoreInconsistency)
		return
	}
	t.rec.Tool.Name = r.ToolName
	t.rec.Tool.Result = r.ToolResult
	if fb, _ := r.ToolResult["feedback"].(string); fb != "" {
		o.override(ctx, t, models.IntentFallback)
	}
}

// collectTools waits for the selected transition's tools and merges their
// results: a corrective intent override or a new tool sub-dialogue.
func (o *Orchestrator) collectTools(ctx context.Context, t *turn) {
	if len(t.transition.Tools) == 0 {
		t.rec.Tool = models.ToolState{}
		return
	}
	tools := o.prepareTools(t.transition.Tools, t.conv)
	keys, results := o.waitTools(ctx, t, tools)
	for i, tool := range tools {
		r := results[keys[i]]
		if r == nil {
			slog.Warn("Orchestrator.collectTools: tool result missing", "conversationID", t.conv.ConversationID,
				"tool", tool.Key, "taskKey", keys[i], "error", ErrStoreInconsistency)
			continue
		}
		t.rec.Tool = models.ToolState{
			Name:           r.ToolName,
			Result:         r.ToolResult,
			Setting:        r.ToolSetting,
			ConversationID: r.ToolConversationID,
		}
		t.rec.AppendToolResult(tool.Key, t.stateIdx, r.ToolResult)

		feedback := r.Feedback()
		if feedback == "" {
			continue
		}
		if corrective := tool.StringValue("intent_name"); tool.Key == models.ToolPronunciationChecker && corrective != "" {
			o.override(ctx, t, corrective)
			return
		}
		o.openSubDialogue(ctx, t, r)
		return
	}
}

// openSubDialogue starts the corrective conversation described by a tool
// result and replaces the turn's answer with its first reply.
func (o *Orchestrator) openSubDialogue(ctx context.Context, t *turn, r *models.TaskResult) {
	if o.deps.SubDialogue == nil {
		return
	}
	robotType, _ := r.ToolSetting["robot_type"].(string)
	subID := r.ToolConversationID
	if subID == "" {
		subID = util.NewConversationID()
	}
	err := o.deps.SubDialogue.InitConversation(ctx, robotType, models.InitConversationRequest{
		BotID:          toInt64(r.ToolSetting["robot_type_id"]),
		ConversationID: subID,
		InputSlots: map[string]interface{}{
			SlotStartMessage: r.Feedback(),
			SlotTargetAnswer: r.Target(),
		},
		IsTool: true,
	})
	if err != nil {
		slog.Warn("Orchestrator.openSubDialogue: init failed", "conversationID", t.conv.ConversationID, "subConversationID", subID, "error", classifyUpstreamError(err))
		return
	}
	reply, err := o.deps.SubDialogue.Webhook(ctx, robotType, models.WebhookRequest{
		ConversationID: subID,
		Message:        t.in.Message,
		FirstMessage:   t.in.Message,
	})
	if err != nil || reply == nil {
		slog.Warn("Orchestrator.openSubDialogue: first webhook failed", "conversationID", t.conv.ConversationID, "subConversationID", subID, "error", err)
		return
	}

	t.rec.Tool.ConversationID = subID
	t.rec.Tool.Response = reply
	t.rec.Tool.State = t.stateIdx
	t.rec.LanguageSource = t.transition.Display.Language
	if sub := reply.Record; sub != nil {
		t.rec.Display = sub.Display
		t.rec.AnswerModeTool = sub.AnswerMode
	}
	t.answer = reply.Text
	t.status = reply.Status
	t.opened = true
	slog.Info("Orchestrator.openSubDialogue", "conversationID", t.conv.ConversationID, "subConversationID", subID, "robotType", robotType, "status", reply.Status)
}

// continueSubDialogue forwards the turn to an open sub-dialogue. It reports
// false when the sub-dialogue could not be reached, in which case the main
// flow handles the turn.
func (o *Orchestrator) continueSubDialogue(ctx context.Context, t *turn) (TurnOutput, bool) {
	if o.deps.SubDialogue == nil {
		return TurnOutput{}, false
	}
	ts := t.rec.Tool
	robotType, _ := ts.Setting["robot_type"].(string)
	reply, err := o.deps.SubDialogue.Webhook(ctx, robotType, models.WebhookRequest{
		ConversationID: ts.ConversationID,
		Message:        t.in.Message,
		AudioURL:       t.in.AudioURL,
	})
	if err != nil || reply == nil {
		slog.Warn("Orchestrator.continueSubDialogue: webhook failed, resuming main flow", "conversationID", t.conv.ConversationID,
			"subConversationID", ts.ConversationID, "error", err)
		return TurnOutput{}, false
	}

	rec := t.rec
	rec.Tool.Response = reply
	answer := append(models.Utterance(nil), reply.Text...)
	status := reply.Status

	var sub models.ConversationRecord
	if reply.Record != nil {
		sub = *reply.Record
	}
	rec.AnswerModeTool = sub.AnswerMode
	if sub.Tool.Name != "" && sub.Tool.Result != nil {
		rec.AppendToolResult(sub.Tool.Name, ts.State, sub.Tool.Result)
	}

	language := sub.Display.Language
	switch reply.Status {
	case models.StatusEnd, models.StatusError, models.StatusAction:
		rec.AnswerModeTool = ""
		language = rec.LanguageSource
		if closing, ok := transitionalSentence(ts.Setting, t.conv.InputSlots); ok {
			answer = append(answer, closing)
		}
		status = rec.Status
		slog.Info("Orchestrator.continueSubDialogue: sub-dialogue finished", "conversationID", t.conv.ConversationID,
			"subConversationID", ts.ConversationID, "subStatus", reply.Status)
	}
	rec.Display = sub.Display
	rec.Display.Language = language
	rec.AnswerMode = scenario.AnswerMode(t.conv.Scenario, rec.NextAction.Index)
	if rec.AnswerModeTool != "" {
		rec.AnswerMode = rec.AnswerModeTool
	}
	if rec.Status == models.StatusInit {
		rec.Status = models.StatusChat
	}
	if status == models.StatusInit || status == "" {
		status = models.StatusChat
	}
	return TurnOutput{Status: status, Answer: answer, Record: rec, Source: SourceTool}, true
}

// transitionalSentence returns the first part of the tool's closing line.
func transitionalSentence(setting map[string]interface{}, slots map[string]interface{}) (models.Response, bool) {
	raw, ok := setting["transitional_sentence"]
	if !ok || raw == nil {
		return models.Response{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return models.Response{}, false
	}
	var u models.Utterance
	if err := json.Unmarshal(data, &u); err != nil || len(u) == 0 {
		return models.Response{}, false
	}
	part := u[0]
	part.Text = scenario.FormatSlots(part.Text, slots)
	return part, part.Text != ""
}

// finish writes the chosen transition into the record.
func (o *Orchestrator) finish(ctx context.Context, t *turn) {
	rec := &t.rec
	tr := t.transition
	conv := t.conv

	rec.LoopCount = t.lc
	rec.Status = t.status
	rec.NextAction = tr.NextAction
	rec.CurIntent = t.sel.Intent
	rec.IntentLLM = t.res.LLMOutput
	if t.route != nil {
		rec.Route = t.route
	}
	if tr.Score != nil {
		rec.ScoreSum += int(*tr.Score)
	}
	if !t.opened {
		rec.Display = tr.Display
	}
	rec.Trigger = append([]byte(nil), tr.Trigger...)

	text := strings.Join(t.answer.Texts(), " ")
	rec.PreAction = rec.CurAction
	rec.CurAction = text
	if tr.NextAction.End || tr.NextAction.Index != t.stateIdx {
		rec.HistoryQuestion = []models.Message{{Role: models.RoleAssistant, Content: text}}
	} else {
		rec.HistoryQuestion = append(rec.HistoryQuestion,
			models.Message{Role: models.RoleUser, Content: t.in.Message},
			models.Message{Role: models.RoleAssistant, Content: text})
	}

	if tr.NextAction.End {
		rec.AnswerMode = models.AnswerModeRecording
	} else {
		rec.AnswerMode = scenario.AnswerMode(conv.Scenario, tr.NextAction.Index)
	}
	if rec.AnswerModeTool != "" {
		rec.AnswerMode = rec.AnswerModeTool
	}
	if len(rec.ToolRecording[models.ToolPronunciationChecker]) > 0 {
		if rec.ToolScore == nil {
			rec.ToolScore = map[string]float64{}
		}
		rec.ToolScore[models.ToolPronunciationChecker] = rec.PronunciationScore()
	}

	if t.status == models.StatusEnd || t.status == models.StatusAction {
		o.enqueueExtraction(ctx, t)
	}
}

// enqueueExtraction schedules the Context Extractor for the finished sub-flow.
func (o *Orchestrator) enqueueExtraction(ctx context.Context, t *turn) {
	directive := t.transition.ParamExtractor
	if directive == nil && t.status == models.StatusEnd {
		directive = t.conv.Extraction
	}
	if directive == nil || (len(directive.Variables) == 0 && directive.GenerationPrompt == "") || o.deps.Jobs == nil {
		return
	}
	payload, err := json.Marshal(ExtractionPayload{
		ConversationID:   t.conv.ConversationID,
		Directive:        *directive,
		GenerationParams: t.conv.GenerationParams,
	})
	if err != nil {
		slog.Error("Orchestrator.enqueueExtraction: encode payload", "conversationID", t.conv.ConversationID, "error", err)
		return
	}
	dedupe := t.conv.ConversationID + ":extract:" + strconv.Itoa(t.stateIdx)
	id, err := o.deps.Jobs.EnqueueJob(ctx, JobKindExtractContext, o.opts.Now(), string(payload), dedupe)
	if err != nil {
		slog.Error("Orchestrator.enqueueExtraction: enqueue failed", "conversationID", t.conv.ConversationID, "error", err)
		return
	}
	slog.Debug("Orchestrator.enqueueExtraction", "conversationID", t.conv.ConversationID, "jobID", id)
}

// fail ends the turn with the apology and marks the record terminal.
func (o *Orchestrator) fail(conv *models.Conversation, status models.Status) TurnOutput {
	rec := conv.Record.Clone()
	rec.Status = status
	conv.Record = rec
	return TurnOutput{Status: status, Answer: o.apology(), Record: rec}
}

func (o *Orchestrator) apology() models.Utterance {
	return models.Utterance{{Text: o.opts.Apology}}
}

// recordSlots exposes the record's fields next to the input slots for
// template substitution. Record fields win on collision.
func recordSlots(input map[string]interface{}, rec models.ConversationRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(input)+16)
	for k, v := range input {
		out[k] = v
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return out
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i
	}
	return 0
}
