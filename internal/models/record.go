package models

import (
	"encoding/json"
	"strconv"
)

// Status is the outcome of a conversation turn.
type Status string

const (
	StatusInit   Status = "INIT"
	StatusChat   Status = "CHAT"
	StatusAction Status = "ACTION"
	StatusEnd    Status = "END"
	StatusError  Status = "ERROR"
)

// IsTerminal reports whether no further turns are expected.
func (s Status) IsTerminal() bool {
	return s == StatusEnd || s == StatusError
}

// Answer modes derived from the number of distinct buttons of a state.
const (
	AnswerModeRecording = "RECORDING"
	AnswerModeButton2   = "BUTTON_2"
	AnswerModeButton3   = "BUTTON_3"
)

// Message is one entry of a dialogue history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LoopCount holds one intent→visits map per state.
type LoopCount []map[string]int

// NewLoopCount returns an empty table for n states.
func NewLoopCount(n int) LoopCount {
	lc := make(LoopCount, n)
	for i := range lc {
		lc[i] = map[string]int{}
	}
	return lc
}

// Clone returns a deep copy.
func (lc LoopCount) Clone() LoopCount {
	out := make(LoopCount, len(lc))
	for i, m := range lc {
		cp := make(map[string]int, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// Visits returns the visit count of intent at state, 0 if absent.
func (lc LoopCount) Visits(state int, intent string) int {
	if state < 0 || state >= len(lc) || lc[state] == nil {
		return 0
	}
	return lc[state][intent]
}

// Total returns the number of visits to state across all intents.
func (lc LoopCount) Total(state int) int {
	if state < 0 || state >= len(lc) {
		return 0
	}
	total := 0
	for _, v := range lc[state] {
		total += v
	}
	return total
}

// ToolState describes the last tool result and any open sub-dialogue.
type ToolState struct {
	Name           string                 `json:"name,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Setting        map[string]interface{} `json:"setting,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Response       *SubDialogueReply      `json:"response,omitempty"`
	// State is the scenario state whose transition opened the sub-dialogue.
	State int `json:"state,omitempty"`
}

// IsOpen reports whether a sub-dialogue is still in progress.
func (t ToolState) IsOpen() bool {
	return t.ConversationID != "" && t.Response != nil && t.Response.Status == StatusChat
}

// SubDialogueReply is the answer of a sub-dialogue webhook.
type SubDialogueReply struct {
	Status Status              `json:"status"`
	Text   Utterance           `json:"text"`
	Record *ConversationRecord `json:"record,omitempty"`
}

// ToolRecording maps tool key → state index → results collected at that state.
type ToolRecording map[string]map[string][]map[string]interface{}

// ConversationRecord is the per-conversation orchestrator state.
type ConversationRecord struct {
	Status          Status             `json:"status"`
	NextAction      Action             `json:"next_action"`
	PreAction       string             `json:"pre_action,omitempty"`
	CurAction       string             `json:"cur_action,omitempty"`
	CurIntent       string             `json:"cur_intent,omitempty"`
	IntentLLM       string             `json:"intent_llm,omitempty"`
	LoopCount       LoopCount          `json:"loop_count"`
	ScoreSum        int                `json:"score_sum"`
	HistoryQuestion []Message          `json:"history_question,omitempty"`
	Display         Display            `json:"display"`
	LanguageSource  string             `json:"language_source,omitempty"`
	Trigger         json.RawMessage    `json:"trigger,omitempty"`
	Tool            ToolState          `json:"tool"`
	ToolRecording   ToolRecording      `json:"tool_recording,omitempty"`
	ToolScore       map[string]float64 `json:"tool_score,omitempty"`
	AnswerMode      string             `json:"answer_mode,omitempty"`
	AnswerModeTool  string             `json:"answer_mode_tool,omitempty"`
	Route           *ConditionRule     `json:"route,omitempty"`
}

// NewConversationRecord creates the INIT record for a scenario.
func NewConversationRecord(sc Scenario) ConversationRecord {
	rec := ConversationRecord{
		Status:        StatusInit,
		NextAction:    ActionTo(0),
		LoopCount:     NewLoopCount(len(sc)),
		ToolRecording: ToolRecording{},
	}
	for idx, st := range sc {
		for _, transitions := range st.Flows {
			for _, t := range transitions {
				for _, tool := range t.Tools {
					if rec.ToolRecording[tool.Key] == nil {
						rec.ToolRecording[tool.Key] = map[string][]map[string]interface{}{}
					}
					rec.ToolRecording[tool.Key][strconv.Itoa(idx)] = []map[string]interface{}{}
				}
			}
		}
	}
	return rec
}

// GenerationParams are LLM call parameters stored with a bot.
type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
}

// Bot is a stored bot definition.
type Bot struct {
	ID               int64                `json:"id"`
	Name             string               `json:"name"`
	Scenario         Scenario             `json:"scenario"`
	SystemPrompt     string               `json:"system_prompt,omitempty"`
	GenerationParams GenerationParams     `json:"generation_params"`
	Extraction       *ExtractionDirective `json:"extraction,omitempty"`
}

// Conversation is everything persisted for one conversation id.
type Conversation struct {
	ConversationID   string                 `json:"conversation_id"`
	BotID            int64                  `json:"bot_id"`
	IsTool           bool                   `json:"is_tool,omitempty"`
	Scenario         Scenario               `json:"scenario"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	GenerationParams GenerationParams       `json:"generation_params"`
	Extraction       *ExtractionDirective   `json:"extraction,omitempty"`
	InputSlots       map[string]interface{} `json:"input_slots"`
	Record           ConversationRecord     `json:"record"`
	History          []Message              `json:"history,omitempty"`
}

// Clone returns a copy of the record whose slices and maps can be mutated
// without touching r. Tool result payloads are shared.
func (r ConversationRecord) Clone() ConversationRecord {
	cp := r
	cp.LoopCount = r.LoopCount.Clone()
	cp.HistoryQuestion = append([]Message(nil), r.HistoryQuestion...)
	cp.Trigger = append([]byte(nil), r.Trigger...)
	if r.ToolRecording != nil {
		cp.ToolRecording = make(ToolRecording, len(r.ToolRecording))
		for tool, states := range r.ToolRecording {
			m := make(map[string][]map[string]interface{}, len(states))
			for state, results := range states {
				m[state] = append([]map[string]interface{}{}, results...)
			}
			cp.ToolRecording[tool] = m
		}
	}
	if r.ToolScore != nil {
		cp.ToolScore = make(map[string]float64, len(r.ToolScore))
		for k, v := range r.ToolScore {
			cp.ToolScore[k] = v
		}
	}
	if r.Route != nil {
		route := *r.Route
		cp.Route = &route
	}
	return cp
}

// AppendToolResult records a tool result against the state it answered.
func (r *ConversationRecord) AppendToolResult(tool string, state int, result map[string]interface{}) {
	if r.ToolRecording == nil {
		r.ToolRecording = ToolRecording{}
	}
	if r.ToolRecording[tool] == nil {
		r.ToolRecording[tool] = map[string][]map[string]interface{}{}
	}
	key := strconv.Itoa(state)
	r.ToolRecording[tool][key] = append(r.ToolRecording[tool][key], result)
}

// PronunciationScore is the share of recorded states whose first
// pronunciation result carried no feedback. It is 0 when nothing was recorded.
func (r ConversationRecord) PronunciationScore() float64 {
	states := r.ToolRecording[ToolPronunciationChecker]
	if len(states) == 0 {
		return 0
	}
	passed := 0
	for _, results := range states {
		if len(results) == 0 {
			continue
		}
		if fb, _ := results[0]["feedback"].(string); fb == "" {
			passed++
		}
	}
	return float64(passed) / float64(len(states))
}
