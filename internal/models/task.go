package models

import "encoding/json"

// ProcessingMarker is stored under a task key while a tool is running.
const ProcessingMarker = "PROCESSING"

// WorkItem is the payload published to the tool queue.
type WorkItem struct {
	ConversationID string      `json:"conversation_id"`
	Tool           ToolRequest `json:"tool"`
	Message        string      `json:"message"`
	AudioURL       string      `json:"audio_url,omitempty"`
	TaskKey        string      `json:"task_key"`
}

// TaskResult is what a tool worker writes under a task key.
type TaskResult struct {
	ToolName           string                 `json:"TOOL_NAME"`
	ToolResult         map[string]interface{} `json:"TOOL_RESULT"`
	ToolSetting        map[string]interface{} `json:"TOOL_SETTING,omitempty"`
	ToolConversationID string                 `json:"TOOL_CONVERSATION_ID,omitempty"`
}

// ParseTaskResult decodes a stored value. It returns nil for the processing
// marker, for malformed JSON and for results without a TOOL_RESULT object.
func ParseTaskResult(value string) *TaskResult {
	if value == "" || value == ProcessingMarker {
		return nil
	}
	var r TaskResult
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil
	}
	if r.ToolResult == nil {
		return nil
	}
	return &r
}

func (r *TaskResult) str(name string) string {
	if r == nil || r.ToolResult == nil {
		return ""
	}
	s, _ := r.ToolResult[name].(string)
	return s
}

// Feedback returns the corrective text of a pronunciation or grammar result.
func (r *TaskResult) Feedback() string {
	if r == nil {
		return ""
	}
	switch r.ToolName {
	case ToolPronunciationChecker:
		return r.str("feedback")
	case ToolGrammarChecker:
		return r.str("explanation")
	}
	return ""
}

// Target returns the expected answer that a corrective sub-dialogue should practice.
func (r *TaskResult) Target() string {
	if r == nil {
		return ""
	}
	switch r.ToolName {
	case ToolPronunciationChecker:
		return r.str("target")
	case ToolGrammarChecker:
		return r.str("fixed_answer")
	}
	return ""
}
