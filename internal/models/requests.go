package models

// InitConversationRequest starts a conversation for a bot.
type InitConversationRequest struct {
	BotID          int64                  `json:"bot_id"`
	ConversationID string                 `json:"conversation_id"`
	InputSlots     map[string]interface{} `json:"input_slots,omitempty"`
	IsTool         bool                   `json:"is_tool,omitempty"`
}

// WebhookRequest carries one user turn.
type WebhookRequest struct {
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	FirstMessage   string    `json:"first_message,omitempty"`
	AudioURL       string    `json:"audio_url,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	History        []Message `json:"history,omitempty"`
	QuestionIdx    *int      `json:"question_idx,omitempty"`
}

// ExtractRequest asks for context extraction over a finished transcript.
type ExtractRequest struct {
	BotID            int64                  `json:"bot_id,omitempty"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	InputSlots       map[string]interface{} `json:"input_slots,omitempty"`
	Variables        map[string]string      `json:"variables,omitempty"`
	GenerationPrompt string                 `json:"generation_prompt,omitempty"`
	History          []Message              `json:"history,omitempty"`
	GenerationParams GenerationParams       `json:"generation_params"`
}
