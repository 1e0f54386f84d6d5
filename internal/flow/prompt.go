package flow

import (
	"encoding/json"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

// Slot names the prompts are filled with.
const (
	SlotIntentDescription = "INTENT_DESCRIPTION"
	SlotAnsweringHistory  = "ANSWERING_HISTORY"
	SlotExtractionSchema  = "EXTRACTION_VARIABLES"
	SlotConversation      = "CONVERSATION_HISTORY"
)

// DefaultIntentPrompt asks the model to classify the last user message. Bots
// may supply their own system prompt; it should reference {{INTENT_DESCRIPTION}}.
const DefaultIntentPrompt = `You classify the user's latest reply in a scripted conversation.
Choose exactly one intent from this list:
{{INTENT_DESCRIPTION}}

Answer with the intent_name only, with no punctuation or explanation.
If no intent fits, answer fallback.`

// AnsweringPrompt asks the model to bridge from the user's reply to the next question.
const AnsweringPrompt = `You are a friendly conversational assistant.
Given the last exchange, reply naturally to the user in one or two short sentences,
then ask the target question (or say goodbye if the target says so).
Answer in the language of the conversation. Output only the reply text.

{{ANSWERING_HISTORY}}`

// ExtractionPrompt asks the model to pull variables out of a transcript.
const ExtractionPrompt = `Extract the following variables from the conversation.
Variables (name: description):
{{EXTRACTION_VARIABLES}}

Return a single JSON object mapping each variable name to its value.
Use null when the conversation does not mention it.`

// goodbyeTarget replaces the target question when the conversation ends.
const goodbyeTarget = "say goodbye and end conversation"

// intentPrompt renders the classification system prompt for a state.
func intentPrompt(systemPrompt string, intents []scenario.IntentInfo, slots map[string]interface{}) string {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultIntentPrompt
	}
	desc, err := json.MarshalIndent(intents, "", "    ")
	if err != nil {
		desc = []byte("[]")
	}
	vars := make(map[string]interface{}, len(slots)+1)
	for k, v := range slots {
		vars[k] = v
	}
	vars[SlotIntentDescription] = string(desc)
	return scenario.FormatTemplate(systemPrompt, vars)
}

// dialogueMessages builds the classification conversation. An external
// history wins over the record's per-state history, which wins over the bare
// previous answer.
func dialogueMessages(system, preAction, message string, historyQuestion, history []models.Message) []models.Message {
	msgs := []models.Message{{Role: models.RoleSystem, Content: system}}
	switch {
	case len(history) > 0:
		msgs = append(msgs, history...)
	case len(historyQuestion) > 0:
		msgs = append(msgs, historyQuestion...)
	default:
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: preAction})
	}
	return append(msgs, models.Message{Role: models.RoleUser, Content: message})
}

// answeringMessages builds the free-text answering request.
func answeringMessages(preAction, message, target string) []models.Message {
	history := "Assistant: " + preAction + "\nUser: " + message + "\nTarget Question: " + target
	prompt := scenario.FormatTemplate(AnsweringPrompt, map[string]interface{}{SlotAnsweringHistory: history})
	return []models.Message{{Role: models.RoleSystem, Content: prompt}}
}

// transcript renders a history as "Role: content" lines.
func transcript(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			b.WriteString("Assistant: ")
		case models.RoleUser:
			b.WriteString("User: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
