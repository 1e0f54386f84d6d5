package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// JobKindExtractContext runs the Context Extractor after a sub-flow finished.
const JobKindExtractContext = "extract_context"

// ExtractionPayload is the JSON payload of extract_context jobs.
type ExtractionPayload struct {
	ConversationID   string                     `json:"conversation_id"`
	Directive        models.ExtractionDirective `json:"directive"`
	GenerationParams models.GenerationParams    `json:"generation_params"`
}

// RegisterJobHandlers registers the flow job handlers with the runner.
func RegisterJobHandlers(runner *store.JobRunner, extractor *Extractor, conversations ConversationStore) {
	runner.RegisterHandler(JobKindExtractContext, makeExtractContextHandler(extractor, conversations))
}

func makeExtractContextHandler(extractor *Extractor, conversations ConversationStore) store.JobHandler {
	return func(ctx context.Context, payloadJSON string) error {
		var p ExtractionPayload
		if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
			return fmt.Errorf("decode extract_context payload: %w", err)
		}
		conv, err := conversations.Get(ctx, p.ConversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			slog.Warn("extract_context: conversation gone", "conversationID", p.ConversationID)
			return nil
		}

		vars := extractor.Extract(ctx, ExtractInput{
			History:          conv.History,
			Slots:            conv.InputSlots,
			Variables:        p.Directive.Variables,
			GenerationPrompt: p.Directive.GenerationPrompt,
			Params:           p.GenerationParams,
		})
		if len(vars) == 0 {
			slog.Debug("extract_context: nothing extracted", "conversationID", p.ConversationID)
			return nil
		}
		found, err := conversations.MergeSlots(ctx, p.ConversationID, vars)
		if err != nil {
			return fmt.Errorf("merge extracted slots: %w", err)
		}
		slog.Info("extract_context: slots merged", "conversationID", p.ConversationID, "count", len(vars), "found", found)
		return nil
	}
}
