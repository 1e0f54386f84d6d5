package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

// ExtractInput is a finished sub-flow to extract variables from.
type ExtractInput struct {
	History []models.Message
	Slots   map[string]interface{}
	// Variables maps a variable name to a description of what to extract.
	Variables        map[string]string
	GenerationPrompt string
	Params           models.GenerationParams
}

// Extractor turns a transcript into slot values with at most two LLM calls.
type Extractor struct {
	llm     LLM
	metrics *metrics.Collector
}

// NewExtractor creates an Extractor.
func NewExtractor(llm LLM, m *metrics.Collector) *Extractor {
	return &Extractor{llm: llm, metrics: m}
}

// Extract runs variable extraction over the transcript, then the generation
// prompt over the slots and the extracted values. Both results are merged
// into the returned map; a failed call contributes nothing.
func (e *Extractor) Extract(ctx context.Context, in ExtractInput) map[string]interface{} {
	out := map[string]interface{}{}
	if e == nil || e.llm == nil {
		return out
	}

	if len(in.Variables) > 0 {
		vars := cloneSlots(in.Slots)
		vars[SlotExtractionSchema] = describeVariables(in.Variables)
		vars[SlotConversation] = transcript(in.History)
		msgs := []models.Message{
			{Role: models.RoleSystem, Content: scenario.FormatTemplate(ExtractionPrompt, vars)},
			{Role: models.RoleUser, Content: transcript(in.History)},
		}
		if obj, ok := e.call(ctx, "extraction", msgs, in.Params); ok {
			for k, v := range obj {
				out[k] = v
			}
		}
	}

	if strings.TrimSpace(in.GenerationPrompt) != "" {
		vars := cloneSlots(in.Slots)
		for k, v := range out {
			if v != nil {
				vars[k] = v
			}
		}
		msgs := []models.Message{{Role: models.RoleSystem, Content: scenario.FormatTemplate(in.GenerationPrompt, vars)}}
		if obj, ok := e.call(ctx, "generation", msgs, in.Params); ok {
			for k, v := range obj {
				out[k] = v
			}
		}
	}
	return out
}

func (e *Extractor) call(ctx context.Context, step string, msgs []models.Message, params models.GenerationParams) (map[string]interface{}, bool) {
	text, err := e.llm.Complete(ctx, msgs, params)
	if err != nil {
		err = classifyUpstreamError(err)
		slog.Warn("Extractor.call: llm failed", "step", step, "error", err)
		e.metrics.RecordExtraction(err)
		return nil, false
	}
	obj, ok := genai.ParseJSONObject(text)
	if !ok {
		slog.Warn("Extractor.call: reply is not a JSON object", "step", step, "error", ErrUpstreamMalformed)
		e.metrics.RecordExtraction(ErrUpstreamMalformed)
		return nil, false
	}
	e.metrics.RecordExtraction(nil)
	return obj, true
}

// describeVariables renders the schema as a stable JSON object.
func describeVariables(vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("{\n")
	for i, name := range names {
		k, _ := json.Marshal(name)
		v, _ := json.Marshal(vars[name])
		b.WriteString("    ")
		b.Write(k)
		b.WriteString(": ")
		b.Write(v)
		if i < len(names)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}")
	return b.String()
}

func cloneSlots(slots map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(slots)+2)
	for k, v := range slots {
		out[k] = v
	}
	return out
}
