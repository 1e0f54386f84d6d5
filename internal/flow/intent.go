package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/metrics"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

// IntentSource names the rule that produced a resolution.
type IntentSource string

const (
	SourceFirstTurn IntentSource = "first_turn"
	SourceSilence   IntentSource = "silence"
	SourceButton    IntentSource = "button"
	SourceRegex     IntentSource = "regex"
	SourceLLM       IntentSource = "llm"
	// SourceFallback marks an LLM classification that failed or named an
	// intent outside the state.
	SourceFallback IntentSource = "fallback"
	// SourceTool marks an intent imposed by tool feedback.
	SourceTool IntentSource = "tool"
)

// silenceMarkers are inputs treated as the user saying nothing.
var silenceMarkers = map[string]bool{"": true, "silence": true, "<silence>": true}

// ResolveInput is everything the resolver may look at.
type ResolveInput struct {
	State      models.State
	StateIndex int
	// FirstTurn bypasses resolution: the opening turn always uses fallback.
	FirstTurn       bool
	Message         string
	PreAction       string
	HistoryQuestion []models.Message
	History         []models.Message
	SystemPrompt    string
	Params          models.GenerationParams
	Slots           map[string]interface{}
}

// Resolution is the resolved intent. Intent is always a key of the state's
// flows or fallback. Err carries a recoverable upstream failure, if any.
type Resolution struct {
	Intent    string
	Source    IntentSource
	LLMOutput string
	Err       error
}

// IntentResolver maps user input to an intent of the current state.
type IntentResolver struct {
	llm     LLM
	metrics *metrics.Collector
	regexes sync.Map // pattern -> *regexp.Regexp, nil when invalid
}

// NewIntentResolver creates a resolver. llm may be nil, in which case
// unmatched input resolves to fallback.
func NewIntentResolver(llm LLM, m *metrics.Collector) *IntentResolver {
	return &IntentResolver{llm: llm, metrics: m}
}

// Resolve applies, in order: first turn, silence, button label, regex rules,
// LLM classification.
func (r *IntentResolver) Resolve(ctx context.Context, in ResolveInput) Resolution {
	res := r.resolve(ctx, in)
	r.metrics.RecordIntent(string(res.Source))
	slog.Debug("IntentResolver.Resolve", "state", in.StateIndex, "intent", res.Intent, "source", res.Source, "error", res.Err)
	return res
}

func (r *IntentResolver) resolve(ctx context.Context, in ResolveInput) Resolution {
	if in.FirstTurn {
		return Resolution{Intent: models.IntentFallback, Source: SourceFirstTurn}
	}
	if isSilence(in.Message) {
		return Resolution{Intent: models.IntentSilence, Source: SourceSilence}
	}
	if intent, ok := matchButton(in.State, in.Message); ok {
		return Resolution{Intent: intent, Source: SourceButton}
	}
	if intent, ok := r.matchRegex(in.State, in.Message); ok {
		return Resolution{Intent: intent, Source: SourceRegex}
	}
	return r.classify(ctx, in)
}

func isSilence(message string) bool {
	return silenceMarkers[strings.ToLower(strings.TrimSpace(message))]
}

// matchButton compares the message with every button label of the state,
// ignoring surrounding space and one trailing punctuation mark on either side.
func matchButton(st models.State, message string) (string, bool) {
	msg := trimTrailingPunct(strings.TrimSpace(message))
	if msg == "" {
		return "", false
	}
	for _, intent := range st.Intents() {
		for _, t := range st.Flows[intent] {
			if t.Button == "" {
				continue
			}
			if trimTrailingPunct(strings.TrimSpace(t.Button)) == msg {
				return intent, true
			}
		}
	}
	return "", false
}

func trimTrailingPunct(s string) string {
	r, size := utf8.DecodeLastRuneInString(s)
	if size > 0 && unicode.IsPunct(r) {
		return strings.TrimSpace(s[:len(s)-size])
	}
	return s
}

// matchRegex returns the first intent, in declaration order, owning a
// transition whose positive patterns match and whose negative patterns do not.
func (r *IntentResolver) matchRegex(st models.State, message string) (string, bool) {
	for _, intent := range st.Intents() {
		for _, t := range st.Flows[intent] {
			if len(t.RegexPositive) == 0 || r.anyMatch(t.RegexNegative, message) {
				continue
			}
			if r.anyMatch(t.RegexPositive, message) {
				return intent, true
			}
		}
	}
	return "", false
}

func (r *IntentResolver) anyMatch(patterns []string, message string) bool {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if re := r.compile(p); re != nil && re.MatchString(message) {
			return true
		}
	}
	return false
}

func (r *IntentResolver) compile(pattern string) *regexp.Regexp {
	if v, ok := r.regexes.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		slog.Warn("IntentResolver.compile: invalid pattern ignored", "pattern", pattern, "error", err)
		re = nil
	}
	r.regexes.Store(pattern, re)
	return re
}

// classify asks the LLM. Any failure degrades to fallback with a typed error.
func (r *IntentResolver) classify(ctx context.Context, in ResolveInput) Resolution {
	if r.llm == nil {
		return Resolution{Intent: models.IntentFallback, Source: SourceFallback}
	}
	intents := scenario.IntentsOf(in.State)
	system := intentPrompt(in.SystemPrompt, intents, in.Slots)
	msgs := dialogueMessages(system, in.PreAction, in.Message, in.HistoryQuestion, in.History)

	out, err := r.llm.Complete(ctx, msgs, in.Params)
	if err != nil {
		return Resolution{Intent: models.IntentFallback, Source: SourceFallback, Err: classifyUpstreamError(err)}
	}
	if intent, ok := parseIntent(out, in.State); ok {
		return Resolution{Intent: intent, Source: SourceLLM, LLMOutput: out}
	}
	return Resolution{
		Intent:    models.IntentFallback,
		Source:    SourceFallback,
		LLMOutput: out,
		Err:       fmt.Errorf("%w: intent %q not offered by state %d", ErrUpstreamMalformed, strings.TrimSpace(out), in.StateIndex),
	}
}

// parseIntent accepts a bare intent name (quotes and trailing punctuation
// tolerated, case-insensitive) or a JSON object with an intent field.
func parseIntent(out string, st models.State) (string, bool) {
	candidate := strings.TrimSpace(out)
	if obj, ok := genai.ParseJSONObject(candidate); ok {
		for _, field := range []string{"intent", "intent_name"} {
			if s, ok := obj[field].(string); ok {
				candidate = s
				break
			}
		}
	}
	candidate = strings.Trim(trimTrailingPunct(strings.TrimSpace(candidate)), "\"'`")
	if candidate == "" || candidate == models.IntentSilence {
		return "", false
	}
	if _, ok := st.Flows[candidate]; ok {
		return candidate, true
	}
	for _, name := range st.Intents() {
		if name != models.IntentSilence && strings.EqualFold(name, candidate) {
			return name, true
		}
	}
	return "", false
}

// classifyUpstreamError maps a collaborator failure onto the error taxonomy.
func classifyUpstreamError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamMalformed, err)
}
