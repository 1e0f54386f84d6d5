// Package models defines the data structures shared by the DialogPipe components:
// compiled scenarios, conversation records, tool work items and API envelopes.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved intent names.
const (
	IntentFallback = "fallback"
	IntentSilence  = "silence"
)

// Well-known tool keys whose results the orchestrator interprets.
const (
	ToolPronunciationChecker = "PRONUNCIATION_CHECKER_TOOL"
	ToolGrammarChecker       = "GRAMMAR_CHECKER_TOOL"
)

// Scenario is the compiled, ordered list of states. The index is the state identifier.
type Scenario []State

// State is one node of a scenario.
type State struct {
	Title   string
	MaxLoop int
	// Flows maps an intent name to its ordered transitions.
	Flows map[string][]Transition
	// IntentOrder keeps the declaration order of Flows.
	IntentOrder []string
}

type stateJSON struct {
	Title   string          `json:"title"`
	MaxLoop int             `json:"max_loop,omitempty"`
	Flows   json.RawMessage `json:"flows"`
}

type intentFlowJSON struct {
	Intent      string       `json:"intent"`
	Transitions []Transition `json:"transitions"`
}

// MarshalJSON writes flows as an ordered list of {intent, transitions} pairs.
func (s State) MarshalJSON() ([]byte, error) {
	flows := make([]intentFlowJSON, 0, len(s.Flows))
	for _, intent := range s.Intents() {
		flows = append(flows, intentFlowJSON{Intent: intent, Transitions: s.Flows[intent]})
	}
	raw, err := json.Marshal(flows)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateJSON{Title: s.Title, MaxLoop: s.MaxLoop, Flows: raw})
}

// UnmarshalJSON accepts flows either as an ordered list of {intent, transitions}
// or as an object keyed by intent name. Object key order is preserved.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Title = raw.Title
	s.MaxLoop = raw.MaxLoop
	s.Flows = make(map[string][]Transition)
	s.IntentOrder = nil

	trimmed := bytes.TrimSpace(raw.Flows)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var flows []intentFlowJSON
		if err := json.Unmarshal(trimmed, &flows); err != nil {
			return fmt.Errorf("state %q: invalid flows: %w", raw.Title, err)
		}
		for _, f := range flows {
			s.addFlow(f.Intent, f.Transitions)
		}
		return nil
	}
	return s.decodeOrderedFlows(trimmed)
}

func (s *State) decodeOrderedFlows(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		intent, ok := tok.(string)
		if !ok {
			return fmt.Errorf("state %q: invalid intent key %v", s.Title, tok)
		}
		var transitions []Transition
		if err := dec.Decode(&transitions); err != nil {
			return fmt.Errorf("state %q intent %q: %w", s.Title, intent, err)
		}
		s.addFlow(intent, transitions)
	}
	return nil
}

func (s *State) addFlow(intent string, transitions []Transition) {
	if _, exists := s.Flows[intent]; !exists {
		s.IntentOrder = append(s.IntentOrder, intent)
	}
	s.Flows[intent] = transitions
}

// Intents returns intent names in declaration order. Intents present in Flows
// but missing from IntentOrder are appended at the end.
func (s State) Intents() []string {
	out := make([]string, 0, len(s.Flows))
	seen := make(map[string]bool, len(s.Flows))
	for _, name := range s.IntentOrder {
		if _, ok := s.Flows[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	if len(out) < len(s.Flows) {
		var rest []string
		for name := range s.Flows {
			if !seen[name] {
				rest = append(rest, name)
			}
		}
		sort.Strings(rest)
		out = append(out, rest...)
	}
	return out
}

// Clone returns a deep copy of the scenario's structure so that per-conversation
// rewrites never touch the shared template.
func (sc Scenario) Clone() Scenario {
	if sc == nil {
		return nil
	}
	out := make(Scenario, len(sc))
	for i, st := range sc {
		cp := State{
			Title:       st.Title,
			MaxLoop:     st.MaxLoop,
			Flows:       make(map[string][]Transition, len(st.Flows)),
			IntentOrder: append([]string(nil), st.IntentOrder...),
		}
		for intent, transitions := range st.Flows {
			ts := make([]Transition, len(transitions))
			for j, t := range transitions {
				ts[j] = t.Clone()
			}
			cp.Flows[intent] = ts
		}
		out[i] = cp
	}
	return out
}

// Action is a transition target: a state index or the END sentinel.
type Action struct {
	Index int
	End   bool
}

// ActionEnd is the terminal transition target.
var ActionEnd = Action{End: true}

// ActionTo returns an Action pointing to state index i.
func ActionTo(i int) Action { return Action{Index: i} }

func (a Action) String() string {
	if a.End {
		return "END"
	}
	return strconv.Itoa(a.Index)
}

// MarshalJSON encodes END as a string and indices as numbers.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.End {
		return []byte(`"END"`), nil
	}
	return []byte(strconv.Itoa(a.Index)), nil
}

// UnmarshalJSON accepts a number, a numeric string or "END".
func (a *Action) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*a = Action{}
	case float64:
		*a = Action{Index: int(val)}
	case string:
		s := strings.TrimSpace(val)
		if strings.EqualFold(s, "END") {
			*a = ActionEnd
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid next_action %q", val)
		}
		*a = Action{Index: n}
	default:
		return fmt.Errorf("invalid next_action %s", string(data))
	}
	return nil
}

// Response is one rendered answer part. Only Text is interpreted; the rest is pass-through.
type Response struct {
	Text       string          `json:"text"`
	Mood       string          `json:"mood,omitempty"`
	Image      string          `json:"image,omitempty"`
	Video      string          `json:"video,omitempty"`
	Audio      string          `json:"audio,omitempty"`
	Moods      json.RawMessage `json:"moods,omitempty"`
	VoiceSpeed *float64        `json:"voice_speed,omitempty"`
	Volume     *float64        `json:"volume,omitempty"`
	TextViewer string          `json:"text_viewer,omitempty"`
	Model      string          `json:"model,omitempty"`
}

// Utterance is one response alternative made of one or more parts.
type Utterance []Response

// UnmarshalJSON accepts a plain string, a single response object or a list of
// strings and response objects.
func (u *Utterance) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*u = nil
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*u = Utterance{{Text: s}}
	case '{':
		var r Response
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return err
		}
		*u = Utterance{r}
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		out := make(Utterance, 0, len(parts))
		for _, p := range parts {
			var sub Utterance
			if err := sub.UnmarshalJSON(p); err != nil {
				return err
			}
			out = append(out, sub...)
		}
		*u = out
	default:
		return fmt.Errorf("invalid response %s", string(trimmed))
	}
	return nil
}

// Texts returns the text of every part.
func (u Utterance) Texts() []string {
	out := make([]string, len(u))
	for i, r := range u {
		out[i] = r.Text
	}
	return out
}

// Display is auxiliary presentation metadata passed through to the caller.
type Display struct {
	Mood                string          `json:"mood,omitempty"`
	Image               string          `json:"image,omitempty"`
	Video               string          `json:"video,omitempty"`
	Moods               json.RawMessage `json:"moods,omitempty"`
	ListeningAnimations json.RawMessage `json:"listening_animations,omitempty"`
	Language            string          `json:"language,omitempty"`
	VoiceSpeed          *float64        `json:"voice_speed,omitempty"`
	Volume              *float64        `json:"volume,omitempty"`
	TextViewer          string          `json:"text_viewer,omitempty"`
	AudioListening      string          `json:"audio_listening,omitempty"`
	ImageListening      string          `json:"image_listening,omitempty"`
}

// ToolRequest is an opaque tool invocation attached to a transition.
type ToolRequest struct {
	Key   string                 `json:"key"`
	Value map[string]interface{} `json:"value,omitempty"`
}

// StringValue returns Value[name] when it is a non-empty string.
func (t ToolRequest) StringValue(name string) string {
	if t.Value == nil {
		return ""
	}
	s, _ := t.Value[name].(string)
	return s
}

// ExtractionDirective declares the variables to extract when a sub-flow completes.
type ExtractionDirective struct {
	Variables        map[string]string `json:"variables,omitempty"`
	GenerationPrompt string            `json:"generation_prompt,omitempty"`
}

// ConditionRule is one conditional branch of a Route.
type ConditionRule struct {
	VariableName    string      `json:"variable_name"`
	Operator        string      `json:"operator"`
	ComparisonValue interface{} `json:"comparison_value,omitempty"`
	RobotType       string      `json:"robot_type,omitempty"`
	RobotTypeID     int64       `json:"robot_type_id,omitempty"`
}

// Route is a transition's downstream routing target, optionally rewritten by conditions.
type Route struct {
	RobotType   string          `json:"robot_type,omitempty"`
	RobotTypeID int64           `json:"robot_type_id,omitempty"`
	Conditions  []ConditionRule `json:"conditions,omitempty"`
}

// Transition is one response/tool/next-state bundle within an intent's list.
type Transition struct {
	Responses         []Utterance          `json:"responses"`
	Tools             []ToolRequest        `json:"tools,omitempty"`
	NextAction        Action               `json:"next_action"`
	Score             *float64             `json:"score,omitempty"`
	LLMAnswering      bool                 `json:"llm_answering,omitempty"`
	ParamExtractor    *ExtractionDirective `json:"param_extractor,omitempty"`
	IntentDescription string               `json:"intent_description,omitempty"`
	RegexPositive     []string             `json:"regex_positive,omitempty"`
	RegexNegative     []string             `json:"regex_negative,omitempty"`
	Button            string               `json:"button,omitempty"`
	Display           Display              `json:"display"`
	Route             *Route               `json:"route,omitempty"`
	Trigger           json.RawMessage      `json:"trigger,omitempty"`
}

// Clone copies the mutable parts of a transition.
func (t Transition) Clone() Transition {
	cp := t
	cp.Responses = append([]Utterance(nil), t.Responses...)
	cp.Tools = append([]ToolRequest(nil), t.Tools...)
	cp.RegexPositive = append([]string(nil), t.RegexPositive...)
	cp.RegexNegative = append([]string(nil), t.RegexNegative...)
	if t.Route != nil {
		r := *t.Route
		r.Conditions = append([]ConditionRule(nil), t.Route.Conditions...)
		cp.Route = &r
	}
	if t.Score != nil {
		s := *t.Score
		cp.Score = &s
	}
	return cp
}
