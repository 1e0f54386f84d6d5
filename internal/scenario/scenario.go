// Package scenario loads compiled dialogue scenarios and answers read-only
// queries about them.
package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Format identifies a scenario document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) Format {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Load reads a compiled scenario. YAML documents are normalised to JSON first
// so both encodings share the models' decoding rules.
func Load(r io.Reader, format Format) (models.Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	if format == FormatYAML {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml scenario: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalise yaml scenario: %w", err)
		}
	}
	var sc models.Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return sc, nil
}

// ValidationError lists every configuration problem found in a scenario.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid scenario: " + strings.Join(e.Problems, "; ")
}

// Validate checks that every state has a usable fallback, that no intent has
// an empty transition list and that every next_action points inside the scenario.
func Validate(sc models.Scenario) error {
	if len(sc) == 0 {
		return &ValidationError{Problems: []string{"scenario has no states"}}
	}
	var problems []string
	for idx, st := range sc {
		if _, ok := st.Flows[models.IntentFallback]; !ok {
			problems = append(problems, fmt.Sprintf("state %d: missing %q intent", idx, models.IntentFallback))
		}
		for _, intent := range st.Intents() {
			transitions := st.Flows[intent]
			if len(transitions) == 0 {
				problems = append(problems, fmt.Sprintf("state %d intent %q: no transitions", idx, intent))
			}
			for i, t := range transitions {
				if !t.NextAction.End && (t.NextAction.Index < 0 || t.NextAction.Index >= len(sc)) {
					problems = append(problems, fmt.Sprintf("state %d intent %q transition %d: next_action %d out of range", idx, intent, i, t.NextAction.Index))
				}
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IntentInfo is a candidate intent offered to the classifier.
type IntentInfo struct {
	Name        string `json:"intent_name"`
	Description string `json:"intent_description"`
}

// Intents lists the candidate intents of state idx in declaration order,
// excluding silence. The description comes from the first transition.
func Intents(sc models.Scenario, idx int) []IntentInfo {
	if idx < 0 || idx >= len(sc) {
		return nil
	}
	return IntentsOf(sc[idx])
}

// AnswerMode derives how the client should collect the next answer from the
// number of distinct button labels of state idx.
func AnswerMode(sc models.Scenario, idx int) string {
	if idx < 0 || idx >= len(sc) {
		return models.AnswerModeRecording
	}
	seen := map[string]bool{}
	st := sc[idx]
	for _, name := range st.Intents() {
		for _, t := range st.Flows[name] {
			if t.Button != "" {
				seen[t.Button] = true
			}
		}
	}
	switch len(seen) {
	case 2:
		return models.AnswerModeButton2
	case 3:
		return models.AnswerModeButton3
	default:
		return models.AnswerModeRecording
	}
}

// ToolsAt returns every distinct tool declared by the transitions of state idx.
func ToolsAt(sc models.Scenario, idx int) []models.ToolRequest {
	if idx < 0 || idx >= len(sc) {
		return nil
	}
	var out []models.ToolRequest
	st := sc[idx]
	for _, name := range st.Intents() {
		for _, t := range st.Flows[name] {
			out = append(out, t.Tools...)
		}
	}
	return out
}

// PreprocessTitles returns a copy of sc with slot placeholders in state titles filled.
func PreprocessTitles(sc models.Scenario, slots map[string]interface{}) models.Scenario {
	out := sc.Clone()
	for i := range out {
		out[i].Title = FormatSlots(out[i].Title, slots)
	}
	return out
}

// IntentsOf lists the candidate intents of st, excluding silence.
func IntentsOf(st models.State) []IntentInfo {
	var out []IntentInfo
	for _, name := range st.Intents() {
		if name == models.IntentSilence {
			continue
		}
		info := IntentInfo{Name: name}
		if ts := st.Flows[name]; len(ts) > 0 {
			info.Description = ts[0].IntentDescription
		}
		out = append(out, info)
	}
	return out
}
