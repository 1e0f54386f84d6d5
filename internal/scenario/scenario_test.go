package scenario

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

const yamlScenario = `
- title: "Do you like {{topic}}?"
  max_loop: 2
  flows:
    - intent: "yes"
      transitions:
        - responses: ["Great!"]
          next_action: 1
          button: "Yes"
          regex_positive: ["yes", "sure"]
          intent_description: "user agrees"
        - responses: ["Great again!"]
          next_action: 1
    - intent: "no"
      transitions:
        - responses: ["Oh no"]
          next_action: 1
          button: "No"
    - intent: fallback
      transitions:
        - responses: ["Sorry?"]
          next_action: 0
    - intent: silence
      transitions:
        - responses: ["Are you there?"]
          next_action: 0
- title: "Bye"
  flows:
    - intent: fallback
      transitions:
        - responses: [[{text: "See you", mood: "happy"}]]
          next_action: END
          tools:
            - key: PRONUNCIATION_CHECKER_TOOL
              value: {intent_name: "retry"}
`

func TestLoadYAML(t *testing.T) {
	sc, err := Load(strings.NewReader(yamlScenario), FormatYAML)
	require.NoError(t, err)
	require.Len(t, sc, 2)

	assert.Equal(t, []string{"yes", "no", models.IntentFallback, models.IntentSilence}, sc[0].Intents())
	assert.Equal(t, 2, sc[0].MaxLoop)
	assert.Equal(t, models.ActionTo(1), sc[0].Flows["yes"][0].NextAction)
	assert.True(t, sc[1].Flows[models.IntentFallback][0].NextAction.End)
	assert.Equal(t, "happy", sc[1].Flows[models.IntentFallback][0].Responses[0][0].Mood)
	assert.Equal(t, "retry", sc[1].Flows[models.IntentFallback][0].Tools[0].StringValue("intent_name"))
	assert.NoError(t, Validate(sc))
}

func TestLoadJSONRejectsGarbage(t *testing.T) {
	_, err := Load(strings.NewReader(`{"not":"a list"}`), FormatJSON)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	sc := models.Scenario{
		{Title: "a", Flows: map[string][]models.Transition{"yes": {{NextAction: models.ActionTo(5)}}, "no": {}}, IntentOrder: []string{"yes", "no"}},
	}
	err := Validate(sc)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)

	assert.Error(t, Validate(nil))
}

func TestIntentsAndAnswerMode(t *testing.T) {
	sc, err := Load(strings.NewReader(yamlScenario), FormatYAML)
	require.NoError(t, err)

	intents := Intents(sc, 0)
	require.Len(t, intents, 3)
	assert.Equal(t, IntentInfo{Name: "yes", Description: "user agrees"}, intents[0])
	assert.Nil(t, Intents(sc, 7))

	assert.Equal(t, models.AnswerModeButton2, AnswerMode(sc, 0))
	assert.Equal(t, models.AnswerModeRecording, AnswerMode(sc, 1))
	assert.Equal(t, models.AnswerModeRecording, AnswerMode(sc, 9))

	assert.Len(t, ToolsAt(sc, 1), 1)
}

func TestPreprocessTitles(t *testing.T) {
	sc, err := Load(strings.NewReader(yamlScenario), FormatYAML)
	require.NoError(t, err)

	out := PreprocessTitles(sc, map[string]interface{}{"topic": "music"})
	assert.Equal(t, "Do you like music?", out[0].Title)
	assert.Equal(t, "Do you like {{topic}}?", sc[0].Title)
}

func TestFormatSlots(t *testing.T) {
	slots := map[string]interface{}{
		"name":  "Ana",
		"user":  map[string]interface{}{"age": float64(30), "pets": []interface{}{"cat", "dog"}},
		"empty": nil,
	}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hello {{name}}", "Hello Ana"},
		{"missing kept verbatim", "Hello {{nickname}}", "Hello {{nickname}}"},
		{"nested slash", "Age {{user/age}}", "Age 30"},
		{"nested dot with index", "Pet {{user.pets.1}}", "Pet dog"},
		{"index out of range", "Pet {{user/pets/4}}", "Pet {{user/pets/4}}"},
		{"nil value kept", "x {{empty}}", "x {{empty}}"},
		{"no placeholders", "plain   text", "plain   text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSlots(tt.in, slots))
		})
	}
	assert.Equal(t, "Hello {{name}}", FormatSlots("Hello {{name}}", nil))
}
