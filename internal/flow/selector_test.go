package flow

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

func escalationState(maxLoop, n int) models.State {
	var wrong []models.Transition
	for i := 0; i < n; i++ {
		wrong = append(wrong, say(fmt.Sprintf("hint %d", i), models.ActionTo(0)))
	}
	return newState("Q", maxLoop,
		flow("wrong", wrong...),
		flow("right", say("good", models.ActionTo(1)), say("good again", models.ActionTo(1))),
		flow(models.IntentFallback, say("again?", models.ActionTo(0))),
	)
}

func TestSelectEscalatesInOrderAndClamps(t *testing.T) {
	st := escalationState(0, 3)
	lc := models.NewLoopCount(1)
	want := []int{0, 1, 2, 2, 2}
	for visit, idx := range want {
		sel, next, err := Select(st, 0, "wrong", lc)
		if err != nil {
			t.Fatalf("visit %d: unexpected error: %v", visit, err)
		}
		if sel.Index != idx {
			t.Errorf("visit %d: index = %d, want %d", visit, sel.Index, idx)
		}
		if sel.Overflow {
			t.Errorf("visit %d: overflow without max_loop", visit)
		}
		lc = next
	}
	if got := lc.Visits(0, "wrong"); got != len(want) {
		t.Errorf("visits = %d, want %d", got, len(want))
	}
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	st := escalationState(0, 2)
	lc := models.NewLoopCount(1)
	if _, _, err := Select(st, 0, "wrong", lc); err != nil {
		t.Fatal(err)
	}
	if lc.Visits(0, "wrong") != 0 {
		t.Error("Select modified the loop count it was given")
	}
}

func TestSelectUnknownIntentUsesFallback(t *testing.T) {
	st := escalationState(0, 1)
	sel, next, err := Select(st, 0, "nonsense", models.NewLoopCount(1))
	if err != nil {
		t.Fatal(err)
	}
	if sel.Intent != models.IntentFallback {
		t.Errorf("intent = %q, want fallback", sel.Intent)
	}
	if next.Visits(0, models.IntentFallback) != 1 {
		t.Error("fallback visit not counted")
	}
}

func TestSelectConfigurationErrors(t *testing.T) {
	noFallback := newState("Q", 0, flow("yes", say("ok", models.ActionTo(0))))
	empty := newState("Q", 0, flow("yes"), flow(models.IntentFallback, say("?", models.ActionTo(0))))

	tests := []struct {
		name   string
		state  models.State
		intent string
	}{
		{"missing intent and fallback", noFallback, "no"},
		{"empty transition list", empty, "yes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Select(tt.state, 3, tt.intent, models.NewLoopCount(4))
			if !IsConfigurationError(err) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestSelectGrowsShortLoopCount(t *testing.T) {
	st := escalationState(0, 1)
	_, next, err := Select(st, 4, "wrong", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 5 || next.Visits(4, "wrong") != 1 {
		t.Errorf("loop count = %v", next)
	}
}

// After N visits of any mix of intents, a state with max_loop N only ever
// yields the last transition of the resolved intent.
func TestSelectLoopCapTerminationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxLoop := rapid.IntRange(1, 6).Draw(t, "maxLoop")
		st := escalationState(maxLoop, rapid.IntRange(1, 5).Draw(t, "wrongLen"))
		intents := []string{"wrong", "right", models.IntentFallback, "unknown"}

		lc := models.NewLoopCount(1)
		steps := rapid.IntRange(maxLoop, maxLoop+8).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			intent := rapid.SampledFrom(intents).Draw(t, fmt.Sprintf("intent%d", i))
			sel, next, err := Select(st, 0, intent, lc)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			last := len(st.Flows[sel.Intent]) - 1
			if i+1 >= maxLoop {
				if !sel.Overflow || sel.Index != last {
					t.Fatalf("step %d (max_loop %d): index %d overflow %v, want last %d", i, maxLoop, sel.Index, sel.Overflow, last)
				}
			}
			if next.Total(0) != lc.Total(0)+1 {
				t.Fatalf("step %d: total did not grow by one", i)
			}
			lc = next
		}
	})
}

// Without a cap, the k-th visit to an intent picks min(k, len-1).
func TestSelectDeterministicEscalationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "len")
		st := escalationState(0, n)
		visits := rapid.IntRange(1, 12).Draw(t, "visits")
		lc := models.NewLoopCount(1)
		for k := 0; k < visits; k++ {
			sel, next, err := Select(st, 0, "wrong", lc)
			if err != nil {
				t.Fatal(err)
			}
			want := k
			if want > n-1 {
				want = n - 1
			}
			if sel.Index != want {
				t.Fatalf("visit %d: index %d, want %d", k, sel.Index, want)
			}
			if sel.Transition.Responses[0][0].Text != fmt.Sprintf("hint %d", want) {
				t.Fatalf("visit %d: wrong transition %q", k, sel.Transition.Responses[0][0].Text)
			}
			lc = next
		}
	})
}
