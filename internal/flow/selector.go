package flow

import (
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Selection is the transition chosen for one (state, intent) visit.
type Selection struct {
	// Intent is the flow the transition came from; it differs from the
	// requested intent when the state does not declare it and fallback was used.
	Intent     string
	Index      int
	Overflow   bool
	Transition models.Transition
}

// Select picks the transition for intent at stateIdx and returns a copy of
// lc with the visit counted. lc itself is never modified.
//
// Repeated visits walk the intent's list in order and stay on the last entry
// once it is exhausted. When the state declares max_loop and the visits
// already counted for the state (any intent) plus this one reach it, the last
// entry is used regardless of the intent's own position.
func Select(state models.State, stateIdx int, intent string, lc models.LoopCount) (Selection, models.LoopCount, error) {
	transitions, ok := state.Flows[intent]
	if !ok {
		intent = models.IntentFallback
		transitions, ok = state.Flows[intent]
		if !ok {
			return Selection{}, lc, &ConfigurationError{State: stateIdx, Intent: intent, Reason: "intent not declared and no fallback"}
		}
	}
	if len(transitions) == 0 {
		return Selection{}, lc, &ConfigurationError{State: stateIdx, Intent: intent, Reason: "empty transition list"}
	}

	last := len(transitions) - 1
	visits := lc.Visits(stateIdx, intent)
	total := lc.Total(stateIdx)

	sel := Selection{Intent: intent}
	switch {
	case state.MaxLoop > 0 && total+1 >= state.MaxLoop:
		sel.Index = last
		sel.Overflow = true
	case visits > last:
		sel.Index = last
	default:
		sel.Index = visits
	}
	sel.Transition = transitions[sel.Index].Clone()

	next := lc.Clone()
	for len(next) <= stateIdx {
		next = append(next, map[string]int{})
	}
	next[stateIdx][intent]++
	return sel, next, nil
}
