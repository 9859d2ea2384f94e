package pipeline

import (
	"fmt"

	"reapply/internal/layout"
)

// State is the position of one modality in the reapplication chain.
type State string

const (
	StateNotStarted       State = "NotStarted"
	StatePerRunNormalized State = "PerRunNormalized"
	StateMerged           State = "Merged"
	StatePooledScaled     State = "PooledScaled"
	StateCleaned          State = "Cleaned"
	StateSplit            State = "Split"
	StateRescaled         State = "Rescaled"
	StateDone             State = "Done"
	StateFailed           State = "Failed"
)

// sequence is the only forward path through the states.
var sequence = []State{
	StateNotStarted,
	StatePerRunNormalized,
	StateMerged,
	StatePooledScaled,
	StateCleaned,
	StateSplit,
	StateRescaled,
	StateDone,
}

// ExecutionState holds the current state per processed modality.
type ExecutionState map[layout.Modality]State

// IsTerminal reports whether s is finished.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateFailed
}

// Next returns the state following s, or false when s has no successor.
func Next(s State) (State, bool) {
	for i, st := range sequence {
		if st == s && i+1 < len(sequence) {
			return sequence[i+1], true
		}
	}
	return "", false
}

// Transition performs a validated transition for modality m.
//
// The caller supplies the expected prior state (from). The map is mutated if
// and only if the transition is valid.
func Transition(state ExecutionState, m layout.Modality, from, to State) error {
	cur, ok := state[m]
	if !ok {
		return fmt.Errorf("unknown modality in state: %q", m)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", m, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", m, from, to)
	}
	state[m] = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := Next(from)
	return ok && next == to
}
