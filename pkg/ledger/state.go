package ledger

import "fmt"

// State is the lifecycle state of a stage within one run directory.
type State string

const (
	StateNotStarted State = "not-started"
	StateConfigured State = "configured"
	StateRan        State = "ran"
	StateComplete   State = "complete"
	StateIncomplete State = "incomplete"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateNotStarted: {
		StateConfigured: {},
	},
	StateConfigured: {
		StateRan: {},
	},
	StateIncomplete: {
		StateConfigured: {},
		StateRan:        {},
	},
	StateRan: {
		StateComplete:   {},
		StateIncomplete: {},
	},
	StateComplete: {},
}

// ValidateState rejects unknown states.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid stage state: %q", s)
	}
	return nil
}

// ValidateTransition rejects transitions the pipeline never performs.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid stage transition: %s -> %s", from, to)
	}
	return nil
}
