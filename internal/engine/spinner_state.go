package engine

import "fmt"

// ActivityState is the state of an agent session as shown on the heartbeat
// line.
type ActivityState int

const (
	StateIdle        ActivityState = iota // No session running
	StateWaiting                          // Waiting on the model
	StateTool                             // A tool call is outstanding
	StateDone                             // The agent reported a result
	StateInterrupted                      // Stopped by a local interrupt
	StateFailed                           // The stream ended with an error
)

// String returns a human-readable name for the state.
func (s ActivityState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaiting:
		return "Waiting"
	case StateTool:
		return "Tool"
	case StateDone:
		return "Done"
	case StateInterrupted:
		return "Interrupted"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Active reports whether the heartbeat line should be drawn in this state.
func (s ActivityState) Active() bool {
	return s == StateWaiting || s == StateTool
}

// validTransitions defines the explicit allow-list of state transitions.
var validTransitions = map[ActivityState]map[ActivityState]bool{
	StateIdle: {
		StateWaiting: true,
		StateIdle:    true,
	},
	StateWaiting: {
		StateWaiting:     true,
		StateTool:        true,
		StateDone:        true,
		StateInterrupted: true,
		StateFailed:      true,
	},
	StateTool: {
		StateWaiting:     true,
		StateTool:        true,
		StateDone:        true,
		StateInterrupted: true,
		StateFailed:      true,
	},
	StateDone: {
		StateIdle: true,
		// A result can be followed by a late interrupt or a failed exit.
		StateInterrupted: true,
		StateFailed:      true,
	},
	StateInterrupted: {
		StateIdle: true,
	},
	StateFailed: {
		StateIdle: true,
	},
}

// Transition validates whether a state transition from → to is allowed.
// Returns nil if the transition is valid, or an error describing the invalid transition.
func Transition(from, to ActivityState) error {
	if targets, ok := validTransitions[from]; ok {
		if targets[to] {
			return nil
		}
	}
	return fmt.Errorf("invalid activity transition: %s → %s", from, to)
}
