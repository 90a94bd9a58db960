// Package call implements the per-call state machine for the single primary
// call an operator can hold at a time.
package call

import "fmt"

// State is the lifecycle state of a call session
type State int

const (
	// StateRinging is the initial state of a session, incoming or outgoing
	StateRinging State = iota
	// StateAccepted is after answer, before media negotiation completes
	StateAccepted
	// StateConnected is a fully established call. Hold and mute are
	// orthogonal flags toggled without leaving this state.
	StateConnected
	// StateEnded is the terminal state of a normally terminated call
	StateEnded
	// StateFailed is the terminal state after a signaling or media failure
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateRinging:   {StateAccepted, StateConnected, StateEnded, StateFailed},
	StateAccepted:  {StateConnected, StateEnded, StateFailed},
	StateConnected: {StateEnded, StateFailed},
	StateEnded:     {},
	StateFailed:    {},
}

// CanTransitionTo checks if a transition from s to next is valid
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the final states
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction distinguishes who initiated the call
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// String returns the direction name
func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}
