/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

// State represents the dispatch lifecycle stage of a Handle.
//
// Allowed transitions: StateNone -> StatePending on submission,
// StatePending -> StateActive, StateBlocked or StateFailure,
// and StateBlocked -> StateActive (promotion) or StateFailure
// (connection attempt for a promoted handle failed).
type State int

// Dispatch states.
const (
	StateNone State = iota
	StatePending
	StateActive
	StateBlocked
	StateFailure
)

// String returns a human-readable state name.
// Implements fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateBlocked:
		return "blocked"
	case StateFailure:
		return "failure"
	}
	return "unknown"
}
