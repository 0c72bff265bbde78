package call

import "fmt"

// State of a call. CONNECTING is outbound only; ENDED, DISMISSED and ERROR
// are terminal.
type State int

const (
	StateConnecting State = iota
	StateRinging
	StateConnected
	StateEnded
	StateDismissed
	StateError
)

var stateNames = [...]string{"CONNECTING", "RINGING", "CONNECTED", "ENDED", "DISMISSED", "ERROR"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateDismissed || s == StateError
}

var transitions = map[State][]State{
	StateConnecting: {StateRinging, StateError},
	StateRinging:    {StateConnected, StateDismissed, StateError},
	StateConnected:  {StateEnded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role is the side of the call this node plays.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}
