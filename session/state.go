package session

// State represents where the connection currently is in its lifecycle.
// We use iota to auto-assign integer values to each constant.
type State int

const (
	StateDisconnected State = iota // 0 - initial, and after every drop or Stop
	StateConnected                 // 1 - socket up, receive-drain loop running
	StateReconnecting              // 2 - a timer-driven reconnect attempt is under way
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// transitions defines which state changes are legal.
// Staying in the same state is always allowed and is a no-op.
var transitions = map[State][]State{
	StateDisconnected: {StateConnected, StateReconnecting},
	StateConnected:    {StateDisconnected},
	StateReconnecting: {StateConnected, StateDisconnected},
}

// isValidTransition reports whether the manager may move from one state to another.
func isValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, valid := range transitions[from] {
		if to == valid {
			return true
		}
	}
	return false
}
