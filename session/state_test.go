package session

import "testing"

// TestValidTransitions walks through the happy path of a connection lifecycle
func TestValidTransitions(t *testing.T) {
	path := []State{
		StateDisconnected,
		StateConnected,    // initial connect
		StateDisconnected, // peer went away
		StateReconnecting, // timer kicks in
		StateReconnecting, // another failed attempt, no-op
		StateConnected,    // back
		StateDisconnected, // Stop
	}

	for i := 1; i < len(path); i++ {
		if !isValidTransition(path[i-1], path[i]) {
			t.Errorf("%s → %s should be valid", path[i-1], path[i])
		}
	}
}

// TestInvalidTransitions makes sure illegal moves are rejected
func TestInvalidTransitions(t *testing.T) {
	// a live connection is never "reconnecting", it has to drop first
	if isValidTransition(StateConnected, StateReconnecting) {
		t.Error("connected → reconnecting should be invalid, but it was allowed")
	}
	if isValidTransition(StateDisconnected, State(42)) {
		t.Error("transition to an unknown state should be invalid")
	}
}

func TestSetStateIgnoresInvalid(t *testing.T) {
	s := New("tcp://unused")
	s.state = StateConnected

	s.setState(StateReconnecting)
	if s.state != StateConnected {
		t.Errorf("expected state to stay connected, got %s", s.state)
	}

	s.setState(StateDisconnected)
	if s.state != StateDisconnected {
		t.Errorf("expected disconnected, got %s", s.state)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		State(9):          "unknown",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Errorf("expected %q, got %q", want, st.String())
		}
	}
}
