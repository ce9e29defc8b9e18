package session

import "sync/atomic"

// State is the lifecycle position of one chat socket.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateMachine only moves forward; Closed is terminal and reachable from
// every state.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Current() State {
	return State(m.v.Load())
}

// Advance moves to next if it is the immediate successor of the current
// state, or Closed. It reports whether the transition happened.
func (m *stateMachine) Advance(next State) bool {
	for {
		cur := State(m.v.Load())
		if cur == StateClosed {
			return false
		}
		if next != StateClosed && next != cur+1 {
			return false
		}
		if m.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}
