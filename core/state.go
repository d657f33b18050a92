package core

import "sync/atomic"

// State is a session lifecycle state.
type State int32

const (
	// StateCreated is the initial state before any user turn is committed.
	StateCreated State = iota
	// StateActive follows the first successful user-turn append.
	StateActive
	// StateTerminated is final. No ledger reads or writes happen after it.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Lifecycle holds a session state and enforces its one-way transitions.
// It is safe for concurrent use.
type Lifecycle struct {
	v atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.v.Load()) }

// Activate moves Created to Active. It reports whether this call made the
// transition.
func (l *Lifecycle) Activate() bool {
	return l.v.CompareAndSwap(int32(StateCreated), int32(StateActive))
}

// Terminate moves any non-terminal state to Terminated. It reports whether
// this call made the transition.
func (l *Lifecycle) Terminate() bool {
	for {
		cur := l.v.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if l.v.CompareAndSwap(cur, int32(StateTerminated)) {
			return true
		}
	}
}

// Terminated reports whether the lifecycle reached its final state.
func (l *Lifecycle) Terminated() bool { return l.State() == StateTerminated }
