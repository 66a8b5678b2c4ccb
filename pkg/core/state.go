package core

// TaskState is one of the states in the task lifecycle automaton.
type TaskState string

const (
	StatePending  TaskState = "PENDING"
	StateReceived TaskState = "RECEIVED"
	StateStarted  TaskState = "STARTED"
	StateSuccess  TaskState = "SUCCESS"
	StateFailure  TaskState = "FAILURE"
	StateRetry    TaskState = "RETRY"
	StateRevoked  TaskState = "REVOKED"
	StateRejected TaskState = "REJECTED"
)

// transitions holds the allowed edges of the state machine.
// Any transition not listed here is a programming error.
var transitions = map[TaskState][]TaskState{
	StatePending:  {StateReceived, StateRevoked},
	StateReceived: {StateStarted, StateRevoked, StateRejected},
	StateStarted:  {StateSuccess, StateFailure, StateRetry, StateRevoked},
	StateRetry:    {StatePending, StateReceived},
}

// IsTerminal reports whether the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateReceived, StateStarted, StateSuccess,
		StateFailure, StateRetry, StateRevoked, StateRejected:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an allowed edge.
// The empty state transitions only to Pending.
func CanTransition(from, to TaskState) bool {
	if from == "" {
		return to == StatePending
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
