package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskState_Terminal(t *testing.T) {
	terminal := []TaskState{StateSuccess, StateFailure, StateRevoked, StateRejected}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []TaskState{StatePending, StateReceived, StateStarted, StateRetry}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{"", StatePending},
		{StatePending, StateReceived},
		{StatePending, StateRevoked},
		{StateReceived, StateStarted},
		{StateReceived, StateRevoked},
		{StateReceived, StateRejected},
		{StateStarted, StateSuccess},
		{StateStarted, StateFailure},
		{StateStarted, StateRetry},
		{StateStarted, StateRevoked},
		{StateRetry, StatePending},
		{StateRetry, StateReceived},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to TaskState }{
		{StateSuccess, StateStarted},
		{StateFailure, StatePending},
		{StateRevoked, StateReceived},
		{StateRejected, StateStarted},
		{StatePending, StateStarted},
		{StatePending, StateSuccess},
		{StateStarted, StateRejected},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestParseID(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id)
	assert.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestNewID_TimeOrdered(t *testing.T) {
	a := NewID()
	b := NewID()
	// UUIDv7 ids generated in sequence sort chronologically.
	assert.LessOrEqual(t, a, b)
}

func TestTaskOptions_MergePrecedence(t *testing.T) {
	global := DefaultTaskOptions()
	taskDefaults := TaskOptions{Queue: "email", MaxRetries: 5}
	callSite := TaskOptions{Queue: "priority", CorrelationID: "corr"}

	merged := global.Merge(taskDefaults).Merge(callSite)
	assert.Equal(t, "priority", merged.Queue, "call-site wins")
	assert.Equal(t, 5, merged.MaxRetries, "task default survives")
	assert.Equal(t, "corr", merged.CorrelationID)
	assert.Equal(t, SerializerJSON, merged.Serializer, "global default survives")
}
