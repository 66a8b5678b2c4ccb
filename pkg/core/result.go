package core

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskResult is the durable record of a task's terminal (or intermediate)
// state. It is written by the worker only and read by producers and by
// workflow callbacks.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	State       TaskState  `json:"state"`
	Value       []byte     `json:"value,omitempty"`
	Error       string     `json:"error,omitempty"`
	Traceback   string     `json:"traceback,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RuntimeMS   int64      `json:"runtime_ms,omitempty"`
	Attempts    int        `json:"attempts"`
	WorkerID    string     `json:"worker_id,omitempty"`
}

// Err returns the stored failure as an error, or nil for non-failure states.
func (r *TaskResult) Err() error {
	if r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

// Unmarshal decodes the stored value into dst.
func (r *TaskResult) Unmarshal(dst any) error {
	if r.Value == nil {
		return ErrResultNotReady
	}
	return json.Unmarshal(r.Value, dst)
}

// OutcomeKind discriminates the execution outcome sum type.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFailure
	OutcomeRevoked
)

// Outcome is the result of one execution attempt. Retries are data, not
// stack unwinding: the worker turns an executable's return into an Outcome
// and acts on it.
type Outcome struct {
	Kind  OutcomeKind
	Value []byte
	Err   error
	// Delay is the wait before the next attempt when Kind is OutcomeRetry.
	Delay time.Duration
}

// Succeed builds a success outcome carrying the serialized return value.
func Succeed(value []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Value: value}
}

// Fail builds a terminal failure outcome.
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Again builds a retry outcome with the given delay.
func Again(err error, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err, Delay: delay}
}

// Cancelled builds a revoked outcome.
func Cancelled(err error) Outcome {
	return Outcome{Kind: OutcomeRevoked, Err: err}
}
