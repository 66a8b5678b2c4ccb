// Package worker consumes queues and executes tasks. One Worker runs a
// fetch loop per queue feeding a shared permit pool, writes every state
// transition to the backend, and advances workflow compositions (chain
// steps, chord barriers) as tasks complete.
//
// Execution is at-least-once: a task must tolerate running twice.
// Settlement with the broker happens only after the outcome is
// recorded, so a crash in between re-runs the task rather than losing
// it.
package worker
