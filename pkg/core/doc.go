// Package core provides the domain model for emberq: task envelopes,
// the task state machine, results, outcomes, and the shared error taxonomy.
package core
