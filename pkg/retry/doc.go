// Package retry computes backoff delays and retry decisions for failed
// task attempts. A Policy is a pure value: delay computation has no side
// effects, so retries stay reproducible and testable.
package retry
