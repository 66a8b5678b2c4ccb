// Package ratelimit throttles task execution per task name. Limits are
// process-local: each worker enforces its own budget, so the effective
// cluster rate is limit × workers. Throttled envelopes are never failed;
// the worker defers them by the reported retry-after.
package ratelimit
