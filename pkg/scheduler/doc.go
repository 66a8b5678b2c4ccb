// Package scheduler provides time-based delivery: the relay that holds
// delayed envelopes until their ETA for brokers without native delayed
// publish, and the beat that submits tasks on recurring schedules.
package scheduler
