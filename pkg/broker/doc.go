// Package broker defines the transport abstraction that carries task
// envelopes between producers and workers, plus the built-in drivers:
// an in-process broker for tests and embedded use, a NATS JetStream
// driver and a Redis streams driver.
//
// All drivers provide at-least-once delivery. A fetched envelope that is
// neither acked nor nacked within the visibility window is redelivered;
// handlers must tolerate duplicates.
package broker
