// Package backend stores task state and results, and provides the
// shared coordination primitives built on that store: the chord barrier,
// the revocation list and the beat slot used to keep multiple beat
// processes from double-publishing.
//
// Terminal states are immutable. Under at-least-once delivery a stale
// redelivery may try to write Started over Success; every driver
// silently drops such writes.
package backend
