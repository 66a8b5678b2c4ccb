// Package workflow builds multi-task compositions: chains of sequential
// tasks feeding results forward, groups of parallel tasks, and chords
// that run a callback once a whole group finished. The composition is
// encoded into envelope headers at submit time; workers advance it
// without any central coordinator.
package workflow
