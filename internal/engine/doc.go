// Package engine runs simulation phases over a worker pool. RunPhase is the
// orchestrator for one phase: it splits the workload, checks access grants,
// dispatches partitions, retries faulted ones, waits for all of them and
// folds the merged result into the shared store. Simulation strings phases
// into lock-step steps, and Submit runs a whole simulation in the background
// while recording it in the run journal and streaming its events.
package engine
