// Package state owns simulation state for one run: agent batches, their
// per-step context, and the ordered output log. Workers never touch the
// Store directly; they receive a View scoped to an access Grant, and the
// Verifier checks that grants held by concurrently in-flight partitions never
// overlap on a batch where either side may write.
package state
