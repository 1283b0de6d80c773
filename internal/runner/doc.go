// Package runner defines the contract phase implementations satisfy and the
// registry that maps each task kind to its implementation. Workers, local or
// remote, execute partitions through a Registry.
package runner
