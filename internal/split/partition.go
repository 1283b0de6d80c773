package split

import (
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/lockstep/internal/state"
)

// ErrCoverage is returned by Verify when partitions do not cover the batch
// set exactly once.
var ErrCoverage = errors.New("partitions do not cover batch set exactly once")

// Partition is one sub-unit of a phase's workload, addressed to one worker.
type Partition struct {
	Index   int             `json:"index"`
	Batches []state.BatchID `json:"batches"`
	Worker  int             `json:"worker"`
}

// Partition cuts batches into partitions according to p. The result depends
// only on (batches, workers, p) and preserves input order inside and across
// partitions. Worker is the preferred slot, assigned round-robin.
//
// A non-splittable policy, or an empty batch set, always yields exactly one
// partition on worker 0.
func (p Policy) Partition(batches []state.BatchID, workers int) ([]Partition, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: need at least one worker, got %d", ErrInvalidPolicy, workers)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if !p.Splittable || len(batches) == 0 {
		return []Partition{{Index: 0, Batches: slices.Clone(batches), Worker: 0}}, nil
	}

	var groups [][]state.BatchID
	switch p.granularity() {
	case PerWorker:
		size := (len(batches) + workers - 1) / workers
		groups = chunk(batches, size)
	case FixedBatches:
		groups = chunk(batches, p.BatchCount)
	case AgentGroups:
		groups = cut(batches, p.GroupBoundaries)
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrInvalidPolicy, p.Granularity)
	}

	parts := make([]Partition, len(groups))
	for i, g := range groups {
		parts[i] = Partition{Index: i, Batches: g, Worker: i % workers}
	}
	return parts, nil
}

func chunk(batches []state.BatchID, size int) [][]state.BatchID {
	var out [][]state.BatchID
	for c := range slices.Chunk(batches, size) {
		out = append(out, slices.Clone(c))
	}
	return out
}

// cut splits at the given offsets. Offsets at or past the end are ignored so
// a boundary list stays usable when the population shrinks.
func cut(batches []state.BatchID, bounds []int) [][]state.BatchID {
	var out [][]state.BatchID
	for i, start := range bounds {
		if start >= len(batches) {
			break
		}
		end := len(batches)
		if i+1 < len(bounds) && bounds[i+1] < end {
			end = bounds[i+1]
		}
		out = append(out, slices.Clone(batches[start:end]))
	}
	return out
}

// Verify checks that parts cover batches exactly once: no batch omitted, none
// duplicated and none foreign.
func Verify(batches []state.BatchID, parts []Partition) error {
	want := make(map[state.BatchID]bool, len(batches))
	for _, id := range batches {
		want[id] = false
	}
	for _, p := range parts {
		for _, id := range p.Batches {
			seen, ok := want[id]
			if !ok {
				return fmt.Errorf("%w: partition %d holds foreign batch %d", ErrCoverage, p.Index, id)
			}
			if seen {
				return fmt.Errorf("%w: batch %d assigned twice", ErrCoverage, id)
			}
			want[id] = true
		}
	}
	for _, id := range batches {
		if !want[id] {
			return fmt.Errorf("%w: batch %d not assigned", ErrCoverage, id)
		}
	}
	return nil
}
