// Package split decides how one phase's workload is cut into partitions and
// how the partitions' results are recombined.
package split

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is returned for a policy that cannot be applied. It is a
// configuration error and aborts the phase before anything is dispatched.
var ErrInvalidPolicy = errors.New("invalid split policy")

// Granularity selects how a splittable workload is grouped.
type Granularity string

const (
	// PerWorker produces ceil(U/W)-sized groups, one per live worker.
	PerWorker Granularity = "per_worker"
	// FixedBatches produces groups of Policy.BatchCount batches.
	FixedBatches Granularity = "batch_count"
	// AgentGroups cuts at the offsets listed in Policy.GroupBoundaries.
	AgentGroups Granularity = "agent_groups"
)

// MergeMode declares how partition results recombine.
type MergeMode string

const (
	// OrderIndependent keys partition results by batch id; arrival order is
	// irrelevant.
	OrderIndependent MergeMode = "order_independent"
	// OrderSensitive re-sequences results by partition index before
	// combining them.
	OrderSensitive MergeMode = "order_sensitive"
)

// Policy is the split/merge configuration for one task kind. The zero value
// is a valid non-splittable, order-independent policy. Granularity only
// matters once Splittable is set, and then defaults to PerWorker.
type Policy struct {
	Splittable      bool        `json:"splittable"`
	Granularity     Granularity `json:"granularity,omitempty"`
	BatchCount      int         `json:"batch_count,omitempty"`
	GroupBoundaries []int       `json:"group_boundaries,omitempty"`
	Merge           MergeMode   `json:"merge,omitempty"`
}

// Single returns a non-splittable policy.
func Single(merge MergeMode) Policy {
	return Policy{Splittable: false, Merge: merge}
}

// Even returns a splittable per-worker policy.
func Even(merge MergeMode) Policy {
	return Policy{Splittable: true, Granularity: PerWorker, Merge: merge}
}

// MergeMode returns the configured merge mode, defaulting to
// OrderIndependent.
func (p Policy) MergeMode() MergeMode {
	if p.Merge == "" {
		return OrderIndependent
	}
	return p.Merge
}

func (p Policy) granularity() Granularity {
	if p.Granularity == "" {
		return PerWorker
	}
	return p.Granularity
}

// Validate reports whether p can be applied.
func (p Policy) Validate() error {
	switch p.MergeMode() {
	case OrderIndependent, OrderSensitive:
	default:
		return fmt.Errorf("%w: unknown merge mode %q", ErrInvalidPolicy, p.Merge)
	}

	if !p.Splittable {
		return nil
	}

	switch p.granularity() {
	case PerWorker:
	case FixedBatches:
		if p.BatchCount < 1 {
			return fmt.Errorf("%w: batch_count must be >= 1, got %d", ErrInvalidPolicy, p.BatchCount)
		}
	case AgentGroups:
		if len(p.GroupBoundaries) == 0 {
			return fmt.Errorf("%w: agent_groups requires group_boundaries", ErrInvalidPolicy)
		}
		if p.GroupBoundaries[0] != 0 {
			return fmt.Errorf("%w: group_boundaries must start at 0", ErrInvalidPolicy)
		}
		for i := 1; i < len(p.GroupBoundaries); i++ {
			if p.GroupBoundaries[i] <= p.GroupBoundaries[i-1] {
				return fmt.Errorf("%w: group_boundaries must be strictly increasing", ErrInvalidPolicy)
			}
		}
	default:
		return fmt.Errorf("%w: unknown granularity %q", ErrInvalidPolicy, p.Granularity)
	}
	return nil
}
