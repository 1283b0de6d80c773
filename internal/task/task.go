package task

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/state"
)

// Task is the work of one phase. Exactly one payload is active and it always
// matches Kind; the only way to build a Task is through the New* functions.
type Task struct {
	kind Kind
	step uint64

	init    *InitMessage
	context *ContextMessage
	state   *StateMessage
	output  *OutputMessage
}

// NewInit returns the bootstrap task.
func NewInit(m InitMessage) Task {
	return Task{kind: Init, init: &m}
}

// NewContext returns the context phase of step.
func NewContext(step uint64, m ContextMessage) Task {
	return Task{kind: Context, step: step, context: &m}
}

// NewState returns the state phase of step.
func NewState(step uint64, m StateMessage) Task {
	return Task{kind: State, step: step, state: &m}
}

// NewOutput returns the output phase of step.
func NewOutput(step uint64, m OutputMessage) Task {
	return Task{kind: Output, step: step, output: &m}
}

func (t Task) Kind() Kind   { return t.kind }
func (t Task) Step() uint64 { return t.step }

// Grant derives the access grant a partition of t runs under.
func (t Task) Grant(part split.Partition) state.Grant {
	return state.Grant{
		Partition: part.Index,
		Batches:   slices.Clone(part.Batches),
		Mode:      t.kind.AccessMode(),
	}
}

// ToMessage converts the active payload into the wire message for one
// partition.
func (t Task) ToMessage(part split.Partition) (Message, error) {
	m := Message{
		Kind:      t.kind,
		Step:      t.step,
		Partition: part.Index,
		Batches:   slices.Clone(part.Batches),
	}
	switch t.kind {
	case Init:
		m.Init = t.init
	case Context:
		m.Context = t.context
	case State:
		m.State = t.state
	case Output:
		m.Output = t.output
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(t.kind))
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	// Each partition gets its own copy of the payload.
	return m.Clone(), nil
}

// FromResults validates partition results against t and merges them into one
// phase result. The first task error found, in partition order, is returned
// as a *Error. Order-independent merges key updates by batch id and reject
// duplicates; order-sensitive merges keep partition order.
func (t Task) FromResults(results []Result, mode split.MergeMode) (Result, error) {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b Result) int { return cmp.Compare(a.Partition, b.Partition) })

	for _, r := range sorted {
		if r.Kind != t.kind {
			return Result{}, fmt.Errorf("%w: %s result for %s task", ErrKindMismatch, r.Kind, t.kind)
		}
		if err := r.Validate(); err != nil {
			return Result{}, fmt.Errorf("partition %d: %w", r.Partition, err)
		}
	}
	for _, r := range sorted {
		if r.Err != nil {
			return Result{}, r.Err
		}
	}

	switch mode {
	case split.OrderIndependent, split.OrderSensitive:
	default:
		return Result{}, fmt.Errorf("%w: unknown merge mode %q", split.ErrInvalidPolicy, mode)
	}
	keyed := mode == split.OrderIndependent

	merged := Result{Kind: t.kind}
	switch t.kind {
	case Init:
		var batches []state.Batch
		for _, r := range sorted {
			batches = append(batches, r.Init.Batches...)
		}
		if err := uniqueBy(batches, func(b state.Batch) state.BatchID { return b.ID }); err != nil {
			return Result{}, err
		}
		if keyed {
			slices.SortFunc(batches, func(a, b state.Batch) int { return cmp.Compare(a.ID, b.ID) })
		}
		merged.Init = &InitResult{Batches: batches}
	case Context:
		var ups []ContextUpdate
		for _, r := range sorted {
			ups = append(ups, r.Context.Updates...)
		}
		if err := uniqueBy(ups, func(u ContextUpdate) state.BatchID { return u.Batch }); err != nil {
			return Result{}, err
		}
		if keyed {
			slices.SortFunc(ups, func(a, b ContextUpdate) int { return cmp.Compare(a.Batch, b.Batch) })
		}
		merged.Context = &ContextResult{Updates: ups}
	case State:
		var ups []AgentUpdate
		for _, r := range sorted {
			ups = append(ups, r.State.Updates...)
		}
		if err := uniqueBy(ups, func(u AgentUpdate) state.BatchID { return u.Batch }); err != nil {
			return Result{}, err
		}
		if keyed {
			slices.SortFunc(ups, func(a, b AgentUpdate) int { return cmp.Compare(a.Batch, b.Batch) })
		}
		merged.State = &StateResult{Updates: ups}
	case Output:
		var recs []state.Record
		for _, r := range sorted {
			recs = append(recs, r.Output.Records...)
		}
		if keyed {
			// Records of one batch keep their emission order.
			slices.SortStableFunc(recs, func(a, b state.Record) int { return cmp.Compare(a.Batch, b.Batch) })
		}
		merged.Output = &OutputResult{Records: recs}
	default:
		return Result{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidResult, uint8(t.kind))
	}
	return merged, nil
}

func uniqueBy[T any](items []T, key func(T) state.BatchID) error {
	seen := make(map[state.BatchID]struct{}, len(items))
	for _, it := range items {
		id := key(it)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("merge batch %d: %w", id, state.ErrDuplicateBatch)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Fold writes a merged result into st. Init loads the population; context
// and state replace per-batch data; output appends to the log under step.
func Fold(st *state.Store, step uint64, r Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Err != nil {
		return r.Err
	}

	switch r.Kind {
	case Init:
		return st.Load(r.Init.Batches)
	case Context:
		changes := make([]state.Change, len(r.Context.Updates))
		for i, u := range r.Context.Updates {
			changes[i] = state.Change{Batch: u.Batch, Context: u.Context}
		}
		return st.Apply(changes, nil)
	case State:
		changes := make([]state.Change, len(r.State.Updates))
		for i, u := range r.State.Updates {
			agents := u.Agents
			if agents == nil {
				agents = []state.Agent{}
			}
			changes[i] = state.Change{Batch: u.Batch, Agents: agents}
		}
		return st.Apply(changes, nil)
	case Output:
		recs := make([]state.Record, len(r.Output.Records))
		for i, rec := range r.Output.Records {
			rec.Step = step
			recs[i] = rec
		}
		return st.Apply(nil, recs)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidResult, uint8(r.Kind))
	}
}
