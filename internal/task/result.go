package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/lockstep/internal/state"
)

var (
	// ErrKindMismatch is returned when a result's kind differs from the task
	// it is merged into.
	ErrKindMismatch = errors.New("task kind mismatch")

	// ErrInvalidResult is returned when a result envelope is malformed.
	ErrInvalidResult = errors.New("invalid task result")

	// ErrTask matches every *Error with errors.Is.
	ErrTask = errors.New("task error")
)

// Error is an application-level failure reported by a runner. It travels as
// data inside a Result and is never treated as a worker fault.
type Error struct {
	Kind      Kind   `json:"kind"`
	Partition int    `json:"partition"`
	Message   string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s task failed in partition %d: %s", e.Kind, e.Partition, e.Message)
}

// Unwrap lets errors.Is match ErrTask.
func (e *Error) Unwrap() error {
	return ErrTask
}

// InitResult carries the freshly built population.
type InitResult struct {
	Batches []state.Batch `json:"batches"`
}

// ContextUpdate replaces the shared context of one batch.
type ContextUpdate struct {
	Batch   state.BatchID   `json:"batch"`
	Context json.RawMessage `json:"context"`
}

// ContextResult carries the context of every batch in a partition.
type ContextResult struct {
	Updates []ContextUpdate `json:"updates"`
}

// AgentUpdate replaces the agents of one batch.
type AgentUpdate struct {
	Batch  state.BatchID `json:"batch"`
	Agents []state.Agent `json:"agents"`
}

// StateResult carries the new agent state of every batch in a partition.
type StateResult struct {
	Updates []AgentUpdate `json:"updates"`
}

// OutputResult carries output records in emission order.
type OutputResult struct {
	Records []state.Record `json:"records"`
}

// Result is the outcome of one partition, or the merged outcome of a phase.
// Either Err is set, or exactly one payload matching Kind is.
type Result struct {
	Kind      Kind   `json:"kind"`
	Partition int    `json:"partition"`
	Err       *Error `json:"error,omitempty"`

	Init    *InitResult    `json:"init,omitempty"`
	Context *ContextResult `json:"context,omitempty"`
	State   *StateResult   `json:"state,omitempty"`
	Output  *OutputResult  `json:"output,omitempty"`
}

// Failed builds a result carrying a task error.
func Failed(kind Kind, partition int, msg string) Result {
	return Result{
		Kind:      kind,
		Partition: partition,
		Err:       &Error{Kind: kind, Partition: partition, Message: msg},
	}
}

// Validate checks the envelope shape.
func (r Result) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidResult, uint8(r.Kind))
	}

	set := 0
	for _, ok := range []bool{r.Init != nil, r.Context != nil, r.State != nil, r.Output != nil} {
		if ok {
			set++
		}
	}
	if r.Err != nil {
		if set != 0 {
			return fmt.Errorf("%w: error result carries a payload", ErrInvalidResult)
		}
		return nil
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidResult, set)
	}

	var ok bool
	switch r.Kind {
	case Init:
		ok = r.Init != nil
	case Context:
		ok = r.Context != nil
	case State:
		ok = r.State != nil
	case Output:
		ok = r.Output != nil
	}
	if !ok {
		return fmt.Errorf("%w: %w: payload does not match kind %s", ErrInvalidResult, ErrKindMismatch, r.Kind)
	}
	return nil
}

// Addressed lists the existing batches a result refers to. Init results
// create batches rather than address them and report none.
func (r Result) Addressed() []state.BatchID {
	var ids []state.BatchID
	switch r.Kind {
	case Init:
	case Context:
		if r.Context != nil {
			for _, u := range r.Context.Updates {
				ids = append(ids, u.Batch)
			}
		}
	case State:
		if r.State != nil {
			for _, u := range r.State.Updates {
				ids = append(ids, u.Batch)
			}
		}
	case Output:
		if r.Output != nil {
			for _, rec := range r.Output.Records {
				ids = append(ids, rec.Batch)
			}
		}
	default:
		panic(fmt.Sprintf("task: addressed batches of %s", r.Kind))
	}
	return ids
}

// Writes reports whether folding r replaces agent state.
func (r Result) Writes() bool {
	switch r.Kind {
	case Init:
		return r.Init != nil
	case State:
		return r.State != nil && len(r.State.Updates) > 0
	case Context, Output:
		return false
	default:
		panic(fmt.Sprintf("task: writes of %s", r.Kind))
	}
}
