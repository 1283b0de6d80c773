package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/lockstep/internal/state"
)

// ErrInvalidMessage is returned when an envelope does not carry exactly one
// payload matching its kind.
var ErrInvalidMessage = errors.New("invalid task message")

// InitMessage asks a worker to build the initial agent population.
type InitMessage struct {
	Package string          `json:"package"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ContextMessage asks a worker to resolve the shared context of its batches.
type ContextMessage struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// StateMessage asks a worker to run the named behaviors over its batches.
type StateMessage struct {
	Behaviors []string        `json:"behaviors,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// OutputMessage asks a worker to emit records for the named agent fields.
// An empty field list means every field.
type OutputMessage struct {
	Fields []string        `json:"fields,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is the wire form of one partition's work. It is self-describing:
// the step, the partition index and the batch ids travel with the payload.
type Message struct {
	Kind      Kind            `json:"kind"`
	Step      uint64          `json:"step"`
	Partition int             `json:"partition"`
	Batches   []state.BatchID `json:"batches"`

	Init    *InitMessage    `json:"init,omitempty"`
	Context *ContextMessage `json:"context,omitempty"`
	State   *StateMessage   `json:"state,omitempty"`
	Output  *OutputMessage  `json:"output,omitempty"`
}

// Validate checks that exactly one payload is set and that it matches Kind.
func (m Message) Validate() error {
	set := 0
	for _, ok := range []bool{m.Init != nil, m.Context != nil, m.State != nil, m.Output != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payloads set", ErrInvalidMessage, set)
	}

	var ok bool
	switch m.Kind {
	case Init:
		ok = m.Init != nil
	case Context:
		ok = m.Context != nil
	case State:
		ok = m.State != nil
	case Output:
		ok = m.Output != nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(m.Kind))
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match kind %s", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	out.Batches = slices.Clone(m.Batches)
	if m.Init != nil {
		v := InitMessage{Package: m.Init.Package, Params: slices.Clone(m.Init.Params)}
		out.Init = &v
	}
	if m.Context != nil {
		v := ContextMessage{Params: slices.Clone(m.Context.Params)}
		out.Context = &v
	}
	if m.State != nil {
		v := StateMessage{Behaviors: slices.Clone(m.State.Behaviors), Params: slices.Clone(m.State.Params)}
		out.State = &v
	}
	if m.Output != nil {
		v := OutputMessage{Fields: slices.Clone(m.Output.Fields), Params: slices.Clone(m.Output.Params)}
		out.Output = &v
	}
	return out
}
