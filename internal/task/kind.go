// Package task defines the closed set of phase kinds and, for each kind,
// the message a worker receives and the result it sends back. It is the one
// place where every variant is named; the orchestrator and the transports
// are written once against Task, Message and Result.
package task

import (
	"fmt"

	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/state"
)

// Kind identifies a phase. The set is closed: every switch over Kind handles
// all four values.
type Kind uint8

const (
	Init Kind = iota
	Context
	State
	Output
)

// Kinds returns every kind in phase order.
func Kinds() []Kind {
	return []Kind{Init, Context, State, Output}
}

// Valid reports whether k is one of the four kinds.
func (k Kind) Valid() bool {
	return k <= Output
}

func (k Kind) String() string {
	switch k {
	case Init:
		return "init"
	case Context:
		return "context"
	case State:
		return "state"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts a kind name back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "init":
		return Init, nil
	case "context":
		return Context, nil
	case "state":
		return State, nil
	case "output":
		return Output, nil
	default:
		return 0, fmt.Errorf("unknown task kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown task kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// AccessMode is the grant mode partitions of this kind run under.
func (k Kind) AccessMode() state.Mode {
	switch k {
	case Init, State:
		return state.ExclusiveWrite
	case Context, Output:
		return state.ReadOnly
	default:
		panic(fmt.Sprintf("task: access mode of %s", k))
	}
}

// DefaultPolicy returns the split/merge policy used when the distribution
// config does not override one. Init runs as a single instance; output keeps
// partition order so the log reads the same however partitions complete.
func DefaultPolicy(k Kind) split.Policy {
	switch k {
	case Init:
		return split.Single(split.OrderIndependent)
	case Context, State:
		return split.Even(split.OrderIndependent)
	case Output:
		return split.Even(split.OrderSensitive)
	default:
		panic(fmt.Sprintf("task: default policy of %s", k))
	}
}
