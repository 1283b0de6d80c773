package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

// ErrNoRunner is returned when no runner is registered for a kind.
var ErrNoRunner = errors.New("no runner registered")

// Registry holds one runner per task kind.
type Registry struct {
	mu      sync.RWMutex
	runners map[task.Kind]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[task.Kind]Runner),
	}
}

// Register installs r for kind, replacing any previous runner.
func (r *Registry) Register(kind task.Kind, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = rn
}

// Resolve returns the runner registered for kind.
func (r *Registry) Resolve(kind task.Kind) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w for kind %s", ErrNoRunner, kind)
	}
	return rn, nil
}

// Kinds returns the registered kinds in phase order.
func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]task.Kind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Execute runs one partition message through the matching runner. Every
// application-level problem (a malformed message, a missing runner, a runner
// error or a result of the wrong shape) comes back as a result carrying a
// task error. Panics are not recovered here; the worker hosting the registry
// decides what a panic means.
func (r *Registry) Execute(ctx context.Context, msg task.Message, view *state.View) task.Result {
	if err := msg.Validate(); err != nil {
		return task.Failed(msg.Kind, msg.Partition, err.Error())
	}

	rn, err := r.Resolve(msg.Kind)
	if err != nil {
		return task.Failed(msg.Kind, msg.Partition, err.Error())
	}

	res, err := rn.Run(ctx, msg, view)
	if err != nil {
		return task.Failed(msg.Kind, msg.Partition, err.Error())
	}
	if res.Kind != msg.Kind {
		return task.Failed(msg.Kind, msg.Partition,
			fmt.Sprintf("%s runner returned %s result: %v", msg.Kind, res.Kind, task.ErrKindMismatch))
	}
	res.Partition = msg.Partition
	if res.Err != nil {
		e := *res.Err
		e.Kind, e.Partition = msg.Kind, msg.Partition
		res.Err = &e
	}
	if err := res.Validate(); err != nil {
		return task.Failed(msg.Kind, msg.Partition, err.Error())
	}
	return res
}
