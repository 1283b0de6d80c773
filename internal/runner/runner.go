package runner

import (
	"context"

	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

// Runner executes one partition of a phase. It may only read the batches
// the view exposes and must not keep the view after returning. A returned
// error is reported as a task error, not a worker fault.
type Runner interface {
	Run(ctx context.Context, msg task.Message, view *state.View) (task.Result, error)
}

// Func adapts an ordinary function to the Runner interface.
type Func func(ctx context.Context, msg task.Message, view *state.View) (task.Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
	return f(ctx, msg, view)
}
