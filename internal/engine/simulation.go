package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

var (
	// ErrNotBootstrapped is returned by Step before Bootstrap succeeded.
	ErrNotBootstrapped = errors.New("simulation not bootstrapped")

	// ErrBootstrapped is returned by a second Bootstrap.
	ErrBootstrapped = errors.New("simulation already bootstrapped")
)

// Plan is the per-phase payload of a run. The same context, state and output
// messages are sent every step.
type Plan struct {
	Init    task.InitMessage    `json:"init"`
	Context task.ContextMessage `json:"context"`
	State   task.StateMessage   `json:"state"`
	Output  task.OutputMessage  `json:"output"`
}

// Validate reports whether the plan names an init package.
func (p Plan) Validate() error {
	if p.Init.Package == "" {
		return fmt.Errorf("%w: plan has no init package", task.ErrInvalidMessage)
	}
	return nil
}

// Simulation is the lock-step loop over one store: Bootstrap once, then
// Step runs context, state and output in that order. A failed phase leaves
// the step counter where it was.
type Simulation struct {
	engine  *Engine
	store   *state.Store
	dist    config.Distribution
	plan    Plan
	observe Observer

	bootstrapped bool
	step         uint64
}

// NewSimulation prepares a simulation. observe may be nil.
func NewSimulation(e *Engine, st *state.Store, dist config.Distribution, plan Plan, observe Observer) *Simulation {
	return &Simulation{
		engine:  e,
		store:   st,
		dist:    dist,
		plan:    plan,
		observe: observe,
	}
}

// Store returns the simulation's shared store.
func (s *Simulation) Store() *state.Store {
	return s.store
}

// CurrentStep returns the number of completed steps.
func (s *Simulation) CurrentStep() uint64 {
	return s.step
}

// Bootstrap runs the init phase.
func (s *Simulation) Bootstrap(ctx context.Context) (PhaseResult, error) {
	if s.bootstrapped {
		return PhaseResult{}, ErrBootstrapped
	}
	res, err := s.engine.runPhase(ctx, task.NewInit(s.plan.Init), s.store, s.dist, s.observe)
	if err != nil {
		return res, err
	}
	s.bootstrapped = true
	return res, nil
}

// Step runs one full step. It returns one result per phase it reached, the
// last one being the failed phase when err is non-nil.
func (s *Simulation) Step(ctx context.Context) ([]PhaseResult, error) {
	if !s.bootstrapped {
		return nil, ErrNotBootstrapped
	}
	next := s.step + 1

	tasks := []task.Task{
		task.NewContext(next, s.plan.Context),
		task.NewState(next, s.plan.State),
		task.NewOutput(next, s.plan.Output),
	}

	var results []PhaseResult
	for _, t := range tasks {
		if ctx.Err() != nil {
			results = append(results, PhaseResult{Kind: t.Kind(), Step: next})
			return results, &StepError{Step: next, Kind: t.Kind(), Partition: -1, Cause: context.Cause(ctx)}
		}
		res, err := s.engine.runPhase(ctx, t, s.store, s.dist, s.observe)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	s.step = next
	return results, nil
}
