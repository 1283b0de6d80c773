// Package builtin provides a small reference simulation, a seeded random
// walk where agents drift towards the centre of their batch. Every runner
// works batch by batch, so results do not depend on how a phase is split.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"github.com/seantiz/lockstep/internal/runner"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

// Package is the init package name served by this set.
const Package = "walk"

// MaxAgents caps the population one init task may create. An init result
// of this size still fits in a single worker frame.
const MaxAgents = 100_000

const (
	BehaviorDrift  = "drift"
	BehaviorJitter = "jitter"
)

// InitParams configures the population.
type InitParams struct {
	Agents    int     `json:"agents"`
	BatchSize int     `json:"batch_size"`
	Seed      uint64  `json:"seed"`
	Extent    float64 `json:"extent,omitempty"`
}

// StateParams configures one movement step.
type StateParams struct {
	Rate   float64 `json:"rate,omitempty"`
	Jitter float64 `json:"jitter,omitempty"`
	Seed   uint64  `json:"seed,omitempty"`
}

// Centroid is the context computed for every batch.
type Centroid struct {
	X float64 `json:"cx"`
	Y float64 `json:"cy"`
	N int     `json:"n"`
}

// Position is what output records carry.
type Position struct {
	AgentID string   `json:"agent_id"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
}

// NewRegistry returns a registry with all four walk runners installed.
func NewRegistry() *runner.Registry {
	reg := runner.NewRegistry()
	Register(reg)
	return reg
}

// Register installs the walk runners on reg.
func Register(reg *runner.Registry) {
	reg.Register(task.Init, runner.Func(initRun))
	reg.Register(task.Context, runner.Func(contextRun))
	reg.Register(task.State, runner.Func(stateRun))
	reg.Register(task.Output, runner.Func(outputRun))
}

func decode[T any](raw json.RawMessage, v *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func initRun(ctx context.Context, msg task.Message, _ *state.View) (task.Result, error) {
	if msg.Init.Package != Package {
		return task.Result{}, fmt.Errorf("unknown init package %q", msg.Init.Package)
	}
	p := InitParams{BatchSize: 16, Extent: 100}
	if err := decode(msg.Init.Params, &p); err != nil {
		return task.Result{}, err
	}
	if p.Agents < 0 || p.BatchSize < 1 {
		return task.Result{}, fmt.Errorf("invalid population: agents=%d batch_size=%d", p.Agents, p.BatchSize)
	}
	if p.Agents > MaxAgents {
		return task.Result{}, fmt.Errorf("invalid population: agents=%d exceeds the limit of %d", p.Agents, MaxAgents)
	}

	var batches []state.Batch
	for i := 0; i < p.Agents; i++ {
		if i%p.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return task.Result{}, err
			}
			batches = append(batches, state.Batch{ID: state.BatchID(len(batches))})
		}
		r := rand.New(rand.NewPCG(p.Seed, uint64(i)))
		a, err := newAgent(fmt.Sprintf("agent-%d", i), r.Float64()*p.Extent, r.Float64()*p.Extent)
		if err != nil {
			return task.Result{}, err
		}
		b := &batches[len(batches)-1]
		b.Agents = append(b.Agents, a)
	}
	return task.Result{Kind: task.Init, Init: &task.InitResult{Batches: batches}}, nil
}

func contextRun(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
	res := &task.ContextResult{}
	for _, id := range msg.Batches {
		if err := ctx.Err(); err != nil {
			return task.Result{}, err
		}
		b, err := view.Read(id)
		if err != nil {
			return task.Result{}, err
		}
		var c Centroid
		for _, a := range b.Agents {
			x, y, err := position(a)
			if err != nil {
				return task.Result{}, err
			}
			c.X += x
			c.Y += y
			c.N++
		}
		if c.N > 0 {
			c.X /= float64(c.N)
			c.Y /= float64(c.N)
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return task.Result{}, err
		}
		res.Updates = append(res.Updates, task.ContextUpdate{Batch: id, Context: raw})
	}
	return task.Result{Kind: task.Context, Context: res}, nil
}

func stateRun(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
	p := StateParams{Rate: 0.5, Jitter: 1}
	if err := decode(msg.State.Params, &p); err != nil {
		return task.Result{}, err
	}
	behaviors := msg.State.Behaviors
	if len(behaviors) == 0 {
		behaviors = []string{BehaviorDrift, BehaviorJitter}
	}
	for _, b := range behaviors {
		if b != BehaviorDrift && b != BehaviorJitter {
			return task.Result{}, fmt.Errorf("unknown behavior %q", b)
		}
	}
	drift := slices.Contains(behaviors, BehaviorDrift)
	jitter := slices.Contains(behaviors, BehaviorJitter)

	res := &task.StateResult{}
	for _, id := range msg.Batches {
		if err := ctx.Err(); err != nil {
			return task.Result{}, err
		}
		b, err := view.Read(id)
		if err != nil {
			return task.Result{}, err
		}
		var c Centroid
		if drift {
			if len(b.Context) == 0 {
				return task.Result{}, fmt.Errorf("batch %d has no context", id)
			}
			if err := json.Unmarshal(b.Context, &c); err != nil {
				return task.Result{}, fmt.Errorf("batch %d context: %w", id, err)
			}
		}

		agents := make([]state.Agent, 0, len(b.Agents))
		for _, a := range b.Agents {
			x, y, err := position(a)
			if err != nil {
				return task.Result{}, err
			}
			if drift {
				x += (c.X - x) * p.Rate
				y += (c.Y - y) * p.Rate
			}
			if jitter {
				r := rand.New(rand.NewPCG(p.Seed^msg.Step, agentHash(a.ID)))
				x += (r.Float64()*2 - 1) * p.Jitter
				y += (r.Float64()*2 - 1) * p.Jitter
			}
			moved, err := newAgent(a.ID, x, y)
			if err != nil {
				return task.Result{}, err
			}
			for k, v := range a.Fields {
				if k != "x" && k != "y" {
					moved.Fields[k] = v
				}
			}
			agents = append(agents, moved)
		}
		res.Updates = append(res.Updates, task.AgentUpdate{Batch: id, Agents: agents})
	}
	return task.Result{Kind: task.State, State: res}, nil
}

func outputRun(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
	fields := msg.Output.Fields
	want := func(f string) bool { return len(fields) == 0 || slices.Contains(fields, f) }

	res := &task.OutputResult{}
	for _, id := range msg.Batches {
		if err := ctx.Err(); err != nil {
			return task.Result{}, err
		}
		b, err := view.Read(id)
		if err != nil {
			return task.Result{}, err
		}
		for _, a := range b.Agents {
			x, y, err := position(a)
			if err != nil {
				return task.Result{}, err
			}
			pos := Position{AgentID: a.ID}
			if want("x") {
				pos.X = &x
			}
			if want("y") {
				pos.Y = &y
			}
			raw, err := json.Marshal(pos)
			if err != nil {
				return task.Result{}, err
			}
			res.Records = append(res.Records, state.Record{Step: msg.Step, Batch: id, Data: raw})
		}
	}
	return task.Result{Kind: task.Output, Output: res}, nil
}

func newAgent(id string, x, y float64) (state.Agent, error) {
	xb, err := json.Marshal(x)
	if err != nil {
		return state.Agent{}, err
	}
	yb, err := json.Marshal(y)
	if err != nil {
		return state.Agent{}, err
	}
	return state.Agent{ID: id, Fields: map[string]json.RawMessage{"x": xb, "y": yb}}, nil
}

func position(a state.Agent) (x, y float64, err error) {
	if err := json.Unmarshal(a.Fields["x"], &x); err != nil {
		return 0, 0, fmt.Errorf("agent %s field x: %w", a.ID, err)
	}
	if err := json.Unmarshal(a.Fields["y"], &y); err != nil {
		return 0, 0, fmt.Errorf("agent %s field y: %w", a.ID, err)
	}
	return x, y, nil
}

func agentHash(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}
