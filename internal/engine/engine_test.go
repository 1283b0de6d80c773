package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/model"
	"github.com/seantiz/lockstep/internal/runner"
	"github.com/seantiz/lockstep/internal/runner/builtin"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/store"
	"github.com/seantiz/lockstep/internal/task"
)

func newJournaledEngine(t *testing.T, reg *runner.Registry, workers int) (*engine.Engine, store.Store) {
	t.Helper()
	journal, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	return engine.NewEngine(newPool(t, reg, workers), journal, testLogger()), journal
}

func submit(t *testing.T, eng *engine.Engine, steps int, plan engine.Plan) *model.Run {
	t.Helper()
	r := &model.Run{ID: model.NewID(), Status: model.StatusPending, Steps: steps}
	require.NoError(t, eng.Submit(context.Background(), r, plan, config.DefaultDistribution()))
	return r
}

func TestSubmitCompletes(t *testing.T) {
	eng, journal := newJournaledEngine(t, builtin.NewRegistry(), 2)
	r := submit(t, eng, 2, walkPlan(8, 2))
	eng.Wait()

	got, err := journal.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 2, got.Workers)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.DurationMS)
	assert.JSONEq(t, string(r.Plan), string(got.Plan))

	phases, err := journal.ListPhases(context.Background(), r.ID)
	require.NoError(t, err)
	var kinds []string
	for _, p := range phases {
		kinds = append(kinds, p.Kind)
		assert.Equal(t, model.PhaseCompleted, p.Status)
	}
	assert.Equal(t, []string{"init", "context", "state", "output", "context", "state", "output"}, kinds)
	assert.Equal(t, 0, phases[0].Step)
	assert.Equal(t, 2, phases[6].Step)

	events, err := journal.ListEvents(context.Background(), r.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	phaseDone := 0
	for i, ev := range events {
		assert.Equal(t, i, ev.Seq)
		if ev.Type == model.EventPhaseDone {
			phaseDone++
		}
	}
	assert.Equal(t, 7, phaseDone)
}

func TestSubmitFailingPhase(t *testing.T) {
	eng, journal := newJournaledEngine(t, builtin.NewRegistry(), 2)
	plan := walkPlan(8, 2)
	plan.State.Behaviors = []string{"bogus"}
	r := submit(t, eng, 3, plan)
	eng.Wait()

	got, err := journal.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Contains(t, got.Error, `unknown behavior "bogus"`)

	phases, err := journal.ListPhases(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, "state", phases[2].Kind)
	assert.Equal(t, model.PhaseFailed, phases[2].Status)
	assert.Equal(t, 1, phases[2].Step)
	assert.NotEmpty(t, phases[2].Error)
}

func TestSubmitStreamsEvents(t *testing.T) {
	eng, _ := newJournaledEngine(t, builtin.NewRegistry(), 2)
	r := &model.Run{ID: model.NewID(), Status: model.StatusPending, Steps: 1}

	ch, unsubscribe := eng.Broker().Subscribe(r.ID)
	defer unsubscribe()

	require.NoError(t, eng.Submit(context.Background(), r, walkPlan(4, 2), config.DefaultDistribution()))

	var last model.Event
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, model.EventPhaseDone, last.Type)
	assert.Equal(t, "output", last.Kind)
	eng.Wait()
}

func TestCancelKillsRun(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})

	reg := builtin.NewRegistry()
	reg.Register(task.State, runner.Func(func(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return task.Result{}, ctx.Err()
	}))

	eng, journal := newJournaledEngine(t, reg, 2)
	r := submit(t, eng, 5, walkPlan(8, 2))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("state phase never started")
	}
	require.NoError(t, eng.Cancel(r.ID))
	eng.Wait()

	got, err := journal.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusKilled, got.Status)
	assert.Equal(t, engine.ErrRunKilled.Error(), got.Error)

	assert.ErrorIs(t, eng.Cancel(r.ID), engine.ErrRunNotActive)
}

func TestCancelUnknownRun(t *testing.T) {
	eng, _ := newJournaledEngine(t, builtin.NewRegistry(), 1)
	assert.ErrorIs(t, eng.Cancel("nope"), engine.ErrRunNotActive)
}

func TestSubmitValidation(t *testing.T) {
	t.Run("no journal", func(t *testing.T) {
		eng := newEngine(t, builtin.NewRegistry(), 1)
		r := &model.Run{ID: model.NewID(), Status: model.StatusPending}
		err := eng.Submit(context.Background(), r, walkPlan(4, 2), config.DefaultDistribution())
		assert.ErrorIs(t, err, engine.ErrNoJournal)
	})

	eng, journal := newJournaledEngine(t, builtin.NewRegistry(), 1)

	t.Run("no init package", func(t *testing.T) {
		r := &model.Run{ID: model.NewID(), Status: model.StatusPending}
		err := eng.Submit(context.Background(), r, engine.Plan{}, config.DefaultDistribution())
		assert.ErrorIs(t, err, task.ErrInvalidMessage)
	})

	t.Run("bad distribution", func(t *testing.T) {
		r := &model.Run{ID: model.NewID(), Status: model.StatusPending}
		dist := config.DefaultDistribution()
		dist.RetryBudget = -1
		err := eng.Submit(context.Background(), r, walkPlan(4, 2), dist)
		assert.ErrorIs(t, err, config.ErrInvalidDistribution)
	})

	t.Run("negative steps", func(t *testing.T) {
		r := &model.Run{ID: model.NewID(), Status: model.StatusPending, Steps: -1}
		err := eng.Submit(context.Background(), r, walkPlan(4, 2), config.DefaultDistribution())
		assert.Error(t, err)
	})

	_, total, err := journal.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "rejected runs are not journaled")
}
