package builtin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/lockstep/internal/runner/builtin"
	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

func execute(t *testing.T, st *state.Store, tk task.Task, ids []state.BatchID) task.Result {
	t.Helper()
	part := split.Partition{Batches: ids}
	msg, err := tk.ToMessage(part)
	require.NoError(t, err)

	view := st.View(tk.Grant(part))
	defer view.Release()

	res := builtin.NewRegistry().Execute(context.Background(), msg, view)
	require.Nil(t, res.Err, "task error: %v", res.Err)
	return res
}

func bootstrap(t *testing.T, agents, batchSize int) *state.Store {
	t.Helper()
	params, err := json.Marshal(builtin.InitParams{Agents: agents, BatchSize: batchSize, Seed: 7})
	require.NoError(t, err)

	st := state.NewStore()
	res := execute(t, st, task.NewInit(task.InitMessage{Package: builtin.Package, Params: params}), nil)
	require.NoError(t, task.Fold(st, 0, res))
	return st
}

func TestInitPopulation(t *testing.T) {
	st := bootstrap(t, 10, 4)
	assert.Equal(t, []state.BatchID{0, 1, 2}, st.BatchIDs())

	b2, err := st.Snapshot(2)
	require.NoError(t, err)
	require.Len(t, b2.Agents, 2)
	assert.Equal(t, "agent-8", b2.Agents[0].ID)
}

func TestInitDeterministic(t *testing.T) {
	a := bootstrap(t, 6, 3).Batches()
	b := bootstrap(t, 6, 3).Batches()
	assert.Equal(t, a, b)
}

func TestInitRejectsUnknownPackage(t *testing.T) {
	tk := task.NewInit(task.InitMessage{Package: "flock"})
	msg, err := tk.ToMessage(split.Partition{})
	require.NoError(t, err)

	res := builtin.NewRegistry().Execute(context.Background(), msg, state.NewStore().View(tk.Grant(split.Partition{})))
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "flock")
}

func TestInitRejectsOversizedPopulation(t *testing.T) {
	for _, agents := range []int{builtin.MaxAgents + 1, 1 << 40} {
		params, err := json.Marshal(builtin.InitParams{Agents: agents, BatchSize: 16})
		require.NoError(t, err)
		tk := task.NewInit(task.InitMessage{Package: builtin.Package, Params: params})
		msg, err := tk.ToMessage(split.Partition{})
		require.NoError(t, err)

		res := builtin.NewRegistry().Execute(context.Background(), msg, state.NewStore().View(tk.Grant(split.Partition{})))
		require.NotNil(t, res.Err, "agents=%d", agents)
		assert.Contains(t, res.Err.Message, "exceeds the limit")
		assert.Nil(t, res.Init)
	}
}

func TestInitAtAgentLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a full-size population")
	}
	st := bootstrap(t, builtin.MaxAgents, 1000)
	assert.Equal(t, builtin.MaxAgents/1000, st.Len())
}

func TestContextCentroid(t *testing.T) {
	st := state.NewStore()
	require.NoError(t, st.Load([]state.Batch{{ID: 0, Agents: []state.Agent{
		{ID: "a", Fields: map[string]json.RawMessage{"x": json.RawMessage(`0`), "y": json.RawMessage(`2`)}},
		{ID: "b", Fields: map[string]json.RawMessage{"x": json.RawMessage(`4`), "y": json.RawMessage(`6`)}},
	}}}))

	res := execute(t, st, task.NewContext(1, task.ContextMessage{}), []state.BatchID{0})
	require.Len(t, res.Context.Updates, 1)

	var c builtin.Centroid
	require.NoError(t, json.Unmarshal(res.Context.Updates[0].Context, &c))
	assert.Equal(t, builtin.Centroid{X: 2, Y: 4, N: 2}, c)
}

func TestStateDriftMovesTowardsCentroid(t *testing.T) {
	st := bootstrap(t, 4, 4)
	ids := st.BatchIDs()
	require.NoError(t, task.Fold(st, 1, execute(t, st, task.NewContext(1, task.ContextMessage{}), ids)))

	params := json.RawMessage(`{"rate":1}`)
	res := execute(t, st, task.NewState(1, task.StateMessage{Behaviors: []string{builtin.BehaviorDrift}, Params: params}), ids)
	require.NoError(t, task.Fold(st, 1, res))

	b, err := st.Snapshot(0)
	require.NoError(t, err)
	var c builtin.Centroid
	require.NoError(t, json.Unmarshal(b.Context, &c))
	for _, a := range b.Agents {
		var x, y float64
		require.NoError(t, json.Unmarshal(a.Fields["x"], &x))
		require.NoError(t, json.Unmarshal(a.Fields["y"], &y))
		assert.InDelta(t, c.X, x, 1e-9)
		assert.InDelta(t, c.Y, y, 1e-9)
	}
}

func TestStateRequiresContextForDrift(t *testing.T) {
	st := bootstrap(t, 2, 2)
	tk := task.NewState(1, task.StateMessage{Behaviors: []string{builtin.BehaviorDrift}})
	part := split.Partition{Batches: st.BatchIDs()}
	msg, err := tk.ToMessage(part)
	require.NoError(t, err)

	res := builtin.NewRegistry().Execute(context.Background(), msg, st.View(tk.Grant(part)))
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "no context")
}

func TestStateUnknownBehavior(t *testing.T) {
	st := bootstrap(t, 2, 2)
	tk := task.NewState(1, task.StateMessage{Behaviors: []string{"teleport"}})
	part := split.Partition{Batches: st.BatchIDs()}
	msg, err := tk.ToMessage(part)
	require.NoError(t, err)

	res := builtin.NewRegistry().Execute(context.Background(), msg, st.View(tk.Grant(part)))
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Message, "teleport")
}

func TestStateSplitIndependent(t *testing.T) {
	st := bootstrap(t, 12, 3)
	ids := st.BatchIDs()
	require.NoError(t, task.Fold(st, 1, execute(t, st, task.NewContext(1, task.ContextMessage{}), ids)))

	tk := task.NewState(1, task.StateMessage{})
	whole := execute(t, st, tk, ids)

	parts := []task.Result{
		execute(t, st, tk, ids[:1]),
		execute(t, st, tk, ids[1:]),
	}
	merged, err := tk.FromResults(parts, split.OrderIndependent)
	require.NoError(t, err)
	assert.Equal(t, whole.State.Updates, merged.State.Updates)
}

func TestOutputFields(t *testing.T) {
	st := bootstrap(t, 3, 2)
	res := execute(t, st, task.NewOutput(5, task.OutputMessage{Fields: []string{"x"}}), st.BatchIDs())
	require.Len(t, res.Output.Records, 3)

	var pos builtin.Position
	require.NoError(t, json.Unmarshal(res.Output.Records[0].Data, &pos))
	assert.Equal(t, "agent-0", pos.AgentID)
	assert.NotNil(t, pos.X)
	assert.Nil(t, pos.Y)
	assert.Equal(t, uint64(5), res.Output.Records[0].Step)
}
