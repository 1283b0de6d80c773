package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/lockstep/internal/runner"
	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// testRegistry answers context tasks according to the "mode" param: ok,
// fail, panic or block (wait for cancellation).
func testRegistry() *runner.Registry {
	reg := runner.NewRegistry()
	reg.Register(task.Context, runner.Func(func(ctx context.Context, msg task.Message, view *state.View) (task.Result, error) {
		var p struct {
			Mode string `json:"mode"`
		}
		if len(msg.Context.Params) > 0 {
			if err := json.Unmarshal(msg.Context.Params, &p); err != nil {
				return task.Result{}, err
			}
		}
		switch p.Mode {
		case "fail":
			return task.Result{}, assert.AnError
		case "panic":
			panic("runner exploded")
		case "block":
			<-ctx.Done()
			return task.Result{}, ctx.Err()
		}

		res := &task.ContextResult{}
		for _, id := range msg.Batches {
			b, err := view.Read(id)
			if err != nil {
				return task.Result{}, err
			}
			ctxJSON, _ := json.Marshal(map[string]int{"n": len(b.Agents)})
			res.Updates = append(res.Updates, task.ContextUpdate{Batch: id, Context: ctxJSON})
		}
		return task.Result{Kind: task.Context, Context: res}, nil
	}))
	return reg
}

func testDispatch(t *testing.T, mode string) Dispatch {
	t.Helper()
	st := state.NewStore()
	require.NoError(t, st.Load([]state.Batch{
		{ID: 0, Agents: []state.Agent{{ID: "a"}, {ID: "b"}}},
		{ID: 1, Agents: []state.Agent{{ID: "c"}}},
	}))

	params := json.RawMessage(`{"mode":"` + mode + `"}`)
	tk := task.NewContext(1, task.ContextMessage{Params: params})
	part := split.Partition{Index: 0, Batches: []state.BatchID{0, 1}}
	msg, err := tk.ToMessage(part)
	require.NoError(t, err)
	g := tk.Grant(part)
	return Dispatch{Message: msg, Grant: g, View: st.View(g)}
}

func TestLocalHandleSuccess(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	p, err := h.Send(context.Background(), testDispatch(t, "ok"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, time.Second)
	require.True(t, o.OK(), "fault: %v", o.Fault)
	require.Nil(t, o.Result.Err)
	require.Len(t, o.Result.Context.Updates, 2)
	assert.JSONEq(t, `{"n":2}`, string(o.Result.Context.Updates[0].Context))
}

func TestLocalHandleTaskErrorIsData(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	p, err := h.Send(context.Background(), testDispatch(t, "fail"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, time.Second)
	require.True(t, o.OK())
	require.NotNil(t, o.Result.Err)
}

func TestLocalHandlePanicIsFault(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	p, err := h.Send(context.Background(), testDispatch(t, "panic"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, time.Second)
	require.False(t, o.OK())
	assert.ErrorIs(t, o.Fault, ErrWorkerFault)
	assert.False(t, o.TimedOut)

	require.Eventually(t, func() bool {
		_, err := h.Send(context.Background(), testDispatch(t, "ok"))
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestLocalHandleTimeout(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	p, err := h.Send(context.Background(), testDispatch(t, "block"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 20*time.Millisecond)
	require.True(t, o.TimedOut)
	assert.ErrorIs(t, o.Fault, ErrTimeout)

	// The blocked runner observes cancellation and the worker frees up.
	require.Eventually(t, func() bool {
		p, err := h.Send(context.Background(), testDispatch(t, "ok"))
		if err != nil {
			return false
		}
		return h.Await(context.Background(), p, time.Second).OK()
	}, time.Second, 5*time.Millisecond)
}

func TestLocalHandleCanceled(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := h.Send(ctx, testDispatch(t, "block"))
	require.NoError(t, err)
	cancel()

	o := h.Await(ctx, p, time.Second)
	assert.True(t, o.Canceled)
	assert.ErrorIs(t, o.Fault, context.Canceled)

	select {
	case <-p.Stopped():
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestLocalHandleStoppedStaysOpenWhileRunning(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := h.Send(ctx, testDispatch(t, "block"))
	require.NoError(t, err)

	select {
	case <-p.Stopped():
		t.Fatal("stopped before the runner returned")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-p.Stopped():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestLocalHandleBusy(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First job occupies the goroutine, second fills the queue.
	_, err := h.Send(ctx, testDispatch(t, "block"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.jobs) == 0 }, time.Second, time.Millisecond)
	_, err = h.Send(ctx, testDispatch(t, "block"))
	require.NoError(t, err)

	_, err = h.Send(ctx, testDispatch(t, "ok"))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestLocalHandleClosed(t *testing.T) {
	h := NewLocalHandle("w0", testRegistry(), testLogger())
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err := h.Send(context.Background(), testDispatch(t, "ok"))
	assert.ErrorIs(t, err, ErrWorkerFault)
}
