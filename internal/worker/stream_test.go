package worker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/lockstep/internal/runner"
)

// startAgent serves reg on a loopback listener until the test ends.
func startAgent(t *testing.T, reg *runner.Registry) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	agent := NewAgent(ln, reg, testLogger())

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := agent.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return ln.Addr().String()
}

func dialStream(t *testing.T, addr string) *StreamHandle {
	t.Helper()
	conn, err := dialWithRetry(context.Background(), TCPDialer(addr))
	require.NoError(t, err)
	h := NewStreamHandle("remote", conn, testLogger())
	t.Cleanup(func() { h.Close() })
	return h
}

func TestStreamHandleRoundTrip(t *testing.T) {
	h := dialStream(t, startAgent(t, testRegistry()))

	p, err := h.Send(context.Background(), testDispatch(t, "ok"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 2*time.Second)
	require.True(t, o.OK(), "fault: %v", o.Fault)
	require.Nil(t, o.Result.Err)
	require.Len(t, o.Result.Context.Updates, 2)
	assert.JSONEq(t, `{"n":1}`, string(o.Result.Context.Updates[1].Context))
}

func TestStreamHandleConcurrentRequests(t *testing.T) {
	h := dialStream(t, startAgent(t, testRegistry()))

	var pending []*Pending
	for range 8 {
		p, err := h.Send(context.Background(), testDispatch(t, "ok"))
		require.NoError(t, err)
		pending = append(pending, p)
	}
	for _, p := range pending {
		o := h.Await(context.Background(), p, 2*time.Second)
		require.True(t, o.OK(), "fault: %v", o.Fault)
	}
}

func TestStreamHandleTaskError(t *testing.T) {
	h := dialStream(t, startAgent(t, testRegistry()))

	p, err := h.Send(context.Background(), testDispatch(t, "fail"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 2*time.Second)
	require.True(t, o.OK())
	require.NotNil(t, o.Result.Err)
	assert.Equal(t, assertAnErrorText, o.Result.Err.Message)
}

const assertAnErrorText = "assert.AnError general error for testing"

func TestStreamHandleTimeoutCancelsRemote(t *testing.T) {
	h := dialStream(t, startAgent(t, testRegistry()))

	p, err := h.Send(context.Background(), testDispatch(t, "block"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 50*time.Millisecond)
	require.True(t, o.TimedOut)
	assert.ErrorIs(t, o.Fault, ErrTimeout)

	// The connection survives a timeout and serves the next request.
	p, err = h.Send(context.Background(), testDispatch(t, "ok"))
	require.NoError(t, err)
	o = h.Await(context.Background(), p, 2*time.Second)
	require.True(t, o.OK(), "fault: %v", o.Fault)
}

func TestStreamHandlePanicIsFault(t *testing.T) {
	h := dialStream(t, startAgent(t, testRegistry()))

	p, err := h.Send(context.Background(), testDispatch(t, "panic"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 2*time.Second)
	require.False(t, o.OK())
	assert.ErrorIs(t, o.Fault, ErrWorkerFault)
	assert.False(t, o.TimedOut)

	_, err = h.Send(context.Background(), testDispatch(t, "ok"))
	assert.ErrorIs(t, err, ErrWorkerFault)
}

func TestStreamHandleConnectionLoss(t *testing.T) {
	server, client := net.Pipe()
	h := NewStreamHandle("pipe", client, testLogger())
	defer h.Close()

	// Swallow the request, then drop the connection.
	go func() {
		var f Frame
		_ = ReadMessage(server, &f)
		server.Close()
	}()

	p, err := h.Send(context.Background(), testDispatch(t, "ok"))
	require.NoError(t, err)

	o := h.Await(context.Background(), p, 2*time.Second)
	require.False(t, o.OK())
	assert.ErrorIs(t, o.Fault, ErrWorkerFault)
}

func TestStreamFactorySpawn(t *testing.T) {
	addr := startAgent(t, testRegistry())
	ep, err := ParseEndpoint(addr)
	require.NoError(t, err)

	f := StreamFactory{Endpoints: []Endpoint{ep}, Logger: testLogger()}
	h, err := f.Spawn(context.Background(), 3, 1)
	require.NoError(t, err)
	defer h.Close()

	assert.Contains(t, h.ID(), "#3.1")

	_, err = StreamFactory{Logger: testLogger()}.Spawn(context.Background(), 0, 0)
	assert.Error(t, err)
}
