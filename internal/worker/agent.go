package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/lockstep/internal/runner"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

// Agent is the remote side of a StreamHandle. It accepts connections,
// executes each request through its registry on a view rebuilt from the
// shipped snapshot, and answers with a response frame.
type Agent struct {
	listener net.Listener
	registry *runner.Registry
	logger   *slog.Logger
}

// NewAgent creates an agent serving registry on listener.
func NewAgent(listener net.Listener, registry *runner.Registry, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		registry: registry,
		logger:   logger,
	}
}

// Addr returns the listener's address.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener fails. It
// returns nil after ctx ends.
func (a *Agent) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { a.listener.Close() })
	defer stop()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() { a.handleConnection(ctx, conn) })
	}
}

// handleConnection serves one orchestrator connection. Requests run
// concurrently; a cancel frame cancels the matching request's context.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	ctx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := a.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("connection accepted")

	var (
		writeMu sync.Mutex
		mu      sync.Mutex
		cancels = make(map[string]context.CancelFunc)
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	r := bufio.NewReader(conn)
	for {
		var f Frame
		if err := ReadMessage(r, &f); err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Info("connection closed", "error", err)
			}
			cancelConn()
			return
		}

		switch f.Type {
		case FrameCancel:
			mu.Lock()
			if cancel, ok := cancels[f.ID]; ok {
				cancel()
			}
			mu.Unlock()
		case FrameRequest:
			if f.Request == nil {
				logger.Warn("request frame without body", "request", f.ID)
				continue
			}
			reqCtx, cancel := context.WithCancel(ctx)
			mu.Lock()
			cancels[f.ID] = cancel
			mu.Unlock()

			id, req := f.ID, *f.Request
			wg.Go(func() {
				defer func() {
					mu.Lock()
					delete(cancels, id)
					mu.Unlock()
					cancel()
				}()

				res, ok := a.execute(reqCtx, logger, req)
				if !ok {
					// The runner crashed: drop the connection so the
					// orchestrator sees a worker fault.
					cancelConn()
					return
				}

				writeMu.Lock()
				err := WriteMessage(conn, &Frame{Type: FrameResponse, ID: id, Response: &Response{Result: res}})
				writeMu.Unlock()
				if err != nil {
					logger.Error("write response", "request", id, "error", err)
				}
			})
		default:
			logger.Warn("unknown frame type", "type", f.Type, "request", f.ID)
		}
	}
}

// execute runs one request. It reports false if the runner panicked.
func (a *Agent) execute(ctx context.Context, logger *slog.Logger, req Request) (res task.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("runner panicked", "partition", req.Message.Partition, "panic", r)
			ok = false
		}
	}()

	view, err := state.NewDetachedView(req.Grant, req.Batches)
	if err != nil {
		return task.Failed(req.Message.Kind, req.Message.Partition, err.Error()), true
	}
	defer view.Release()

	res = a.registry.Execute(ctx, req.Message, view)
	logger.Debug("partition executed",
		"kind", req.Message.Kind.String(),
		"partition", req.Message.Partition,
		"batches", len(req.Message.Batches),
		"task_error", res.Err != nil,
	)
	return res, true
}
