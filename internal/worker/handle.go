// Package worker provides execution endpoints for partitions: an in-process
// goroutine worker, a stream worker reached over TCP or vsock, the agent that
// serves the remote side, and the pool that owns a fixed set of slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
)

var (
	// ErrWorkerFault means the worker died or became unreachable. The slot is
	// unusable until respawned.
	ErrWorkerFault = errors.New("worker fault")

	// ErrTimeout means a partition exceeded its time budget.
	ErrTimeout = errors.New("partition timed out")

	// ErrNoLiveWorkers is returned when every slot in the pool is dead.
	ErrNoLiveWorkers = errors.New("no live workers")

	// ErrBusy is returned by Send when the handle already has a partition in
	// flight.
	ErrBusy = errors.New("worker busy")
)

// Dispatch is one partition addressed to a worker.
type Dispatch struct {
	Message task.Message
	Grant   state.Grant
	View    *state.View
}

// Outcome is the final word on one dispatched partition. Exactly one of the
// following holds: Fault is nil and Result is the worker's answer (which may
// itself carry a task error), or Fault is set. TimedOut and Canceled qualify
// a fault.
type Outcome struct {
	Result   task.Result
	Fault    error
	TimedOut bool
	Canceled bool
	Duration time.Duration
}

// OK reports whether the worker produced a result.
func (o Outcome) OK() bool {
	return o.Fault == nil
}

// Pending tracks a dispatched partition until its outcome is known.
type Pending struct {
	ID        string
	Partition int
	SentAt    time.Time

	done   chan Outcome
	once   sync.Once
	cancel context.CancelFunc

	stopped  chan struct{}
	stopOnce sync.Once
}

func newPending(id string, partition int, cancel context.CancelFunc) *Pending {
	return &Pending{
		ID:        id,
		Partition: partition,
		SentAt:    time.Now(),
		done:      make(chan Outcome, 1),
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
}

// Stopped is closed once the worker no longer runs the partition: it
// answered, it died, or it acknowledged a cancel. A worker whose partition
// was canceled can be reused after Stopped closes.
func (p *Pending) Stopped() <-chan struct{} {
	return p.stopped
}

func (p *Pending) stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// deliver records the outcome. Only the first call has any effect.
func (p *Pending) deliver(o Outcome) {
	p.once.Do(func() {
		o.Duration = time.Since(p.SentAt)
		p.done <- o
	})
}

// Handle is one execution endpoint. Send never waits for the partition to
// run; Await blocks until the worker answers, the timeout elapses, the
// worker faults or ctx ends.
type Handle interface {
	ID() string
	Send(ctx context.Context, d Dispatch) (*Pending, error)
	Await(ctx context.Context, p *Pending, timeout time.Duration) Outcome
	Close() error
}

// await implements Handle.Await for every transport. A timeout or
// cancellation signals the worker through p.cancel but does not wait for it
// to stop.
func await(ctx context.Context, p *Pending, timeout time.Duration) Outcome {
	if ctx.Err() != nil {
		p.cancel()
		return Outcome{
			Fault:    fmt.Errorf("partition %d: %w", p.Partition, context.Cause(ctx)),
			Canceled: true,
			Duration: time.Since(p.SentAt),
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case o := <-p.done:
		return o
	case <-expired:
		p.cancel()
		return Outcome{
			Fault:    fmt.Errorf("partition %d after %s: %w", p.Partition, timeout, ErrTimeout),
			TimedOut: true,
			Duration: time.Since(p.SentAt),
		}
	case <-ctx.Done():
		p.cancel()
		return Outcome{
			Fault:    fmt.Errorf("partition %d: %w", p.Partition, context.Cause(ctx)),
			Canceled: true,
			Duration: time.Since(p.SentAt),
		}
	}
}
