package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/lockstep/internal/runner"
)

type localJob struct {
	ctx context.Context
	d   Dispatch
	p   *Pending
}

// LocalHandle runs partitions on a dedicated goroutine in this process. A
// panicking runner kills the goroutine; the handle then reports a fault for
// the partition and refuses further work.
type LocalHandle struct {
	id       string
	registry *runner.Registry
	logger   *slog.Logger

	jobs chan localJob
	quit chan struct{}
	dead chan struct{}

	closeOnce sync.Once
	deadOnce  sync.Once
}

// NewLocalHandle starts a local worker goroutine.
func NewLocalHandle(id string, registry *runner.Registry, logger *slog.Logger) *LocalHandle {
	h := &LocalHandle{
		id:       id,
		registry: registry,
		logger:   logger.With("worker", id),
		jobs:     make(chan localJob, 1),
		quit:     make(chan struct{}),
		dead:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *LocalHandle) ID() string { return h.id }

// Send queues d for execution. It fails if the worker is dead or already has
// a partition queued.
func (h *LocalHandle) Send(ctx context.Context, d Dispatch) (*Pending, error) {
	select {
	case <-h.dead:
		return nil, fmt.Errorf("worker %s: %w", h.id, ErrWorkerFault)
	case <-h.quit:
		return nil, fmt.Errorf("worker %s closed: %w", h.id, ErrWorkerFault)
	default:
	}

	jctx, cancel := context.WithCancel(ctx)
	p := newPending(uuid.NewString(), d.Message.Partition, cancel)
	select {
	case h.jobs <- localJob{ctx: jctx, d: d, p: p}:
		return p, nil
	default:
		cancel()
		return nil, fmt.Errorf("worker %s: %w", h.id, ErrBusy)
	}
}

func (h *LocalHandle) Await(ctx context.Context, p *Pending, timeout time.Duration) Outcome {
	o := await(ctx, p, timeout)
	requestDuration.WithLabelValues(transportLocal).Observe(o.Duration.Seconds())
	return o
}

// Close stops the worker goroutine once its current partition returns.
func (h *LocalHandle) Close() error {
	h.closeOnce.Do(func() { close(h.quit) })
	return nil
}

func (h *LocalHandle) loop() {
	for {
		select {
		case <-h.quit:
			h.drain(fmt.Errorf("worker %s closed: %w", h.id, ErrWorkerFault))
			return
		case j := <-h.jobs:
			if !h.run(j) {
				h.deadOnce.Do(func() { close(h.dead) })
				h.drain(fmt.Errorf("worker %s died: %w", h.id, ErrWorkerFault))
				return
			}
		}
	}
}

// run executes one job and reports whether the worker survived it.
func (h *LocalHandle) run(j localJob) (alive bool) {
	defer j.p.stop()
	defer j.p.cancel()
	defer func() {
		if r := recover(); r != nil {
			workerFaults.WithLabelValues(transportLocal).Inc()
			h.logger.Error("runner panicked", "partition", j.p.Partition, "panic", r)
			j.p.deliver(Outcome{Fault: fmt.Errorf("worker %s: runner panic: %v: %w", h.id, r, ErrWorkerFault)})
			alive = false
		}
	}()

	res := h.registry.Execute(j.ctx, j.d.Message, j.d.View)
	j.p.deliver(Outcome{Result: res})
	return true
}

// drain faults any job still queued when the worker stops.
func (h *LocalHandle) drain(err error) {
	for {
		select {
		case j := <-h.jobs:
			j.p.deliver(Outcome{Fault: err})
			j.p.cancel()
			j.p.stop()
		default:
			return
		}
	}
}

// LocalFactory spawns LocalHandles sharing one registry.
type LocalFactory struct {
	Registry *runner.Registry
	Logger   *slog.Logger
}

// Spawn starts a fresh local worker for slot.
func (f LocalFactory) Spawn(_ context.Context, slot, generation int) (Handle, error) {
	return NewLocalHandle(fmt.Sprintf("local-%d.%d", slot, generation), f.Registry, f.Logger), nil
}
