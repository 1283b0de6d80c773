package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/model"
	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/task"
	"github.com/seantiz/lockstep/internal/worker"
)

// cancelGrace is how long a canceled partition's worker has to confirm it
// stopped before its slot is retired.
const cancelGrace = 100 * time.Millisecond

// StepError is a terminal phase failure. Partition is -1 when the failure is
// not attributable to one partition (configuration, merge or fold errors).
type StepError struct {
	Step      uint64
	Kind      task.Kind
	Partition int
	Batches   []state.BatchID
	Cause     error

	// Partial holds the successful partition results when the distribution
	// runs in lenient mode. Nothing in it has been folded.
	Partial []task.Result
}

func (e *StepError) Error() string {
	if e.Partition < 0 {
		return fmt.Sprintf("step %d %s: %v", e.Step, e.Kind, e.Cause)
	}
	return fmt.Sprintf("step %d %s partition %d (batches %v): %v", e.Step, e.Kind, e.Partition, e.Batches, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// RetryEvent records one re-dispatch of a partition after a fault or timeout.
type RetryEvent struct {
	Partition int    `json:"partition"`
	Attempt   int    `json:"attempt"`
	Slot      int    `json:"slot"`
	TimedOut  bool   `json:"timed_out"`
	Reason    string `json:"reason"`
}

// PhaseResult is the outcome of one phase. Result is the merged result that
// was folded into the store; it is empty when the phase failed.
type PhaseResult struct {
	Kind       task.Kind
	Step       uint64
	Result     task.Result
	Partitions int
	Retries    []RetryEvent
	Duration   time.Duration
}

// Observer receives partition and phase events while a phase runs. It is
// called from several goroutines at once. RunID and Seq are left for the
// observer to fill in.
type Observer func(ev model.Event)

// partitionRun is the final word on one partition after retries.
type partitionRun struct {
	result  task.Result
	err     error
	aborted bool // stopped because the phase was canceled, not by its own fault
	retries []RetryEvent
}

// RunPhase executes t over st to completion: split, grant, dispatch, await
// every partition, merge and fold. A non-nil error is always a *StepError
// and means nothing was folded.
func (e *Engine) RunPhase(ctx context.Context, t task.Task, st *state.Store, dist config.Distribution) (PhaseResult, error) {
	return e.runPhase(ctx, t, st, dist, nil)
}

func (e *Engine) runPhase(ctx context.Context, t task.Task, st *state.Store, dist config.Distribution, observe Observer) (PhaseResult, error) {
	start := time.Now()
	kind, step := t.Kind(), t.Step()
	res := PhaseResult{Kind: kind, Step: step}
	logger := e.logger.With("phase", kind.String(), "step", step)

	emit := func(typ string, partition, slot int, msg string) {
		if observe != nil {
			observe(model.Event{
				Step:      int(step),
				Kind:      kind.String(),
				Type:      typ,
				Partition: partition,
				Slot:      slot,
				Message:   msg,
			})
		}
	}
	finish := func(err *StepError) (PhaseResult, error) {
		res.Duration = time.Since(start)
		status := model.PhaseCompleted
		msg := fmt.Sprintf("%d partitions, %d retries", res.Partitions, len(res.Retries))
		if err != nil {
			status = model.PhaseFailed
			msg = err.Error()
		}
		phaseDuration.WithLabelValues(kind.String(), status).Observe(res.Duration.Seconds())
		emit(model.EventPhaseDone, -1, -1, msg)
		if err != nil {
			logger.Error("phase failed", "partition", err.Partition, "error", err.Cause)
			return res, err
		}
		logger.Debug("phase completed", "partitions", res.Partitions, "retries", len(res.Retries), "duration", res.Duration)
		return res, nil
	}
	fatal := func(cause error) (PhaseResult, error) {
		return finish(&StepError{Step: step, Kind: kind, Partition: -1, Cause: cause})
	}

	if err := dist.Validate(); err != nil {
		return fatal(err)
	}
	policy := dist.Policy(kind)

	if dist.RespawnDead {
		if n, err := e.pool.RespawnDead(ctx); err != nil {
			logger.Warn("respawn dead workers", "respawned", n, "error", err)
		}
	}
	live := e.pool.Live()
	if live == 0 {
		return fatal(worker.ErrNoLiveWorkers)
	}

	batches := st.BatchIDs()
	parts, err := policy.Partition(batches, live)
	if err != nil {
		return fatal(err)
	}
	if err := split.Verify(batches, parts); err != nil {
		return fatal(err)
	}
	res.Partitions = len(parts)

	grants := make([]state.Grant, len(parts))
	msgs := make([]task.Message, len(parts))
	for i, part := range parts {
		grants[i] = t.Grant(part)
		if msgs[i], err = t.ToMessage(part); err != nil {
			return fatal(err)
		}
	}

	verifier := st.Verifier()
	if err := verifier.Acquire(grants...); err != nil {
		accessConflicts.Inc()
		se := &StepError{Step: step, Kind: kind, Partition: -1, Cause: err}
		var ce *state.ConflictError
		if errors.As(err, &ce) {
			se.Partition = ce.Requester
			se.Batches = []state.BatchID{ce.Batch}
		}
		return finish(se)
	}

	phaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A partition that cannot finish cancels its siblings in strict mode;
	// lenient mode lets them run so their results can be inspected.
	abort := func(cause error) {
		if dist.PartialFailure == config.Strict {
			cancel(cause)
		}
	}

	runs := make([]partitionRun, len(parts))
	var wg sync.WaitGroup
	for i, part := range parts {
		wg.Go(func() {
			runs[i] = e.runPartition(phaseCtx, st, dist, part, grants[i], msgs[i], emit, abort)
		})
	}
	wg.Wait()

	for _, g := range grants {
		verifier.Release(g.Partition)
	}

	var (
		failed  *StepError
		primary bool
		results = make([]task.Result, 0, len(parts))
	)
	setFailed := func(i int, cause error, aborted bool) {
		if failed != nil && (primary || aborted) {
			return
		}
		failed = &StepError{Step: step, Kind: kind, Partition: parts[i].Index, Batches: parts[i].Batches, Cause: cause}
		primary = !aborted
	}

	for i, r := range runs {
		res.Retries = append(res.Retries, r.retries...)
		switch {
		case r.err != nil:
			setFailed(i, r.err, r.aborted)
		case r.result.Err != nil:
			setFailed(i, r.result.Err, false)
		default:
			if err := verifier.CheckResult(grants[i], r.result.Addressed(), r.result.Writes()); err != nil {
				setFailed(i, err, false)
				continue
			}
			results = append(results, r.result)
		}
	}

	if failed != nil {
		if dist.PartialFailure == config.Lenient {
			failed.Partial = results
		}
		return finish(failed)
	}

	merged, err := t.FromResults(results, policy.MergeMode())
	if err != nil {
		return fatal(fmt.Errorf("merge: %w", err))
	}
	if err := task.Fold(st, step, merged); err != nil {
		return fatal(fmt.Errorf("fold: %w", err))
	}
	res.Result = merged
	return finish(nil)
}

// runPartition dispatches one partition and retries it on faults and
// timeouts until it produces a result, the retry budget is spent or the
// phase is canceled.
func (e *Engine) runPartition(
	ctx context.Context,
	st *state.Store,
	dist config.Distribution,
	part split.Partition,
	grant state.Grant,
	msg task.Message,
	emit func(typ string, partition, slot int, msg string),
	abort func(error),
) partitionRun {
	var (
		run    partitionRun
		next   *worker.Lease
		prefer = part.Worker
	)
	kind := msg.Kind.String()

	for attempt := 0; ; attempt++ {
		var lease worker.Lease
		if next != nil {
			lease, next = *next, nil
		} else {
			l, err := e.pool.AcquireOrRevive(ctx, prefer)
			if err != nil {
				run.aborted = ctx.Err() != nil
				run.err = fmt.Errorf("acquire worker: %w", err)
				outcome := outcomeCanceled
				if !run.aborted {
					outcome = outcomeFault
					abort(run.err)
				}
				partitionsTotal.WithLabelValues(kind, outcome).Inc()
				emit(model.EventFailed, part.Index, -1, run.err.Error())
				return run
			}
			lease = l
		}

		emit(model.EventDispatched, part.Index, lease.Slot,
			fmt.Sprintf("attempt %d on %s, %d batches", attempt+1, lease.Handle.ID(), len(part.Batches)))

		o, pending := e.dispatch(ctx, lease, st, grant, msg, dist.PartitionTimeout)
		if o.OK() {
			e.pool.Release(lease)
			res := o.Result
			res.Partition = part.Index
			run.result = res
			if res.Err != nil {
				partitionsTotal.WithLabelValues(kind, outcomeTaskError).Inc()
				emit(model.EventFailed, part.Index, lease.Slot, res.Err.Message)
			} else {
				partitionsTotal.WithLabelValues(kind, outcomeOK).Inc()
				emit(model.EventCompleted, part.Index, lease.Slot, o.Duration.String())
			}
			return run
		}

		if o.Canceled {
			e.settleCanceled(lease, pending, o.Fault)
			run.err = o.Fault
			run.aborted = true
			partitionsTotal.WithLabelValues(kind, outcomeCanceled).Inc()
			emit(model.EventFailed, part.Index, lease.Slot, o.Fault.Error())
			return run
		}

		emit(model.EventFault, part.Index, lease.Slot, o.Fault.Error())
		if attempt >= dist.RetryBudget {
			e.pool.MarkDead(lease, o.Fault)
			run.err = asWorkerFault(o.Fault, attempt+1)
			abort(run.err)
			partitionsTotal.WithLabelValues(kind, outcomeFault).Inc()
			emit(model.EventFailed, part.Index, lease.Slot, run.err.Error())
			return run
		}

		r := RetryEvent{
			Partition: part.Index,
			Attempt:   attempt + 1,
			Slot:      lease.Slot,
			TimedOut:  o.TimedOut,
			Reason:    o.Fault.Error(),
		}
		run.retries = append(run.retries, r)
		partitionRetries.WithLabelValues(kind).Inc()
		emit(model.EventRetried, part.Index, lease.Slot, fmt.Sprintf("retry %d after %s", r.Attempt, retryReason(o)))
		e.logger.Warn("partition retried", "phase", kind, "partition", part.Index, "slot", lease.Slot, "attempt", r.Attempt, "error", o.Fault)

		// A worker that timed out may still be running the partition, so its
		// slot never serves another attempt as is.
		prefer = -1
		if dist.RetryTarget == config.RetryIdle {
			e.pool.MarkDead(lease, o.Fault)
			continue
		}
		l, err := e.pool.Recycle(ctx, lease, o.Fault)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("respawn for retry failed, falling back to idle slot", "slot", lease.Slot, "error", err)
			}
			continue
		}
		next = &l
	}
}

// settleCanceled returns the slot of a canceled partition to the pool when
// its worker confirms it stopped within cancelGrace, and retires it
// otherwise.
func (e *Engine) settleCanceled(lease worker.Lease, pending *worker.Pending, reason error) {
	if pending == nil {
		// Nothing reached the worker.
		e.pool.Release(lease)
		return
	}
	t := time.NewTimer(cancelGrace)
	defer t.Stop()
	select {
	case <-pending.Stopped():
		e.pool.Release(lease)
	case <-t.C:
		e.pool.MarkDead(lease, reason)
	}
}

// dispatch sends one attempt through the leased handle and waits for its
// outcome. The view is invalidated as soon as the outcome is known. The
// returned Pending is nil when the send itself failed.
func (e *Engine) dispatch(ctx context.Context, lease worker.Lease, st *state.Store, grant state.Grant, msg task.Message, timeout time.Duration) (worker.Outcome, *worker.Pending) {
	view := st.View(grant)
	defer view.Release()

	p, err := lease.Handle.Send(ctx, worker.Dispatch{Message: msg, Grant: grant, View: view})
	if err != nil {
		if ctx.Err() != nil {
			return worker.Outcome{Fault: context.Cause(ctx), Canceled: true}, nil
		}
		if !errors.Is(err, worker.ErrWorkerFault) {
			err = fmt.Errorf("%w: send: %w", worker.ErrWorkerFault, err)
		}
		return worker.Outcome{Fault: err}, nil
	}
	return lease.Handle.Await(ctx, p, timeout), p
}

// asWorkerFault makes sure an exhausted fault matches worker.ErrWorkerFault,
// keeping ErrTimeout in the chain for timeouts.
func asWorkerFault(fault error, attempts int) error {
	if errors.Is(fault, worker.ErrWorkerFault) {
		return fmt.Errorf("gave up after %d attempts: %w", attempts, fault)
	}
	return fmt.Errorf("gave up after %d attempts: %w: %w", attempts, worker.ErrWorkerFault, fault)
}

func retryReason(o worker.Outcome) string {
	if o.TimedOut {
		return "timeout"
	}
	return strings.TrimPrefix(o.Fault.Error(), worker.ErrWorkerFault.Error()+": ")
}
