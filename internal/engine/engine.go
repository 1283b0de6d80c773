package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/model"
	"github.com/seantiz/lockstep/internal/state"
	"github.com/seantiz/lockstep/internal/store"
	"github.com/seantiz/lockstep/internal/worker"
)

var (
	// ErrRunKilled is the cancellation cause of a run stopped through Cancel.
	ErrRunKilled = errors.New("run killed")

	// ErrRunNotActive is returned by Cancel for a run that is not executing.
	ErrRunNotActive = errors.New("run not active")

	// ErrNoJournal is returned by Submit on an engine built without a journal.
	ErrNoJournal = errors.New("engine has no run journal")
)

// Engine drives phases over the worker pool. RunPhase can be used directly;
// Submit runs a whole simulation asynchronously and records it in the
// journal.
type Engine struct {
	pool    *worker.Pool
	journal store.Store
	logger  *slog.Logger
	broker  *EventBroker
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// NewEngine creates an engine over pool. journal may be nil when only
// RunPhase is used.
func NewEngine(pool *worker.Pool, journal store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		pool:    pool,
		journal: journal,
		logger:  logger,
		broker:  NewEventBroker(),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Pool returns the worker pool.
func (e *Engine) Pool() *worker.Pool {
	return e.pool
}

// Submit records r as pending and runs it in a goroutine: bootstrap, then
// r.Steps steps. The plan is stored on the run. The goroutine works on a
// copy of r.
func (e *Engine) Submit(ctx context.Context, r *model.Run, plan Plan, dist config.Distribution) error {
	if e.journal == nil {
		return ErrNoJournal
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	if err := dist.Validate(); err != nil {
		return err
	}
	if r.Steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", r.Steps)
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	r.Plan = raw
	if r.Workers == 0 {
		r.Workers = e.pool.Size()
	}

	if err := e.journal.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e.mu.Lock()
	e.cancels[r.ID] = cancel
	e.mu.Unlock()

	rCopy := *r
	e.wg.Go(func() {
		defer e.forget(rCopy.ID)
		e.execute(runCtx, &rCopy, plan, dist)
	})

	return nil
}

// Cancel stops a running run. The run finishes as killed.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return ErrRunNotActive
	}
	cancel(ErrRunKilled)
	return nil
}

// CancelAll kills every active run and returns how many there were.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.cancels {
		cancel(ErrRunKilled)
	}
	return len(e.cancels)
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	cancel := e.cancels[id]
	delete(e.cancels, id)
	e.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

// recorder persists every event to the journal, then publishes it for SSE.
func (e *Engine) recorder(runID string) Observer {
	var (
		mu  sync.Mutex
		seq int
	)
	return func(ev model.Event) {
		// Serialised so journal order and stream order both follow seq.
		mu.Lock()
		defer mu.Unlock()

		ev.RunID = runID
		ev.Seq = seq
		seq++
		if err := e.journal.InsertEvent(context.Background(), &ev); err != nil {
			e.logger.Error("failed to persist event", "run_id", runID, "seq", ev.Seq, "error", err)
		}
		e.broker.Publish(ev)
	}
}

// execute runs the run lifecycle: pending→running→completed/failed/killed.
func (e *Engine) execute(ctx context.Context, r *model.Run, plan Plan, dist config.Distribution) {
	defer e.broker.Close(r.ID)
	logger := e.logger.With("run_id", r.ID)

	if err := e.journal.UpdateRunStatus(context.Background(), r.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finish(r.ID, model.StatusFailed, nil, 0, fmt.Sprintf("failed to start: %v", err))
		return
	}
	start := time.Now()

	sim := NewSimulation(e, state.NewStore(), dist, plan, e.recorder(r.ID))

	boot, err := sim.Bootstrap(ctx)
	e.recordPhase(r.ID, boot, err)
	if err != nil {
		e.finishErr(ctx, r.ID, &start, 0, err)
		return
	}
	logger.Info("run bootstrapped", "batches", sim.Store().Len(), "workers", e.pool.Live())

	for range r.Steps {
		results, err := sim.Step(ctx)
		for i, res := range results {
			var phaseErr error
			if i == len(results)-1 {
				phaseErr = err
			}
			e.recordPhase(r.ID, res, phaseErr)
		}
		if err != nil {
			e.finishErr(ctx, r.ID, &start, int(sim.CurrentStep()), err)
			return
		}
		if err := e.journal.SetCurrentStep(context.Background(), r.ID, int(sim.CurrentStep())); err != nil {
			logger.Error("failed to record step", "step", sim.CurrentStep(), "error", err)
		}
	}

	logger.Info("run completed", "steps", sim.CurrentStep(), "records", len(sim.Store().Output()))
	e.finish(r.ID, model.StatusCompleted, &start, int(sim.CurrentStep()), "")
}

// recordPhase writes one phase outcome to the journal.
func (e *Engine) recordPhase(runID string, res PhaseResult, err error) {
	p := &model.PhaseRecord{
		RunID:      runID,
		Step:       int(res.Step),
		Kind:       res.Kind.String(),
		Partitions: res.Partitions,
		Retries:    len(res.Retries),
		Status:     model.PhaseCompleted,
		DurationMS: int(res.Duration.Milliseconds()),
	}
	if err != nil {
		p.Status = model.PhaseFailed
		p.Error = err.Error()
	}
	if err := e.journal.RecordPhase(context.Background(), p); err != nil {
		e.logger.Error("failed to record phase", "run_id", runID, "phase", p.Kind, "error", err)
	}
}

// finishErr maps a run failure to failed or, when Cancel stopped the run,
// killed.
func (e *Engine) finishErr(ctx context.Context, id string, start *time.Time, step int, err error) {
	if errors.Is(context.Cause(ctx), ErrRunKilled) {
		e.finish(id, model.StatusKilled, start, step, ErrRunKilled.Error())
		return
	}
	e.finish(id, model.StatusFailed, start, step, err.Error())
}

// finish writes the terminal state of a run. start may be nil if execution
// never started.
func (e *Engine) finish(id, status string, start *time.Time, step int, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if start != nil {
		durationMS = int(time.Since(*start).Milliseconds())
	}

	r := &model.Run{
		ID:          id,
		Status:      status,
		CurrentStep: step,
		Error:       errMsg,
		DurationMS:  &durationMS,
		FinishedAt:  &now,
	}
	runsTotal.WithLabelValues(status).Inc()

	if err := e.journal.UpdateRun(context.Background(), r); err != nil {
		e.logger.Error("failed to update finished run", "run_id", id, "status", status, "error", err)
	}
}
