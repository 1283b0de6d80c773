package store

import (
	"context"
	"errors"

	"github.com/seantiz/lockstep/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate journal statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Phases        int            `json:"phases"`
	FailedPhases  int            `json:"failed_phases"`
	Retries       int            `json:"retries"`
	Faults        int            `json:"faults"`
}

// Store is the run journal: runs, the outcome of each phase and the partition
// events that led to it.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	SetCurrentStep(ctx context.Context, id string, step int) error
	RecordPhase(ctx context.Context, p *model.PhaseRecord) error
	ListPhases(ctx context.Context, runID string) ([]model.PhaseRecord, error)
	InsertEvent(ctx context.Context, ev *model.Event) error
	ListEvents(ctx context.Context, runID string) ([]model.Event, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
