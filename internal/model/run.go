package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Phase outcome constants recorded in the journal.
const (
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Event type constants.
const (
	EventDispatched = "dispatched"
	EventRetried    = "retried"
	EventFault      = "fault"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventPhaseDone  = "phase_done"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// Run is one simulation run: a bootstrap phase followed by Steps lock-step steps.
type Run struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Steps       int             `json:"steps"`
	CurrentStep int             `json:"current_step"`
	Workers     int             `json:"workers"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMS  *int            `json:"duration_ms,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// PhaseRecord is the persisted outcome of one phase of one step.
type PhaseRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Step       int       `json:"step"`
	Kind       string    `json:"kind"`
	Partitions int       `json:"partitions"`
	Retries    int       `json:"retries"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is a partition or phase lifecycle notification. Partition and Slot are
// -1 when the event concerns the phase as a whole.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Step      int       `json:"step"`
	Kind      string    `json:"kind"`
	Type      string    `json:"type"`
	Partition int       `json:"partition"`
	Slot      int       `json:"slot"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
