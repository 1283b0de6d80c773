package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/lockstep/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    steps        INTEGER NOT NULL,
    current_step INTEGER NOT NULL DEFAULT 0,
    workers      INTEGER NOT NULL,
    plan_json    BLOB,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createPhasesTable = `
CREATE TABLE IF NOT EXISTS phases (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    step        INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    partitions  INTEGER NOT NULL,
    retries     INTEGER NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    seq        INTEGER NOT NULL,
    step       INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    type       TEXT NOT NULL,
    part       INTEGER NOT NULL,
    slot       INTEGER NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const (
	createPhasesIndex = `CREATE INDEX IF NOT EXISTS idx_phases_run ON phases(run_id, step)`
	createEventsIndex = `CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`
)

const runColumns = `id, status, steps, current_step, workers, plan_json, error,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createPhasesTable, createEventsTable, createPhasesIndex, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var plan []byte
	if err := row.Scan(
		&r.ID, &r.Status, &r.Steps, &r.CurrentStep, &r.Workers, &plan, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(plan) > 0 {
		r.Plan = plan
	}
	return r, nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	var plan []byte
	if len(r.Plan) > 0 {
		plan = r.Plan
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Steps, r.CurrentStep, r.Workers, plan, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// checkTransition reads the current status of run id inside tx and verifies
// the move to status is allowed.
func checkTransition(ctx context.Context, tx *sql.Tx, id, status string) error {
	var current string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if current != status && !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// UpdateRunStatus updates the status of a run. Moving to running sets
// started_at; terminal statuses (killed, completed, failed) set finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
			status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// UpdateRun writes the mutable fields of r. A nil StartedAt keeps the stored
// value.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, r.ID, r.Status); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step = ?, error = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.CurrentStep, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	return tx.Commit()
}

// SetCurrentStep records the last completed step of a run.
func (s *SQLiteStore) SetCurrentStep(ctx context.Context, id string, step int) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET current_step = ? WHERE id = ?", step, id)
	if err != nil {
		return fmt.Errorf("set current step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPhase appends a phase outcome and sets p.ID.
func (s *SQLiteStore) RecordPhase(ctx context.Context, p *model.PhaseRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO phases (run_id, step, kind, partitions, retries, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, p.Step, p.Kind, p.Partitions, p.Retries, p.Status, p.Error, p.DurationMS, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert phase: %w", err)
	}
	if p.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("phase id: %w", err)
	}
	return nil
}

// ListPhases returns the phases of a run in execution order. The result is
// never nil.
func (s *SQLiteStore) ListPhases(ctx context.Context, runID string) ([]model.PhaseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, kind, partitions, retries, status, error, duration_ms, created_at
		FROM phases WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	phases := []model.PhaseRecord{}
	for rows.Next() {
		var p model.PhaseRecord
		if err := rows.Scan(&p.ID, &p.RunID, &p.Step, &p.Kind, &p.Partitions, &p.Retries,
			&p.Status, &p.Error, &p.DurationMS, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		phases = append(phases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return phases, nil
}

// InsertEvent appends a partition event and sets ev.ID.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, step, kind, type, part, slot, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Step, ev.Kind, ev.Type, ev.Partition, ev.Slot, ev.Message, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if ev.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	return nil
}

// ListEvents returns the events of a run ordered by seq. The result is never
// nil.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, step, kind, type, part, slot, message, created_at
		FROM events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &ev.Step, &ev.Kind, &ev.Type,
			&ev.Partition, &ev.Slot, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetRunStats aggregates the journal.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE status = ? AND duration_ms IS NOT NULL",
		model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(retries), 0)
		FROM phases`, model.PhaseFailed,
	).Scan(&stats.Phases, &stats.FailedPhases, &stats.Retries); err != nil {
		return nil, fmt.Errorf("phase totals: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE type = ?", model.EventFault,
	).Scan(&stats.Faults); err != nil {
		return nil, fmt.Errorf("fault count: %w", err)
	}

	return stats, nil
}
