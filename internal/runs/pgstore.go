// Package runs keeps the relational record of every simulation run: identity,
// configuration hash, and a forward-only status lifecycle. The record is
// bookkeeping for operators and batch tooling; run correctness never depends
// on it.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// ErrNotFound is returned when no run record exists for the id.
var ErrNotFound = errors.New("run record not found")

// ErrNotRunning is returned when a finish is recorded against a run that
// already reached a terminal status. Terminal statuses never transition.
var ErrNotRunning = errors.New("run is not in running status")

const statusRunning = "running"

// DB is the narrow database surface the store needs; satisfied by *sql.DB
// and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore persists run records in Postgres.
type PGStore struct {
	db  DB
	now func() time.Time
}

const (
	insertRunQuery = `INSERT INTO simulation_runs (
		run_id,
		scenario_id,
		plan_design_id,
		start_year,
		end_year,
		random_seed,
		config_hash,
		correlation_id,
		status,
		started_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	finishRunQuery = `UPDATE simulation_runs SET
		status = $1,
		ended_at = $2,
		years_completed = $3,
		stages_executed = $4,
		stages_skipped = $5,
		failure = $6
	WHERE run_id = $7 AND status = $8`

	selectRunStatusQuery = `SELECT status FROM simulation_runs WHERE run_id = $1`
)

func NewPGStore(db DB) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PGStore{db: db, now: time.Now}, nil
}

// Begin records a run entering the running status.
func (s *PGStore) Begin(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	startedAt := run.CreatedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ScenarioID),
		strings.TrimSpace(run.PlanDesignID),
		run.StartYear,
		run.EndYear,
		run.RandomSeed,
		strings.TrimSpace(run.ConfigHash),
		strings.TrimSpace(run.CorrelationID),
		statusRunning,
		startedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records a run's terminal status and counters. The status predicate
// makes the transition forward-only: a record that already left running is
// never rewritten.
func (s *PGStore) Finish(ctx context.Context, runID string, summary domain.RunSummary) error {
	if s == nil || s.db == nil {
		return errors.New("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	switch summary.Status {
	case domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCancelled:
	default:
		return fmt.Errorf("status %q is not terminal", summary.Status)
	}
	endedAt := summary.EndedAt
	if endedAt.IsZero() {
		endedAt = s.now()
	}
	var failure sql.NullString
	if summary.Err != nil {
		failure = sql.NullString{String: summary.Err.Error(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, finishRunQuery,
		string(summary.Status),
		endedAt.UTC(),
		summary.YearsCompleted,
		summary.StagesExecuted,
		summary.StagesSkipped,
		failure,
		runID,
		statusRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if rows == 0 {
		status, statusErr := s.status(ctx, runID)
		if statusErr != nil {
			return statusErr
		}
		if status != statusRunning {
			return ErrNotRunning
		}
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) status(ctx context.Context, runID string) (string, error) {
	var status string
	row := s.db.QueryRowContext(ctx, selectRunStatusQuery, runID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("run status: %w", err)
	}
	return status, nil
}
