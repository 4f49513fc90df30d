package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// DB is the narrow database surface the store needs; satisfied by *sql.DB
// and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore persists checkpoints in Postgres. The upsert keeps Save idempotent:
// re-running an already checkpointed stage rewrites the identical row.
type PGStore struct {
	db  DB
	now func() time.Time
}

const (
	upsertCheckpointQuery = `INSERT INTO checkpoints (
		run_id,
		year,
		stage,
		config_hash,
		schema_version,
		completed_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id, year, stage) DO UPDATE SET
		config_hash = EXCLUDED.config_hash,
		schema_version = EXCLUDED.schema_version,
		completed_at = EXCLUDED.completed_at,
		integrity_sha256 = EXCLUDED.integrity_sha256`

	selectLatestCheckpointQuery = `SELECT run_id, year, stage, config_hash, schema_version, completed_at, integrity_sha256
	 FROM checkpoints
	 WHERE run_id = $1
	 ORDER BY year DESC, stage DESC
	 LIMIT 1`

	listCheckpointsQuery = `SELECT run_id, year, stage, config_hash, schema_version, completed_at, integrity_sha256
	 FROM checkpoints
	 WHERE run_id = $1
	 ORDER BY year ASC, stage ASC`

	pruneCheckpointsQuery = `DELETE FROM checkpoints WHERE run_id = $1`
)

func NewPGStore(db DB) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &PGStore{db: db, now: time.Now}, nil
}

func (s *PGStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint store not initialized")
	}
	if cp.SchemaVersion == "" {
		cp.SchemaVersion = domain.CheckpointSchemaVersion
	}
	if cp.CompletedAt.IsZero() {
		cp.CompletedAt = s.now()
	}
	cp.CompletedAt = cp.CompletedAt.UTC().Truncate(time.Microsecond)
	cp.IntegritySHA256 = IntegritySHA256(cp)
	if err := cp.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, upsertCheckpointQuery,
		cp.RunID, cp.Year, int(cp.Stage), cp.ConfigHash,
		cp.SchemaVersion, cp.CompletedAt.UTC(), cp.IntegritySHA256)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *PGStore) LoadLatest(ctx context.Context, runID string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, errors.New("checkpoint store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Checkpoint{}, errors.New("run id is required")
	}

	row := s.db.QueryRowContext(ctx, selectLatestCheckpointQuery, runID)
	cp, err := scanCheckpoint(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Checkpoint{}, ErrNotFound
		}
		return domain.Checkpoint{}, err
	}
	if err := verifyRow(cp, runID); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

func (s *PGStore) List(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("checkpoint store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listCheckpointsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		if err := verifyRow(cp, runID); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (s *PGStore) Prune(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return errors.New("checkpoint store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if _, err := s.db.ExecContext(ctx, pruneCheckpointsQuery, runID); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var (
		cp       domain.Checkpoint
		stageInt int
	)
	err := scan(&cp.RunID, &cp.Year, &stageInt, &cp.ConfigHash,
		&cp.SchemaVersion, &cp.CompletedAt, &cp.IntegritySHA256)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	cp.Stage = domain.Stage(stageInt)
	cp.CompletedAt = cp.CompletedAt.UTC()
	return cp, nil
}

func verifyRow(cp domain.Checkpoint, runID string) error {
	if cp.SchemaVersion != domain.CheckpointSchemaVersion {
		return corruptionError(runID, fmt.Errorf("row has schema %q, want %q", cp.SchemaVersion, domain.CheckpointSchemaVersion))
	}
	if !cp.Stage.Valid() {
		return corruptionError(runID, fmt.Errorf("row has invalid stage %d", int(cp.Stage)))
	}
	if IntegritySHA256(cp) != cp.IntegritySHA256 {
		return corruptionError(runID, errors.New("row failed structural hash check"))
	}
	return nil
}
