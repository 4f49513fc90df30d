package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// FSStore keeps one JSON file per (year, stage) under a run-scoped directory.
// Writes go to a temporary file promoted with os.Rename, which is atomic on
// POSIX filesystems.
type FSStore struct {
	root string
	now  func() time.Time
}

type checkpointRecord struct {
	SchemaVersion   string `json:"schema_version"`
	RunID           string `json:"run_id"`
	Year            int    `json:"year"`
	Stage           string `json:"stage"`
	ConfigHash      string `json:"config_hash"`
	CompletedAt     string `json:"completed_at"`
	IntegritySHA256 string `json:"integrity_sha256"`
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("checkpoint root is required")
	}
	return &FSStore{root: root, now: time.Now}, nil
}

func (s *FSStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if s == nil {
		return errors.New("checkpoint store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
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

	dir := s.runDir(cp.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	record := checkpointRecord{
		SchemaVersion:   cp.SchemaVersion,
		RunID:           cp.RunID,
		Year:            cp.Year,
		Stage:           cp.Stage.String(),
		ConfigHash:      cp.ConfigHash,
		CompletedAt:     cp.CompletedAt.UTC().Format(completedAtLayout),
		IntegritySHA256: cp.IntegritySHA256,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	final := filepath.Join(dir, recordName(cp.Year, cp.Stage))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote checkpoint: %w", err)
	}
	return nil
}

func (s *FSStore) LoadLatest(ctx context.Context, runID string) (domain.Checkpoint, error) {
	checkpoints, err := s.List(ctx, runID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if len(checkpoints) == 0 {
		return domain.Checkpoint{}, ErrNotFound
	}
	return checkpoints[len(checkpoints)-1], nil
}

func (s *FSStore) List(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	if s == nil {
		return nil, errors.New("checkpoint store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	checkpoints := make([]domain.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cp, err := s.readRecord(filepath.Join(s.runDir(runID), name), runID)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[j].After(checkpoints[i].Year, checkpoints[i].Stage)
	})
	return checkpoints, nil
}

func (s *FSStore) Prune(ctx context.Context, runID string) error {
	if s == nil {
		return errors.New("checkpoint store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := os.RemoveAll(s.runDir(runID)); err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

func (s *FSStore) readRecord(path, runID string) (domain.Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Checkpoint{}, corruptionError(runID, err)
	}
	var record checkpointRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.Checkpoint{}, corruptionError(runID, fmt.Errorf("unreadable record %s: %w", filepath.Base(path), err))
	}
	if record.SchemaVersion != domain.CheckpointSchemaVersion {
		return domain.Checkpoint{}, corruptionError(runID, fmt.Errorf("record %s has schema %q, want %q", filepath.Base(path), record.SchemaVersion, domain.CheckpointSchemaVersion))
	}
	stage, err := domain.ParseStage(record.Stage)
	if err != nil {
		return domain.Checkpoint{}, corruptionError(runID, err)
	}
	completedAt, err := time.Parse(completedAtLayout, record.CompletedAt)
	if err != nil {
		return domain.Checkpoint{}, corruptionError(runID, fmt.Errorf("record %s: %w", filepath.Base(path), err))
	}
	cp := domain.Checkpoint{
		RunID:           record.RunID,
		Year:            record.Year,
		Stage:           stage,
		ConfigHash:      record.ConfigHash,
		SchemaVersion:   record.SchemaVersion,
		CompletedAt:     completedAt,
		IntegritySHA256: record.IntegritySHA256,
	}
	if IntegritySHA256(cp) != record.IntegritySHA256 {
		return domain.Checkpoint{}, corruptionError(runID, fmt.Errorf("record %s failed structural hash check", filepath.Base(path)))
	}
	if err := cp.Validate(); err != nil {
		return domain.Checkpoint{}, corruptionError(runID, err)
	}
	return cp, nil
}

func (s *FSStore) runDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func recordName(year int, stage domain.Stage) string {
	// Stage index in the name keeps lexical and execution order aligned.
	return fmt.Sprintf("%04d-%d-%s.json", year, int(stage), stage)
}
