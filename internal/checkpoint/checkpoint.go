// Package checkpoint persists and recovers run progress markers. A checkpoint
// for (run, year, stage) is written only after every task of the stage
// succeeded, and checkpoints always form a monotone prefix of the year/stage
// order, so the latest checkpoint alone determines the resume point.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/simerr"
)

// ErrNotFound is returned when no checkpoint exists for the requested key.
var ErrNotFound = errors.New("checkpoint not found")

// Store is the durable persistence surface. Implementations must provide
// atomic-write semantics: a crash mid-save never leaves a record that
// LoadLatest would treat as valid.
type Store interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	LoadLatest(ctx context.Context, runID string) (domain.Checkpoint, error)
	List(ctx context.Context, runID string) ([]domain.Checkpoint, error)
	Prune(ctx context.Context, runID string) error
}

// IntegritySHA256 computes the structural hash stored inside a checkpoint
// record. Corruption of any identifying field invalidates the hash.
// Timestamps participate at microsecond precision, the finest granularity
// every supported store round-trips.
func IntegritySHA256(cp domain.Checkpoint) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n%s\n%s\n%s\n",
		cp.SchemaVersion, cp.RunID, cp.Year, cp.Stage, cp.ConfigHash,
		cp.CompletedAt.UTC().Truncate(time.Microsecond).Format(completedAtLayout))
	return hex.EncodeToString(h.Sum(nil))
}

const completedAtLayout = "2006-01-02T15:04:05.000000Z"

// corruptionError builds the distinct error for an unreadable or garbled
// checkpoint. Never folded into "no checkpoint": resuming past corrupted
// progress silently would repeat or skip stages.
func corruptionError(runID string, cause error) *simerr.Error {
	return simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
		fmt.Sprintf("checkpoint for run %s is corrupt", runID), cause)
}

// gapError builds the distinct error for a hole in a run's checkpoint
// sequence found on resume.
func gapError(runID string, year int, stage domain.Stage) *simerr.Error {
	return simerr.New(simerr.CategoryState, simerr.SeverityCritical,
		fmt.Sprintf("checkpoint sequence for run %s is missing (year %d, stage %s)", runID, year, stage))
}

// driftError builds the distinct error for a configuration-hash mismatch on
// resume.
func driftError(cp domain.Checkpoint, currentHash string) *simerr.Error {
	return simerr.New(simerr.CategoryConfiguration, simerr.SeverityCritical,
		fmt.Sprintf("configuration hash %s does not match checkpoint hash %s for run %s (year %d, stage %s)",
			currentHash, cp.ConfigHash, cp.RunID, cp.Year, cp.Stage))
}
