package domain

import (
	"errors"
	"strings"
	"time"
)

// CheckpointSchemaVersion tags the persisted checkpoint record layout.
// Bump on any incompatible change so stale records are rejected, not misread.
const CheckpointSchemaVersion = "plansim.checkpoint.v1"

// Checkpoint is a durable marker that (run, year, stage) completed with the
// given resolved configuration. Written only after every task of the stage
// succeeded.
type Checkpoint struct {
	RunID           string
	Year            int
	Stage           Stage
	ConfigHash      string
	SchemaVersion   string
	CompletedAt     time.Time
	IntegritySHA256 string
}

func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.RunID) == "" {
		return errors.New("run id is required")
	}
	if c.Year <= 0 {
		return errors.New("year is required")
	}
	if !c.Stage.Valid() {
		return errors.New("stage is invalid")
	}
	if strings.TrimSpace(c.ConfigHash) == "" {
		return errors.New("config hash is required")
	}
	if strings.TrimSpace(c.SchemaVersion) == "" {
		return errors.New("schema version is required")
	}
	if strings.TrimSpace(c.IntegritySHA256) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}

// After reports whether c marks progress strictly beyond (year, stage).
func (c Checkpoint) After(year int, stage Stage) bool {
	if c.Year != year {
		return c.Year > year
	}
	return stage.Before(c.Stage)
}

// Covers reports whether c implies completion of (year, stage): checkpoints
// form a monotone prefix of the year/stage order, so a checkpoint at or past
// a position covers every position before it.
func (c Checkpoint) Covers(year int, stage Stage) bool {
	if c.Year != year {
		return c.Year > year
	}
	return !c.Stage.Before(stage)
}
