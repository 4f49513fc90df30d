package domain

import (
	"errors"
	"strings"
	"time"
)

// ScenarioConfig names one what-if scenario within a batch: an identifier
// plus the raw override document applied on top of the shared base
// configuration.
type ScenarioConfig struct {
	ScenarioID string
	Overrides  []byte
}

func (c ScenarioConfig) Validate() error {
	if strings.TrimSpace(c.ScenarioID) == "" {
		return errors.New("scenario id is required")
	}
	return nil
}

// BatchResult is the per-scenario outcome recorded by the batch runner.
type BatchResult struct {
	ScenarioID string
	RunID      string
	Status     RunStatus
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
}

func (r BatchResult) Elapsed() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// BatchSummary aggregates a whole batch after every scenario finished or
// failed. Results are ordered by scenario id regardless of completion order.
type BatchSummary struct {
	StartedAt time.Time
	EndedAt   time.Time
	Results   []BatchResult
}

// Completed counts scenarios that ran to the end.
func (s BatchSummary) Completed() int {
	n := 0
	for _, r := range s.Results {
		if r.Status == RunStatusCompleted {
			n++
		}
	}
	return n
}

// Failed counts scenarios that aborted.
func (s BatchSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Status == RunStatusFailed {
			n++
		}
	}
	return n
}
