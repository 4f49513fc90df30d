package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run identifies a single deterministic execution of the year/stage sequence
// for one scenario. Immutable once started.
type Run struct {
	ID            string
	ScenarioID    string
	PlanDesignID  string
	StartYear     int
	EndYear       int
	RandomSeed    int64
	ConfigHash    string
	CorrelationID string
	CreatedAt     time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ScenarioID) == "" {
		return errors.New("scenario id is required")
	}
	if strings.TrimSpace(r.PlanDesignID) == "" {
		return errors.New("plan design id is required")
	}
	if r.StartYear <= 0 {
		return errors.New("start year is required")
	}
	if r.EndYear < r.StartYear {
		return fmt.Errorf("end year %d precedes start year %d", r.EndYear, r.StartYear)
	}
	if strings.TrimSpace(r.ConfigHash) == "" {
		return errors.New("config hash is required")
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		return errors.New("correlation id is required")
	}
	return nil
}

// Years returns the inclusive simulation year span in ascending order.
func (r Run) Years() []int {
	if r.EndYear < r.StartYear {
		return nil
	}
	years := make([]int, 0, r.EndYear-r.StartYear+1)
	for y := r.StartYear; y <= r.EndYear; y++ {
		years = append(years, y)
	}
	return years
}

// RunStatus is the terminal status of a completed or aborted run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunSummary is returned by the scheduler when a run ends, successfully
// or otherwise.
type RunSummary struct {
	RunID          string
	ScenarioID     string
	Status         RunStatus
	StartedAt      time.Time
	EndedAt        time.Time
	YearsCompleted int
	StagesExecuted int
	StagesSkipped  int
	Err            error
}

func (s RunSummary) Elapsed() time.Duration {
	if s.EndedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
