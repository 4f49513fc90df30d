package domain

import (
	"log/slog"
	"time"
)

// ExecutionContext is diagnostic metadata attached to errors and log lines.
// It is never persisted as primary state.
type ExecutionContext struct {
	CorrelationID string
	ScenarioID    string
	PlanDesignID  string
	Year          int
	Stage         Stage
	Task          string
	RandomSeed    int64
	Elapsed       time.Duration
	Threads       int
	MemoryMB      uint64
}

// LogAttrs renders the context as slog attributes so every log line of a run
// carries the same correlation fields.
func (c ExecutionContext) LogAttrs() []any {
	attrs := []any{
		slog.String("correlation_id", c.CorrelationID),
		slog.String("scenario_id", c.ScenarioID),
		slog.String("plan_design_id", c.PlanDesignID),
		slog.Int("simulation_year", c.Year),
		slog.String("stage", c.Stage.String()),
	}
	if c.Task != "" {
		attrs = append(attrs, slog.String("task", c.Task))
	}
	if c.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", c.Elapsed))
	}
	if c.Threads > 0 {
		attrs = append(attrs, slog.Int("threads", c.Threads))
	}
	if c.MemoryMB > 0 {
		attrs = append(attrs, slog.Uint64("memory_mb", c.MemoryMB))
	}
	return attrs
}

// WithStage returns a copy of the context positioned at (year, stage).
func (c ExecutionContext) WithStage(year int, stage Stage) ExecutionContext {
	c.Year = year
	c.Stage = stage
	return c
}

// WithTask returns a copy of the context naming the task in flight.
func (c ExecutionContext) WithTask(task string) ExecutionContext {
	c.Task = task
	return c
}
