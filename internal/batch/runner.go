// Package batch runs a set of scenario variations of one plan design, each as
// its own isolated run. Scenarios share the base configuration and random
// seed so results differ only where the overrides differ, and a single
// scenario failing never takes the rest of the batch down with it.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plansim-labs/plansim-go/internal/config"
	"github.com/plansim-labs/plansim-go/internal/domain"
)

// comparisonSchemaVersion tags the aggregated comparison artifact layout.
const comparisonSchemaVersion = "plansim.batch.v1"

// RunScheduler executes one scenario's run. Implemented by
// scheduler.Scheduler.
type RunScheduler interface {
	Run(ctx context.Context, resume bool) (domain.RunSummary, error)
}

// SchedulerFactory builds the scheduler for one scenario's resolved
// configuration. The factory owns wiring the engine, checkpoint store, and
// state store against the scenario-scoped directories in cfg.
type SchedulerFactory func(run domain.Run, cfg config.Resolved) (RunScheduler, error)

// ArtifactPublisher uploads the batch comparison artifact. Optional; a nil
// publisher keeps the artifact local to the summary.
type ArtifactPublisher interface {
	PublishComparison(ctx context.Context, batchID string, payload []byte) error
}

// Runner fans a batch of scenarios out over a bounded number of concurrent
// runs.
type Runner struct {
	base        config.Resolved
	factory     SchedulerFactory
	publisher   ArtifactPublisher
	concurrency int
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewRunner(base config.Resolved, factory SchedulerFactory, publisher ArtifactPublisher, concurrency int, logger *slog.Logger) (*Runner, error) {
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("base config: %w", err)
	}
	if factory == nil {
		return nil, errors.New("scheduler factory is required")
	}
	if concurrency < 1 {
		return nil, errors.New("concurrency must be >= 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		base:        base,
		factory:     factory,
		publisher:   publisher,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// RunBatch executes every scenario and returns the aggregated summary.
// Results come back ordered by scenario id. The returned error reflects
// batch-level problems only (bad input, cancellation, artifact publication);
// individual scenario failures land in their results.
func (r *Runner) RunBatch(ctx context.Context, scenarios []domain.ScenarioConfig) (domain.BatchSummary, error) {
	if len(scenarios) == 0 {
		return domain.BatchSummary{}, errors.New("at least one scenario is required")
	}
	seen := make(map[string]struct{}, len(scenarios))
	for _, sc := range scenarios {
		if err := sc.Validate(); err != nil {
			return domain.BatchSummary{}, err
		}
		if _, dup := seen[sc.ScenarioID]; dup {
			return domain.BatchSummary{}, fmt.Errorf("duplicate scenario id %q", sc.ScenarioID)
		}
		seen[sc.ScenarioID] = struct{}{}
	}

	batchID := r.newID()
	summary := domain.BatchSummary{
		StartedAt: r.now(),
		Results:   make([]domain.BatchResult, len(scenarios)),
	}
	r.logger.Info("batch started",
		"batch_id", batchID, "scenarios", len(scenarios), "concurrency", r.concurrency)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for i, sc := range scenarios {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			summary.Results[i] = domain.BatchResult{
				ScenarioID: sc.ScenarioID,
				Status:     domain.RunStatusCancelled,
				Error:      ctx.Err().Error(),
			}
			continue
		}
		wg.Add(1)
		go func(i int, sc domain.ScenarioConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			summary.Results[i] = r.runScenario(ctx, batchID, sc)
		}(i, sc)
	}
	wg.Wait()

	sort.Slice(summary.Results, func(i, j int) bool {
		return summary.Results[i].ScenarioID < summary.Results[j].ScenarioID
	})
	summary.EndedAt = r.now()
	r.logger.Info("batch finished",
		"batch_id", batchID,
		"completed", summary.Completed(),
		"failed", summary.Failed(),
		"batch_elapsed", summary.EndedAt.Sub(summary.StartedAt))

	if err := r.publishComparison(ctx, batchID, summary); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// runScenario resolves one scenario's configuration, builds its scheduler,
// and runs it to completion or abort. Every failure mode lands in the result,
// a panicking scheduler included; nothing escapes to fail the batch.
func (r *Runner) runScenario(ctx context.Context, batchID string, sc domain.ScenarioConfig) (result domain.BatchResult) {
	result = domain.BatchResult{ScenarioID: sc.ScenarioID, StartedAt: r.now()}
	defer func() {
		if rec := recover(); rec != nil {
			result.Status = domain.RunStatusFailed
			result.Error = fmt.Sprintf("scenario panicked: %v", rec)
			result.EndedAt = r.now()
			r.logger.Error("scenario panicked",
				"batch_id", batchID, "scenario_id", sc.ScenarioID, "panic", fmt.Sprint(rec))
		}
	}()

	cfg, err := r.base.WithOverrides(sc.ScenarioID, sc.Overrides)
	if err != nil {
		result.Status = domain.RunStatusFailed
		result.Error = err.Error()
		result.EndedAt = r.now()
		r.logger.Error("scenario configuration rejected",
			"batch_id", batchID, "scenario_id", sc.ScenarioID, "error", err.Error())
		return result
	}
	// Scenario-scoped checkpoint and output namespaces keep concurrent runs
	// from ever touching each other's files.
	cfg.CheckpointDir = filepath.Join(r.base.CheckpointDir, sc.ScenarioID)
	cfg.OutputDir = filepath.Join(r.base.OutputDir, sc.ScenarioID)

	run := domain.Run{
		ID:            r.newID(),
		ScenarioID:    cfg.ScenarioID,
		PlanDesignID:  cfg.PlanDesignID,
		StartYear:     cfg.StartYear,
		EndYear:       cfg.EndYear,
		RandomSeed:    cfg.RandomSeed,
		ConfigHash:    cfg.Hash(),
		CorrelationID: r.newID(),
		CreatedAt:     r.now(),
	}
	result.RunID = run.ID

	sched, err := r.factory(run, cfg)
	if err != nil {
		result.Status = domain.RunStatusFailed
		result.Error = err.Error()
		result.EndedAt = r.now()
		r.logger.Error("scenario scheduler construction failed",
			"batch_id", batchID, "scenario_id", sc.ScenarioID, "error", err.Error())
		return result
	}

	runSummary, err := sched.Run(ctx, false)
	result.Status = runSummary.Status
	result.EndedAt = r.now()
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

type comparisonArtifact struct {
	SchemaVersion string               `json:"schema_version"`
	BatchID       string               `json:"batch_id"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       time.Time            `json:"ended_at"`
	Scenarios     []comparisonScenario `json:"scenarios"`
}

type comparisonScenario struct {
	ScenarioID     string `json:"scenario_id"`
	RunID          string `json:"run_id,omitempty"`
	Status         string `json:"status"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	Error          string `json:"error,omitempty"`
}

func (r *Runner) publishComparison(ctx context.Context, batchID string, summary domain.BatchSummary) error {
	if r.publisher == nil {
		return nil
	}
	artifact := comparisonArtifact{
		SchemaVersion: comparisonSchemaVersion,
		BatchID:       batchID,
		StartedAt:     summary.StartedAt,
		EndedAt:       summary.EndedAt,
	}
	for _, result := range summary.Results {
		artifact.Scenarios = append(artifact.Scenarios, comparisonScenario{
			ScenarioID:     result.ScenarioID,
			RunID:          result.RunID,
			Status:         string(result.Status),
			ElapsedSeconds: int64(result.Elapsed().Seconds()),
			Error:          result.Error,
		})
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode comparison artifact: %w", err)
	}
	if err := r.publisher.PublishComparison(ctx, batchID, payload); err != nil {
		return fmt.Errorf("publish comparison artifact: %w", err)
	}
	return nil
}
