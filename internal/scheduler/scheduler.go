// Package scheduler drives one run through its simulation years and the fixed
// stage sequence within each year. It owns the resume decision, the local
// retry loop for recoverable stage failures, the cross-year state handoff,
// and the rule that a checkpoint is written only after a stage fully
// succeeded and never after cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plansim-labs/plansim-go/internal/accumulator"
	"github.com/plansim-labs/plansim-go/internal/checkpoint"
	"github.com/plansim-labs/plansim-go/internal/config"
	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/simerr"
	"github.com/plansim-labs/plansim-go/internal/statestore"
)

// StageExecutor dispatches one stage's tasks. Implemented by engine.Engine.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, stage domain.Stage, year int, budget domain.ResourceBudget, execCtx domain.ExecutionContext) ([]domain.TaskResult, error)
}

// BudgetSource produces a fresh resource budget. Implemented by
// resource.Manager; every stage attempt samples anew so a budget reduced
// under pressure never sticks past recovery.
type BudgetSource interface {
	SampleBudget(ctx context.Context) domain.ResourceBudget
}

// StateStore persists accumulated year states and reads the outputs the
// compute engine materialized for a year. Implemented by statestore.FSStore.
type StateStore interface {
	SaveYearState(ctx context.Context, state domain.YearState) error
	LoadYearState(ctx context.Context, year int) (domain.YearState, error)
	LoadYearOutputs(ctx context.Context, year int) (domain.YearOutputs, error)
}

// Scheduler executes a single run to completion or abort.
type Scheduler struct {
	run         domain.Run
	cfg         config.Resolved
	engine      StageExecutor
	budgets     BudgetSource
	checkpoints *checkpoint.Manager
	states      StateStore
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(run domain.Run, cfg config.Resolved, engine StageExecutor, budgets BudgetSource, checkpoints *checkpoint.Manager, states StateStore, logger *slog.Logger) (*Scheduler, error) {
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if engine == nil {
		return nil, errors.New("stage executor is required")
	}
	if budgets == nil {
		return nil, errors.New("budget source is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if states == nil {
		return nil, errors.New("state store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:         run,
		cfg:         cfg,
		engine:      engine,
		budgets:     budgets,
		checkpoints: checkpoints,
		states:      states,
		logger:      logger,
		now:         time.Now,
		sleep:       waitFor,
	}, nil
}

// Run executes every (year, stage) pair of the run in order. With resume set,
// positions already covered by the latest valid checkpoint are skipped;
// configuration drift against that checkpoint fails the run before any stage
// executes. The returned summary is populated on every exit path.
func (s *Scheduler) Run(ctx context.Context, resume bool) (domain.RunSummary, error) {
	summary := domain.RunSummary{
		RunID:      s.run.ID,
		ScenarioID: s.run.ScenarioID,
		StartedAt:  s.now(),
	}
	baseCtx := domain.ExecutionContext{
		CorrelationID: s.run.CorrelationID,
		ScenarioID:    s.run.ScenarioID,
		PlanDesignID:  s.run.PlanDesignID,
		RandomSeed:    s.run.RandomSeed,
	}

	var cursor checkpoint.Cursor
	if resume {
		var err error
		cursor, err = s.checkpoints.Resume(ctx, s.run.ID, s.run.ConfigHash)
		if err != nil {
			return s.abort(summary, baseCtx, err)
		}
		defer s.checkpoints.EndResume(s.run.ID)
		if cursor.HasProgress {
			s.logger.Info("resuming run from checkpoint",
				append(baseCtx.LogAttrs(),
					"checkpoint_year", cursor.Latest.Year,
					"checkpoint_stage", cursor.Latest.Stage.String())...)
		}
	}

	prior, err := s.baselineState(ctx)
	if err != nil {
		return s.abort(summary, baseCtx, err)
	}

	for _, year := range s.run.Years() {
		var current domain.YearState

		for _, stage := range domain.Stages() {
			stageCtx := baseCtx.WithStage(year, stage)

			if cursor.Completed(year, stage) {
				summary.StagesSkipped++
				if stage == domain.StageStateAccumulation {
					current, err = s.reloadState(ctx, year)
					if err != nil {
						return s.abort(summary, stageCtx, err)
					}
				}
				s.logger.Debug("stage already checkpointed; skipping", stageCtx.LogAttrs()...)
				continue
			}

			if err := s.executeStage(ctx, stage, year, stageCtx); err != nil {
				return s.abort(summary, stageCtx, err)
			}

			if stage == domain.StageStateAccumulation {
				current, err = s.accumulateYear(ctx, prior, year)
				if err != nil {
					return s.abort(summary, stageCtx, err)
				}
			}

			// A cancelled stage never checkpoints: the marker would claim
			// completion the compute engine may not have reached.
			if err := ctx.Err(); err != nil {
				return s.abort(summary, stageCtx, err)
			}
			cp := domain.Checkpoint{
				RunID:      s.run.ID,
				Year:       year,
				Stage:      stage,
				ConfigHash: s.run.ConfigHash,
			}
			if err := s.checkpoints.Save(ctx, cp); err != nil {
				return s.abort(summary, stageCtx,
					simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
						"checkpoint write failed", err).WithContext(stageCtx))
			}
			summary.StagesExecuted++
			s.logger.Info("stage completed", stageCtx.LogAttrs()...)
		}

		// The year's state becomes readable by the next year only now, with
		// the STATE_ACCUMULATION checkpoint durably on disk behind it.
		prior = accumulator.Finalize(current)
		summary.YearsCompleted++
		s.logger.Info("simulation year completed",
			append(baseCtx.LogAttrs(), "simulation_year", year, "entities", len(prior.Records))...)
	}

	summary.Status = domain.RunStatusCompleted
	summary.EndedAt = s.now()
	s.logger.Info("run completed",
		append(baseCtx.LogAttrs(),
			"years_completed", summary.YearsCompleted,
			"stages_executed", summary.StagesExecuted,
			"stages_skipped", summary.StagesSkipped,
			"run_elapsed", summary.Elapsed())...)
	return summary, nil
}

// executeStage runs one stage through the local retry loop. Recoverable
// failures retry up to the configured bound with backoff between attempts;
// warnings log and pass; resource exhaustion gets exactly one retry at a
// halved budget; anything else propagates for the abort decision.
func (s *Scheduler) executeStage(ctx context.Context, stage domain.Stage, year int, stageCtx domain.ExecutionContext) error {
	throttled := false
	for attempt := 1; ; attempt++ {
		budget := s.budgets.SampleBudget(ctx)
		if throttled {
			budget = budget.Halved()
		}
		_, err := s.engine.ExecuteStage(ctx, stage, year, budget, stageCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if simerr.SeverityOf(err) == simerr.SeverityWarning {
			s.logger.Warn("stage completed with warnings",
				append(stageCtx.LogAttrs(), "error", err.Error())...)
			return nil
		}
		if simerr.CategoryOf(err) == simerr.CategoryResource &&
			simerr.SeverityOf(err) == simerr.SeverityCritical && !throttled {
			throttled = true
			s.logger.Warn("resource exhaustion; one retry at reduced budget",
				append(stageCtx.LogAttrs(), "error", err.Error())...)
			continue
		}
		if !simerr.Recoverable(err) || attempt >= s.cfg.Retry.MaxAttempts {
			return err
		}

		delay := backoffDelay(s.cfg.Retry.Backoff, attempt)
		s.logger.Warn("stage failed; retrying",
			append(stageCtx.LogAttrs(),
				"attempt", attempt,
				"max_attempts", s.cfg.Retry.MaxAttempts,
				"backoff", delay,
				"error", err.Error())...)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// accumulateYear rolls prior-year state forward using the outputs the compute
// engine wrote for this year, and persists the result before the stage is
// checkpointed. A checkpoint therefore always implies the state file exists.
func (s *Scheduler) accumulateYear(ctx context.Context, prior domain.YearState, year int) (domain.YearState, error) {
	outputs, err := s.states.LoadYearOutputs(ctx, year)
	if err != nil {
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("year %d outputs unavailable", year), err)
	}
	next, err := accumulator.Accumulate(prior, outputs)
	if err != nil {
		return domain.YearState{}, err
	}
	if err := s.states.SaveYearState(ctx, next); err != nil {
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("persist year %d state", year), err)
	}
	return next, nil
}

// baselineState returns the finalized state the first simulated year reads
// from. A seeded census for start-1 is used when present; otherwise the run
// starts from an empty population and the initialization stage's outputs
// introduce every entity.
func (s *Scheduler) baselineState(ctx context.Context) (domain.YearState, error) {
	baselineYear := s.run.StartYear - 1
	state, err := s.states.LoadYearState(ctx, baselineYear)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return domain.YearState{Year: baselineYear, Finalized: true}, nil
		}
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("baseline state for year %d unreadable", baselineYear), err)
	}
	return accumulator.Finalize(state), nil
}

// reloadState recovers a checkpointed year's state on resume. The checkpoint
// guarantees the file was written, so absence here is corruption, not a fresh
// start.
func (s *Scheduler) reloadState(ctx context.Context, year int) (domain.YearState, error) {
	state, err := s.states.LoadYearState(ctx, year)
	if err != nil {
		return domain.YearState{}, simerr.Wrap(simerr.CategoryState, simerr.SeverityCritical,
			fmt.Sprintf("year %d is checkpointed but its state is unreadable", year), err)
	}
	return state, nil
}

// abort finishes the summary for a failed or cancelled run and logs the full
// diagnostic transcript exactly once.
func (s *Scheduler) abort(summary domain.RunSummary, execCtx domain.ExecutionContext, err error) (domain.RunSummary, error) {
	summary.EndedAt = s.now()
	summary.Err = err
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		summary.Status = domain.RunStatusCancelled
		s.logger.Warn("run cancelled", append(execCtx.LogAttrs(), "error", err.Error())...)
		return summary, err
	}
	summary.Status = domain.RunStatusFailed
	s.logger.Error("run aborted",
		append(execCtx.LogAttrs(),
			"category", string(simerr.CategoryOf(err)),
			"severity", string(simerr.SeverityOf(err)))...)
	s.logger.Error(simerr.Transcript(err))
	return summary, err
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
