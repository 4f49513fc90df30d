// Package engine dispatches a stage's tasks against the external compute
// engine. Tasks with no declared interdependency go out as one grouped
// invocation carrying a thread hint, so the compute engine's own
// dependency-aware parallelism stays in play; sharded stages fan out one
// invocation per shard and reconcile through a single union finalizer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/plansim-labs/plansim-go/internal/compute"
	"github.com/plansim-labs/plansim-go/internal/config"
	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/simerr"
)

// dataQualityPattern recognizes compute-engine output reporting internal
// data-quality test failures, which carry a softer default severity than an
// execution failure.
var dataQualityPattern = regexp.MustCompile(`(?im)^FAIL |data.?quality`)

// resourceExhaustionPattern recognizes compute-engine output reporting CPU or
// memory exhaustion. Exhaustion is critical: the scheduler grants it one
// throttled retry at a reduced budget, never an open-ended retry loop.
var resourceExhaustionPattern = regexp.MustCompile(`(?i)(out of memory|oom[- ]?kill|cannot allocate|memory limit)`)

// Engine executes one stage at a time for a single run.
type Engine struct {
	invoker compute.Invoker
	cfg     config.Resolved
	catalog *simerr.Catalog
	logger  *slog.Logger
}

func New(invoker compute.Invoker, cfg config.Resolved, catalog *simerr.Catalog, logger *slog.Logger) (*Engine, error) {
	if invoker == nil {
		return nil, errors.New("compute invoker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = simerr.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{invoker: invoker, cfg: cfg, catalog: catalog, logger: logger}, nil
}

// ExecuteStage dispatches every task of (stage, year) under the given budget
// and returns one result per invocation, shards in ascending index order and
// the finalizer last. The first classified failure aborts the stage.
func (e *Engine) ExecuteStage(ctx context.Context, stage domain.Stage, year int, budget domain.ResourceBudget, execCtx domain.ExecutionContext) ([]domain.TaskResult, error) {
	tasks := e.cfg.TasksFor(stage)
	if len(tasks) == 0 {
		return nil, nil
	}
	if err := budget.Validate(); err != nil {
		return nil, simerr.Wrap(simerr.CategoryResource, simerr.SeverityCritical,
			"invalid resource budget", err).WithContext(execCtx)
	}
	budget = budget.Clamp(e.cfg.ThreadsRequested)

	selector := strings.Join(tasks, " ")
	if e.cfg.ShardedFor(stage) {
		return e.executeSharded(ctx, stage, year, selector, budget, execCtx)
	}
	return e.executeGrouped(ctx, year, selector, budget, execCtx)
}

// executeGrouped submits the stage's tasks as a single invocation.
func (e *Engine) executeGrouped(ctx context.Context, year int, selector string, budget domain.ResourceBudget, execCtx domain.ExecutionContext) ([]domain.TaskResult, error) {
	task := domain.Task{Selector: selector, ShardIndex: -1}
	result, err := e.invokeWithTimeoutRetry(ctx, year, task, budget, execCtx)
	if err != nil {
		return nil, err
	}
	return []domain.TaskResult{result}, nil
}

// executeSharded fans the stage out across shard invocations through a
// bounded worker pool, then submits the union finalizer. Results are ordered
// by shard index regardless of completion order.
func (e *Engine) executeSharded(ctx context.Context, stage domain.Stage, year int, selector string, budget domain.ResourceBudget, execCtx domain.ExecutionContext) ([]domain.TaskResult, error) {
	shardCount := e.cfg.ShardCount
	workers := budget.Threads
	if workers > shardCount {
		workers = shardCount
	}
	// Shards split the stage budget; each invocation still gets at least one
	// thread.
	shardBudget := budget
	shardBudget.Threads = budget.Threads / workers
	if shardBudget.Threads < 1 {
		shardBudget.Threads = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]domain.TaskResult, shardCount)
	errs := make([]error, shardCount)
	shards := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range shards {
				task := domain.Task{Selector: selector, ShardIndex: shard, ShardCount: shardCount}
				result, err := e.invokeWithTimeoutRetry(ctx, year, task, shardBudget, execCtx)
				results[shard] = result
				errs[shard] = err
				if err != nil {
					cancel()
				}
			}
		}()
	}
	for shard := 0; shard < shardCount; shard++ {
		select {
		case shards <- shard:
		case <-ctx.Done():
		}
	}
	close(shards)
	wg.Wait()

	// Lowest classified failure wins so the reported failure is
	// deterministic; cancellation fallout from a sibling's failure never
	// masks the failure itself.
	var firstErr error
	for shard := 0; shard < shardCount; shard++ {
		if errs[shard] == nil {
			continue
		}
		if firstErr == nil {
			firstErr = errs[shard]
		}
		if !errors.Is(errs[shard], context.Canceled) {
			return nil, errs[shard]
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	finalizer := domain.Task{Selector: e.cfg.FinalizerFor(stage), ShardIndex: -1, ShardCount: 0}
	finalResult, err := e.invokeWithTimeoutRetry(ctx, year, finalizer, budget, execCtx)
	if err != nil {
		return nil, err
	}
	return append(results, finalResult), nil
}

// invokeWithTimeoutRetry submits one invocation, retrying exactly once at
// halved concurrency after a timeout before escalating.
func (e *Engine) invokeWithTimeoutRetry(ctx context.Context, year int, task domain.Task, budget domain.ResourceBudget, execCtx domain.ExecutionContext) (domain.TaskResult, error) {
	result, err := e.invokeOnce(ctx, year, task, budget, execCtx, 1)
	if err == nil || !errors.Is(err, compute.ErrTimeout) {
		return result, err
	}

	reduced := budget.Halved()
	e.logger.Warn("task timed out; retrying at reduced concurrency",
		append(execCtx.WithTask(task.Selector).LogAttrs(), "threads", reduced.Threads)...)

	result, err = e.invokeOnce(ctx, year, task, reduced, execCtx, 2)
	if err != nil && errors.Is(err, compute.ErrTimeout) {
		return result, simerr.Wrap(simerr.CategoryDependency, simerr.SeverityCritical,
			fmt.Sprintf("task %s timed out twice", task.Selector), err).
			WithContext(execCtx.WithTask(task.Selector))
	}
	return result, err
}

func (e *Engine) invokeOnce(ctx context.Context, year int, task domain.Task, budget domain.ResourceBudget, execCtx domain.ExecutionContext, attempt int) (domain.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskResult{}, err
	}

	inv := compute.Invocation{
		Selector:   task.Selector,
		ShardIndex: task.ShardIndex,
		ShardCount: task.ShardCount,
		Threads:    budget.Threads,
		Timeout:    e.cfg.TaskTimeout.AsDuration(),
		Params:     e.invocationParams(year),
	}
	taskCtx := execCtx.WithTask(task.Selector)

	result, err := e.invoker.Invoke(ctx, inv)
	taskResult := domain.TaskResult{
		Task:     task,
		ExitCode: result.ExitCode,
		Output:   result.Output,
		Elapsed:  result.Elapsed,
		Attempt:  attempt,
	}
	if err != nil {
		taskResult.Status = domain.TaskStatusFailed
		if errors.Is(err, compute.ErrTimeout) || errors.Is(err, context.Canceled) {
			return taskResult, err
		}
		return taskResult, e.catalog.Annotate(
			simerr.Wrap(simerr.CategoryDependency, simerr.SeverityRecoverable,
				fmt.Sprintf("compute invocation %s failed", task.Selector), err).
				WithContext(taskCtx))
	}
	if !result.Success {
		taskResult.Status = domain.TaskStatusFailed
		return taskResult, e.classifyFailure(task, result, taskCtx)
	}

	taskResult.Status = domain.TaskStatusSucceeded
	e.logger.Debug("task succeeded",
		append(taskCtx.LogAttrs(), "exit_code", result.ExitCode, "task_elapsed", result.Elapsed)...)
	return taskResult, nil
}

// classifyFailure maps a non-zero compute exit to the error taxonomy.
func (e *Engine) classifyFailure(task domain.Task, result compute.Result, taskCtx domain.ExecutionContext) error {
	if resourceExhaustionPattern.MatchString(result.Output) {
		return e.catalog.Annotate(
			simerr.Wrap(simerr.CategoryResource, simerr.SeverityCritical,
				fmt.Sprintf("compute engine exhausted resources for %s (exit %d)", task.Selector, result.ExitCode),
				errors.New(truncateOutput(result.Output))).
				WithContext(taskCtx))
	}
	if dataQualityPattern.MatchString(result.Output) {
		dq := simerr.New(simerr.CategoryDataQuality, simerr.SeverityWarning,
			fmt.Sprintf("data quality tests failed for %s (exit %d)", task.Selector, result.ExitCode)).
			WithContext(taskCtx)
		if e.cfg.DataQualityFatal {
			dq = simerr.Promote(dq)
		}
		return e.catalog.Annotate(dq)
	}
	return e.catalog.Annotate(
		simerr.Wrap(simerr.CategoryDependency, simerr.SeverityRecoverable,
			fmt.Sprintf("compute engine exited %d for %s", result.ExitCode, task.Selector),
			errors.New(truncateOutput(result.Output))).
			WithContext(taskCtx))
}

func (e *Engine) invocationParams(year int) map[string]string {
	params := make(map[string]string, len(e.cfg.Params)+4)
	for k, v := range e.cfg.Params {
		params[k] = v
	}
	params[compute.ParamSimulationYear] = strconv.Itoa(year)
	params[compute.ParamScenarioID] = e.cfg.ScenarioID
	params[compute.ParamPlanDesignID] = e.cfg.PlanDesignID
	params[compute.ParamRandomSeed] = strconv.FormatInt(e.cfg.RandomSeed, 10)
	return params
}

const maxOutputInError = 2000

func truncateOutput(output string) string {
	if len(output) <= maxOutputInError {
		return output
	}
	return output[:maxOutputInError] + " [truncated]"
}
