package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/plansim-labs/plansim-go/internal/batch"
	"github.com/plansim-labs/plansim-go/internal/checkpoint"
	"github.com/plansim-labs/plansim-go/internal/compute"
	"github.com/plansim-labs/plansim-go/internal/config"
	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/engine"
	"github.com/plansim-labs/plansim-go/internal/platform/correlation"
	"github.com/plansim-labs/plansim-go/internal/platform/env"
	"github.com/plansim-labs/plansim-go/internal/platform/objectstore"
	"github.com/plansim-labs/plansim-go/internal/platform/postgres"
	"github.com/plansim-labs/plansim-go/internal/resource"
	"github.com/plansim-labs/plansim-go/internal/runs"
	"github.com/plansim-labs/plansim-go/internal/scheduler"
	"github.com/plansim-labs/plansim-go/internal/simerr"
	"github.com/plansim-labs/plansim-go/internal/statestore"
)

const usage = `usage: plansim <command> [flags]

commands:
  run          execute one simulation run
  batch        execute a batch of scenario runs
  checkpoints  inspect or clean up run checkpoints (list | cleanup)
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, logger, os.Args[2:])
	case "batch":
		err = batchCmd(ctx, logger, os.Args[2:])
	case "checkpoints":
		err = checkpointsCmd(ctx, logger, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func runCmd(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "plansim.yaml", "resolved simulation configuration file")
	runID := fs.String("run-id", "", "run id (required with -resume; generated otherwise)")
	resume := fs.Bool("resume", false, "resume from the latest valid checkpoint")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if *resume && *runID == "" {
		err := errors.New("-run-id is required with -resume")
		logger.Error("invalid arguments", "error", err)
		return err
	}
	id := *runID
	if id == "" {
		id = uuid.NewString()
	}
	correlationID, err := correlation.New()
	if err != nil {
		logger.Error("correlation id", "error", err)
		return err
	}

	run := domain.Run{
		ID:            id,
		ScenarioID:    cfg.ScenarioID,
		PlanDesignID:  cfg.PlanDesignID,
		StartYear:     cfg.StartYear,
		EndYear:       cfg.EndYear,
		RandomSeed:    cfg.RandomSeed,
		ConfigHash:    cfg.Hash(),
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}

	sched, cleanup, err := buildScheduler(ctx, logger, run, cfg)
	if err != nil {
		logger.Error("scheduler wiring failed", "error", err)
		return err
	}
	defer cleanup()

	recorder, recorderCleanup, err := buildRunRecorder(ctx, logger)
	if err != nil {
		logger.Error("run recorder wiring failed", "error", err)
		return err
	}
	defer recorderCleanup()
	if recorder != nil && !*resume {
		if err := recorder.Begin(ctx, run); err != nil {
			logger.Error("record run start", "error", err)
			return err
		}
	}

	summary, err := sched.Run(ctx, *resume)
	printSummary(summary)
	if recorder != nil {
		// Record the outcome even when the run context was cancelled.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		switch finishErr := recorder.Finish(finishCtx, run.ID, summary); {
		case errors.Is(finishErr, runs.ErrNotRunning):
			// A resumed run's record is already terminal from the earlier
			// attempt; the resume outcome stays in the logs.
			logger.Warn("run record already terminal; not updated", "run_id", run.ID)
		case finishErr != nil:
			logger.Error("record run outcome", "run_id", run.ID, "error", finishErr)
		}
	}
	return err
}

// buildRunRecorder opens the run-record store when PLANSIM_RUN_RECORDS is
// set. Records are operator bookkeeping; a disabled recorder is not an error.
func buildRunRecorder(ctx context.Context, logger *slog.Logger) (*runs.PGStore, func(), error) {
	enabled, err := env.Bool("PLANSIM_RUN_RECORDS", false)
	if err != nil {
		return nil, func() {}, err
	}
	if !enabled {
		return nil, func() {}, nil
	}
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, func() {}, err
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, func() {}, err
	}
	store, err := runs.NewPGStore(db)
	if err != nil {
		_ = db.Close()
		return nil, func() {}, err
	}
	logger.Debug("run records enabled")
	return store, func() { _ = db.Close() }, nil
}

func batchCmd(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "plansim.yaml", "base simulation configuration file")
	scenariosPath := fs.String("scenarios", "scenarios.yaml", "scenario batch file")
	concurrency := fs.Int("concurrency", 2, "concurrent scenario runs")
	_ = fs.Parse(args)

	base, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	scenarios, err := loadScenarios(*scenariosPath)
	if err != nil {
		logger.Error("invalid scenario file", "error", err)
		return err
	}

	var publisher batch.ArtifactPublisher
	var minioPublisher *batch.MinioPublisher
	publish, err := env.Bool("PLANSIM_MINIO_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		return err
	}
	if publish {
		minioPublisher, err = buildPublisher(ctx)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			return err
		}
		publisher = minioPublisher
	}

	// The factory runs from concurrent scenario goroutines.
	var mu sync.Mutex
	stores := make(map[string]*statestore.FSStore, len(scenarios))
	var cleanups []func()
	defer func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}()
	factory := func(run domain.Run, cfg config.Resolved) (batch.RunScheduler, error) {
		sched, cleanup, err := buildScheduler(ctx, logger, run, cfg)
		if err != nil {
			return nil, err
		}
		states, err := statestore.NewFSStore(cfg.OutputDir)
		if err != nil {
			cleanup()
			return nil, err
		}
		mu.Lock()
		stores[cfg.ScenarioID] = states
		cleanups = append(cleanups, cleanup)
		mu.Unlock()
		return sched, nil
	}

	runner, err := batch.NewRunner(base, factory, publisher, *concurrency, logger)
	if err != nil {
		logger.Error("batch runner wiring failed", "error", err)
		return err
	}
	summary, err := runner.RunBatch(ctx, scenarios)
	printBatchSummary(summary)
	if err != nil {
		return err
	}

	if minioPublisher != nil {
		if err := publishFinalStates(ctx, logger, minioPublisher, stores, base.EndYear, summary); err != nil {
			return err
		}
	}
	if summary.Failed() > 0 {
		return fmt.Errorf("%d of %d scenarios failed", summary.Failed(), len(summary.Results))
	}
	return nil
}

func checkpointsCmd(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: plansim checkpoints <list|cleanup> -config <file> -run-id <id>")
	}
	action := args[0]

	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	configPath := fs.String("config", "plansim.yaml", "resolved simulation configuration file")
	runID := fs.String("run-id", "", "run id")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if *runID == "" {
		err := errors.New("-run-id is required")
		logger.Error("invalid arguments", "error", err)
		return err
	}

	manager, cleanup, err := buildCheckpointManager(ctx, logger, cfg)
	if err != nil {
		logger.Error("checkpoint store wiring failed", "error", err)
		return err
	}
	defer cleanup()

	switch action {
	case "list":
		checkpoints, err := manager.List(ctx, *runID)
		if err != nil {
			logger.Error("list checkpoints", "error", err)
			return err
		}
		encoder := json.NewEncoder(os.Stdout)
		for _, cp := range checkpoints {
			record := map[string]any{
				"run_id":       cp.RunID,
				"year":         cp.Year,
				"stage":        cp.Stage.String(),
				"config_hash":  cp.ConfigHash,
				"completed_at": cp.CompletedAt.UTC().Format(time.RFC3339),
			}
			if err := encoder.Encode(record); err != nil {
				return err
			}
		}
		return nil
	case "cleanup":
		if err := manager.Prune(ctx, *runID); err != nil {
			logger.Error("prune checkpoints", "error", err)
			return err
		}
		logger.Info("checkpoints pruned", "run_id", *runID)
		return nil
	default:
		return fmt.Errorf("unknown checkpoints action %q", action)
	}
}

// buildScheduler wires one run's scheduler: compute invoker, hint catalog,
// engine, resource manager, checkpoint manager, and state store.
func buildScheduler(ctx context.Context, logger *slog.Logger, run domain.Run, cfg config.Resolved) (*scheduler.Scheduler, func(), error) {
	cleanup := func() {}

	catalog, err := loadCatalog()
	if err != nil {
		return nil, cleanup, err
	}
	invoker, err := buildInvoker()
	if err != nil {
		return nil, cleanup, err
	}
	eng, err := engine.New(invoker, cfg, catalog, logger)
	if err != nil {
		return nil, cleanup, err
	}
	budgets, err := buildResourceManager(cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	manager, cleanup, err := buildCheckpointManager(ctx, logger, cfg)
	if err != nil {
		return nil, cleanup, err
	}
	states, err := statestore.NewFSStore(cfg.OutputDir)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	sched, err := scheduler.New(run, cfg, eng, budgets, manager, states, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return sched, cleanup, nil
}

// buildCheckpointManager selects the checkpoint backend:
// PLANSIM_CHECKPOINT_BACKEND=postgres uses the shared database, anything else
// the config's checkpoint directory.
func buildCheckpointManager(ctx context.Context, logger *slog.Logger, cfg config.Resolved) (*checkpoint.Manager, func(), error) {
	backend := env.String("PLANSIM_CHECKPOINT_BACKEND", "fs")
	if backend == "postgres" {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, func() {}, err
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, func() {}, err
		}
		store, err := checkpoint.NewPGStore(db)
		if err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
		manager, err := checkpoint.NewManager(store)
		if err != nil {
			_ = db.Close()
			return nil, func() {}, err
		}
		logger.Debug("checkpoint backend", "backend", "postgres")
		return manager, func() { _ = db.Close() }, nil
	}

	store, err := checkpoint.NewFSStore(cfg.CheckpointDir)
	if err != nil {
		return nil, func() {}, err
	}
	manager, err := checkpoint.NewManager(store)
	if err != nil {
		return nil, func() {}, err
	}
	return manager, func() {}, nil
}

func buildInvoker() (*compute.CommandInvoker, error) {
	binary := env.String("PLANSIM_ENGINE_BIN", "")
	if binary == "" {
		return nil, errors.New("PLANSIM_ENGINE_BIN is required")
	}
	return &compute.CommandInvoker{
		Binary:   binary,
		BaseArgs: strings.Fields(env.String("PLANSIM_ENGINE_ARGS", "")),
		Dir:      env.String("PLANSIM_ENGINE_DIR", ""),
	}, nil
}

func buildResourceManager(cfg config.Resolved, logger *slog.Logger) (*resource.Manager, error) {
	threadsFloor, err := env.Int("PLANSIM_THREADS_FLOOR", 1)
	if err != nil {
		return nil, err
	}
	batchSizeMin, err := env.Int("PLANSIM_BATCH_SIZE_MIN", 1000)
	if err != nil {
		return nil, err
	}
	cpuHighWater, err := env.Float64("PLANSIM_CPU_HIGH_WATER", 90)
	if err != nil {
		return nil, err
	}
	memHighWater, err := env.Float64("PLANSIM_MEM_HIGH_WATER", 85)
	if err != nil {
		return nil, err
	}
	recoverySteps, err := env.Int("PLANSIM_RECOVERY_STEPS", 4)
	if err != nil {
		return nil, err
	}
	if batchSizeMin > cfg.BatchSize {
		batchSizeMin = cfg.BatchSize
	}
	return resource.NewManager(resource.Config{
		ThreadsMax:    cfg.ThreadsMax,
		ThreadsFloor:  threadsFloor,
		BatchSizeMax:  cfg.BatchSize,
		BatchSizeMin:  batchSizeMin,
		CPUHighWater:  cpuHighWater,
		MemHighWater:  memHighWater,
		RecoverySteps: recoverySteps,
	}, nil, logger)
}

func buildPublisher(ctx context.Context) (*batch.MinioPublisher, error) {
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureBuckets(startupCtx, client, storeCfg); err != nil {
		return nil, err
	}
	return batch.NewMinioPublisher(client, storeCfg)
}

// loadCatalog builds the hint catalog: the built-in signatures, extended by
// PLANSIM_HINTS_FILE when set.
func loadCatalog() (*simerr.Catalog, error) {
	catalog := simerr.DefaultCatalog()
	path := env.String("PLANSIM_HINTS_FILE", "")
	if path == "" {
		return catalog, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hints file: %w", err)
	}
	extra, err := simerr.ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(extra), nil
}

func loadConfig(path string) (config.Resolved, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.Resolved{}, fmt.Errorf("read config: %w", err)
	}
	var cfg config.Resolved
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return config.Resolved{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Resolved{}, err
	}
	return cfg, nil
}

type scenarioFile struct {
	Scenarios []scenarioEntry `yaml:"scenarios"`
}

type scenarioEntry struct {
	ScenarioID string    `yaml:"scenario_id"`
	Overrides  yaml.Node `yaml:"overrides"`
}

func loadScenarios(path string) ([]domain.ScenarioConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var file scenarioFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return nil, errors.New("scenario file names no scenarios")
	}

	out := make([]domain.ScenarioConfig, 0, len(file.Scenarios))
	for _, entry := range file.Scenarios {
		sc := domain.ScenarioConfig{ScenarioID: entry.ScenarioID}
		if !entry.Overrides.IsZero() {
			overrides, err := yaml.Marshal(&entry.Overrides)
			if err != nil {
				return nil, fmt.Errorf("scenario %s overrides: %w", entry.ScenarioID, err)
			}
			sc.Overrides = overrides
		}
		out = append(out, sc)
	}
	return out, nil
}

// publishFinalStates uploads each completed scenario's final year state to
// the outputs bucket.
func publishFinalStates(ctx context.Context, logger *slog.Logger, publisher *batch.MinioPublisher, stores map[string]*statestore.FSStore, endYear int, summary domain.BatchSummary) error {
	for _, result := range summary.Results {
		if result.Status != domain.RunStatusCompleted {
			continue
		}
		states, ok := stores[result.ScenarioID]
		if !ok {
			continue
		}
		state, err := states.LoadYearState(ctx, endYear)
		if err != nil {
			logger.Error("final state unreadable", "scenario_id", result.ScenarioID, "error", err)
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"scenario_id":    result.ScenarioID,
			"run_id":         result.RunID,
			"year":           state.Year,
			"content_sha256": state.ContentSHA256(),
			"entities":       len(state.Records),
		})
		if err != nil {
			return err
		}
		if err := publisher.PublishFinalState(ctx, result.ScenarioID, result.RunID, payload); err != nil {
			logger.Error("final state publish failed", "scenario_id", result.ScenarioID, "error", err)
			return err
		}
	}
	return nil
}

func printSummary(summary domain.RunSummary) {
	record := map[string]any{
		"run_id":          summary.RunID,
		"scenario_id":     summary.ScenarioID,
		"status":          string(summary.Status),
		"years_completed": summary.YearsCompleted,
		"stages_executed": summary.StagesExecuted,
		"stages_skipped":  summary.StagesSkipped,
		"elapsed_seconds": int64(summary.Elapsed().Seconds()),
	}
	if summary.Err != nil {
		record["error"] = summary.Err.Error()
		if structured, ok := simerr.From(summary.Err); ok {
			record["category"] = string(structured.Category)
			record["severity"] = string(structured.Severity)
		}
	}
	_ = json.NewEncoder(os.Stdout).Encode(record)
}

func printBatchSummary(summary domain.BatchSummary) {
	encoder := json.NewEncoder(os.Stdout)
	for _, result := range summary.Results {
		record := map[string]any{
			"scenario_id":     result.ScenarioID,
			"run_id":          result.RunID,
			"status":          string(result.Status),
			"elapsed_seconds": int64(result.Elapsed().Seconds()),
		}
		if result.Error != "" {
			record["error"] = result.Error
		}
		_ = encoder.Encode(record)
	}
}
