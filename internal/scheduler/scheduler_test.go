package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/plansim-labs/plansim-go/internal/checkpoint"
	"github.com/plansim-labs/plansim-go/internal/config"
	"github.com/plansim-labs/plansim-go/internal/domain"
	"github.com/plansim-labs/plansim-go/internal/simerr"
	"github.com/plansim-labs/plansim-go/internal/statestore"
)

type engineCall struct {
	stage  domain.Stage
	year   int
	budget domain.ResourceBudget
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []engineCall
	attempts map[string]int
	fail     func(stage domain.Stage, year, attempt int) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{attempts: make(map[string]int)}
}

func (f *fakeEngine) ExecuteStage(ctx context.Context, stage domain.Stage, year int, budget domain.ResourceBudget, _ domain.ExecutionContext) ([]domain.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	key := fmt.Sprintf("%d/%s", year, stage)
	f.attempts[key]++
	attempt := f.attempts[key]
	f.calls = append(f.calls, engineCall{stage: stage, year: year, budget: budget})
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(stage, year, attempt); err != nil {
			return nil, err
		}
	}
	return []domain.TaskResult{{Status: domain.TaskStatusSucceeded}}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) budgetsFor(stage domain.Stage, year int) []domain.ResourceBudget {
	f.mu.Lock()
	defer f.mu.Unlock()
	var budgets []domain.ResourceBudget
	for _, call := range f.calls {
		if call.stage == stage && call.year == year {
			budgets = append(budgets, call.budget)
		}
	}
	return budgets
}

type fakeBudgets struct {
	budget domain.ResourceBudget
}

func (f fakeBudgets) SampleBudget(context.Context) domain.ResourceBudget {
	return f.budget
}

type fakeStates struct {
	mu      sync.Mutex
	states  map[int]domain.YearState
	outputs map[int]domain.YearOutputs
}

func newFakeStates() *fakeStates {
	return &fakeStates{
		states:  make(map[int]domain.YearState),
		outputs: make(map[int]domain.YearOutputs),
	}
}

func (f *fakeStates) SaveYearState(_ context.Context, state domain.YearState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.Year] = state.Clone()
	return nil
}

func (f *fakeStates) LoadYearState(_ context.Context, year int) (domain.YearState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[year]
	if !ok {
		return domain.YearState{}, statestore.ErrNotFound
	}
	clone := state.Clone()
	clone.Finalized = false
	return clone, nil
}

func (f *fakeStates) LoadYearOutputs(_ context.Context, year int) (domain.YearOutputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outputs, ok := f.outputs[year]; ok {
		return outputs, nil
	}
	return domain.YearOutputs{Year: year}, nil
}

func testConfig(t *testing.T) config.Resolved {
	t.Helper()
	stageTasks := make(map[string][]string)
	for _, stage := range domain.Stages() {
		stageTasks[stage.String()] = []string{"tag:" + stage.String()}
	}
	cfg := config.Resolved{
		ScenarioID:   "baseline",
		PlanDesignID: "plan-a",
		StartYear:    2025,
		EndYear:      2026,
		RandomSeed:   42,
		ThreadsMax:   8,
		BatchSize:    10000,
		Retry: config.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     config.Backoff{Type: config.BackoffNone},
		},
		TaskTimeout:   config.Duration(time.Minute),
		StageTasks:    stageTasks,
		CheckpointDir: t.TempDir(),
		OutputDir:     t.TempDir(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("testConfig invalid: %v", err)
	}
	return cfg
}

func testRun(cfg config.Resolved) domain.Run {
	return domain.Run{
		ID:            "run-0001",
		ScenarioID:    cfg.ScenarioID,
		PlanDesignID:  cfg.PlanDesignID,
		StartYear:     cfg.StartYear,
		EndYear:       cfg.EndYear,
		RandomSeed:    cfg.RandomSeed,
		ConfigHash:    cfg.Hash(),
		CorrelationID: "corr-0001",
		CreatedAt:     time.Now(),
	}
}

func newTestScheduler(t *testing.T, cfg config.Resolved, eng *fakeEngine, states *fakeStates) (*Scheduler, *checkpoint.Manager) {
	t.Helper()
	store, err := checkpoint.NewFSStore(cfg.CheckpointDir)
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}
	manager, err := checkpoint.NewManager(store)
	if err != nil {
		t.Fatalf("NewManager() err=%v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	budgets := fakeBudgets{budget: domain.ResourceBudget{Threads: 8, BatchSize: 10000}}
	sched, err := New(testRun(cfg), cfg, eng, budgets, manager, states, logger)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	sched.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return sched, manager
}

func seedOutputs(states *fakeStates) {
	states.outputs[2025] = domain.YearOutputs{
		Year: 2025,
		NewHires: []domain.EntityRecord{
			{EntityID: "emp-001", Attributes: map[string]string{"status": "active", "salary": "50000"}},
			{EntityID: "emp-002", Attributes: map[string]string{"status": "active", "salary": "60000"}},
		},
	}
	states.outputs[2026] = domain.YearOutputs{
		Year:     2026,
		Overlays: map[string]map[string]string{"emp-001": {"salary": "52500"}},
	}
}

func TestRun_CompletesAllYearsAndStages(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	seedOutputs(states)
	sched, manager := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if summary.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want completed", summary.Status)
	}
	wantStages := 2 * len(domain.Stages())
	if summary.StagesExecuted != wantStages || summary.YearsCompleted != 2 {
		t.Fatalf("executed=%d years=%d, want %d/2", summary.StagesExecuted, summary.YearsCompleted, wantStages)
	}
	if eng.callCount() != wantStages {
		t.Fatalf("engine calls=%d, want %d", eng.callCount(), wantStages)
	}

	checkpoints, err := manager.List(context.Background(), "run-0001")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(checkpoints) != wantStages {
		t.Fatalf("checkpoints=%d, want %d", len(checkpoints), wantStages)
	}

	final := states.states[2026]
	if len(final.Records) != 2 {
		t.Fatalf("final records=%d, want 2", len(final.Records))
	}
	if got := final.Records[0].Attributes["salary"]; got != "52500" {
		t.Fatalf("emp-001 salary=%s, want overlaid 52500", got)
	}
}

func TestRun_StagesExecuteInOrder(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	seedOutputs(states)
	sched, _ := newTestScheduler(t, cfg, eng, states)

	if _, err := sched.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() err=%v", err)
	}

	i := 0
	for _, year := range []int{2025, 2026} {
		for _, stage := range domain.Stages() {
			call := eng.calls[i]
			if call.year != year || call.stage != stage {
				t.Fatalf("call %d = (%d, %s), want (%d, %s)", i, call.year, call.stage, year, stage)
			}
			i++
		}
	}
}

func TestRun_ResumeSkipsCheckpointedStages(t *testing.T) {
	cfg := testConfig(t)
	states := newFakeStates()
	seedOutputs(states)

	// First run fails hard at 2026 event_generation.
	failing := newFakeEngine()
	failing.fail = func(stage domain.Stage, year, _ int) error {
		if year == 2026 && stage == domain.StageEventGeneration {
			return simerr.New(simerr.CategoryDependency, simerr.SeverityCritical, "compute engine crashed")
		}
		return nil
	}
	first, _ := newTestScheduler(t, cfg, failing, states)
	summary, err := first.Run(context.Background(), false)
	if err == nil {
		t.Fatalf("Run() succeeded, want abort at 2026 event_generation")
	}
	if summary.Status != domain.RunStatusFailed || summary.YearsCompleted != 1 {
		t.Fatalf("status=%s years=%d, want failed/1", summary.Status, summary.YearsCompleted)
	}

	// Resume picks up at the failed stage without re-running earlier ones.
	healthy := newFakeEngine()
	second, _ := newTestScheduler(t, cfg, healthy, states)
	summary, err = second.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("resumed Run() err=%v", err)
	}
	if summary.Status != domain.RunStatusCompleted {
		t.Fatalf("resumed status=%s, want completed", summary.Status)
	}
	wantSkipped := len(domain.Stages()) + 2 // all of 2025, plus 2026 initialization+foundation
	if summary.StagesSkipped != wantSkipped {
		t.Fatalf("skipped=%d, want %d", summary.StagesSkipped, wantSkipped)
	}
	if summary.StagesExecuted != 4 {
		t.Fatalf("executed=%d, want 4", summary.StagesExecuted)
	}
	for _, call := range healthy.calls {
		if call.year == 2025 {
			t.Fatalf("resume re-executed year 2025 stage %s", call.stage)
		}
	}
}

func TestRun_ResumedStateMatchesUninterrupted(t *testing.T) {
	// Interrupted-then-resumed must produce byte-identical final state to a
	// single uninterrupted run.
	interruptedCfg := testConfig(t)
	interruptedStates := newFakeStates()
	seedOutputs(interruptedStates)

	failing := newFakeEngine()
	failing.fail = func(stage domain.Stage, year, _ int) error {
		if year == 2026 && stage == domain.StageStateAccumulation {
			return simerr.New(simerr.CategoryDependency, simerr.SeverityCritical, "interrupted")
		}
		return nil
	}
	first, _ := newTestScheduler(t, interruptedCfg, failing, interruptedStates)
	if _, err := first.Run(context.Background(), false); err == nil {
		t.Fatalf("Run() succeeded, want interruption")
	}
	second, _ := newTestScheduler(t, interruptedCfg, newFakeEngine(), interruptedStates)
	if _, err := second.Run(context.Background(), true); err != nil {
		t.Fatalf("resumed Run() err=%v", err)
	}

	cleanCfg := testConfig(t)
	cleanStates := newFakeStates()
	seedOutputs(cleanStates)
	clean, _ := newTestScheduler(t, cleanCfg, newFakeEngine(), cleanStates)
	if _, err := clean.Run(context.Background(), false); err != nil {
		t.Fatalf("uninterrupted Run() err=%v", err)
	}

	got := interruptedStates.states[2026].ContentSHA256()
	want := cleanStates.states[2026].ContentSHA256()
	if got != want {
		t.Fatalf("resumed final state hash %s != uninterrupted %s", got, want)
	}
}

func TestRun_ConfigDriftFailsBeforeAnyStage(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	sched, manager := newTestScheduler(t, cfg, eng, states)

	drifted := domain.Checkpoint{
		RunID:      "run-0001",
		Year:       2025,
		Stage:      domain.StageInitialization,
		ConfigHash: "different-hash",
	}
	if err := manager.Save(context.Background(), drifted); err != nil {
		t.Fatalf("Save() err=%v", err)
	}

	summary, err := sched.Run(context.Background(), true)
	if err == nil {
		t.Fatalf("Run() accepted drifted configuration")
	}
	structured, ok := simerr.From(err)
	if !ok || structured.Category != simerr.CategoryConfiguration || structured.Severity != simerr.SeverityCritical {
		t.Fatalf("err=%v, want critical configuration error", err)
	}
	if summary.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s, want failed", summary.Status)
	}
	if eng.callCount() != 0 {
		t.Fatalf("engine calls=%d, want 0: drift must fail before any stage", eng.callCount())
	}
}

func TestRun_RecoverableFailureRetries(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	seedOutputs(states)
	eng.fail = func(stage domain.Stage, year, attempt int) error {
		if year == 2025 && stage == domain.StageFoundation && attempt < 3 {
			return simerr.New(simerr.CategoryDatabase, simerr.SeverityRecoverable, "database is locked")
		}
		return nil
	}
	sched, _ := newTestScheduler(t, cfg, eng, states)

	var slept []time.Duration
	sched.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	summary, err := sched.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if summary.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want completed", summary.Status)
	}
	if got := eng.attempts["2025/foundation"]; got != 3 {
		t.Fatalf("foundation attempts=%d, want 3", got)
	}
	if len(slept) != 2 {
		t.Fatalf("backoff sleeps=%d, want 2", len(slept))
	}
}

func TestRun_RetriesExhaustedAborts(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	eng.fail = func(stage domain.Stage, _, _ int) error {
		if stage == domain.StageFoundation {
			return simerr.New(simerr.CategoryDatabase, simerr.SeverityRecoverable, "database is locked")
		}
		return nil
	}
	states := newFakeStates()
	seedOutputs(states)
	sched, manager := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(context.Background(), false)
	if err == nil {
		t.Fatalf("Run() succeeded, want abort after exhausted retries")
	}
	if summary.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s, want failed", summary.Status)
	}
	if got := eng.attempts["2025/foundation"]; got != cfg.Retry.MaxAttempts {
		t.Fatalf("attempts=%d, want %d", got, cfg.Retry.MaxAttempts)
	}
	checkpoints, err := manager.List(context.Background(), "run-0001")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(checkpoints) != 1 {
		t.Fatalf("checkpoints=%d, want only initialization", len(checkpoints))
	}
}

func TestRun_CriticalFailureDoesNotRetry(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	eng.fail = func(stage domain.Stage, _, _ int) error {
		if stage == domain.StageInitialization {
			return simerr.New(simerr.CategoryConfiguration, simerr.SeverityCritical, "missing required parameter")
		}
		return nil
	}
	states := newFakeStates()
	sched, _ := newTestScheduler(t, cfg, eng, states)

	if _, err := sched.Run(context.Background(), false); err == nil {
		t.Fatalf("Run() succeeded, want immediate abort")
	}
	if got := eng.attempts["2025/initialization"]; got != 1 {
		t.Fatalf("attempts=%d, want 1: critical failures never retry", got)
	}
}

func TestRun_ResourceExhaustionRetriesOnceAtHalvedBudget(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	seedOutputs(states)
	eng.fail = func(stage domain.Stage, year, attempt int) error {
		if year == 2025 && stage == domain.StageFoundation && attempt == 1 {
			return simerr.New(simerr.CategoryResource, simerr.SeverityCritical, "compute engine exhausted resources")
		}
		return nil
	}
	sched, _ := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if summary.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want completed", summary.Status)
	}
	budgets := eng.budgetsFor(domain.StageFoundation, 2025)
	if len(budgets) != 2 {
		t.Fatalf("foundation attempts=%d, want 2", len(budgets))
	}
	if budgets[0].Threads != 8 || budgets[1].Threads != 4 {
		t.Fatalf("threads=%d then %d, want the full 8 then the halved 4", budgets[0].Threads, budgets[1].Threads)
	}
}

func TestRun_ResourceExhaustionAbortsAfterSingleThrottledRetry(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	eng.fail = func(stage domain.Stage, year, _ int) error {
		if year == 2025 && stage == domain.StageEventGeneration {
			return simerr.New(simerr.CategoryResource, simerr.SeverityCritical, "compute engine exhausted resources")
		}
		return nil
	}
	states := newFakeStates()
	seedOutputs(states)
	sched, _ := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(context.Background(), false)
	if err == nil {
		t.Fatalf("Run() succeeded, want abort after the throttled retry")
	}
	if summary.Status != domain.RunStatusFailed {
		t.Fatalf("status=%s, want failed", summary.Status)
	}
	if got := eng.attempts["2025/event_generation"]; got != 2 {
		t.Fatalf("attempts=%d, want exactly 2: persistent exhaustion gets one throttled retry, never a loop", got)
	}
}

func TestRun_WarningCompletesStage(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	eng.fail = func(stage domain.Stage, year, _ int) error {
		if year == 2025 && stage == domain.StageValidation {
			return simerr.New(simerr.CategoryDataQuality, simerr.SeverityWarning, "3 of 120 quality tests failed")
		}
		return nil
	}
	states := newFakeStates()
	seedOutputs(states)
	sched, manager := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if summary.Status != domain.RunStatusCompleted {
		t.Fatalf("status=%s, want completed: warnings do not abort", summary.Status)
	}
	checkpoints, err := manager.List(context.Background(), "run-0001")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(checkpoints) != 2*len(domain.Stages()) {
		t.Fatalf("checkpoints=%d, want full set including warned stage", len(checkpoints))
	}
}

func TestRun_CancellationWritesNoCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	eng := newFakeEngine()
	eng.fail = func(stage domain.Stage, year, _ int) error {
		if year == 2025 && stage == domain.StageEventGeneration {
			cancel()
			return context.Canceled
		}
		return nil
	}
	states := newFakeStates()
	sched, manager := newTestScheduler(t, cfg, eng, states)

	summary, err := sched.Run(ctx, false)
	if err == nil {
		t.Fatalf("Run() succeeded after cancellation")
	}
	if summary.Status != domain.RunStatusCancelled {
		t.Fatalf("status=%s, want cancelled", summary.Status)
	}
	checkpoints, err := manager.List(context.Background(), "run-0001")
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	for _, cp := range checkpoints {
		if cp.Year == 2025 && cp.Stage == domain.StageEventGeneration {
			t.Fatalf("cancelled stage was checkpointed")
		}
	}
	if len(checkpoints) != 2 {
		t.Fatalf("checkpoints=%d, want 2 (stages before cancellation)", len(checkpoints))
	}
}

func TestRun_SeededBaselineFeedsFirstYear(t *testing.T) {
	cfg := testConfig(t)
	eng := newFakeEngine()
	states := newFakeStates()
	states.states[2024] = domain.YearState{
		Year: 2024,
		Records: []domain.EntityRecord{
			{EntityID: "emp-900", Attributes: map[string]string{"status": "active", "salary": "80000"}},
		},
	}
	states.outputs[2025] = domain.YearOutputs{
		Year:     2025,
		Overlays: map[string]map[string]string{"emp-900": {"salary": "82400"}},
	}
	states.outputs[2026] = domain.YearOutputs{Year: 2026}
	sched, _ := newTestScheduler(t, cfg, eng, states)

	if _, err := sched.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	first := states.states[2025]
	if len(first.Records) != 1 || first.Records[0].Attributes["salary"] != "82400" {
		t.Fatalf("2025 state=%+v, want census entity carried with overlay", first.Records)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  config.Backoff
		attempt int
		want    time.Duration
	}{
		{"none", config.Backoff{Type: config.BackoffNone}, 1, 0},
		{"linear first", config.Backoff{Type: config.BackoffLinear, InitialSeconds: 5}, 1, 5 * time.Second},
		{"linear third", config.Backoff{Type: config.BackoffLinear, InitialSeconds: 5}, 3, 15 * time.Second},
		{"exponential first", config.Backoff{Type: config.BackoffExponential, InitialSeconds: 2}, 1, 2 * time.Second},
		{"exponential default multiplier", config.Backoff{Type: config.BackoffExponential, InitialSeconds: 2}, 3, 8 * time.Second},
		{"exponential capped", config.Backoff{Type: config.BackoffExponential, InitialSeconds: 2, MaxSeconds: 5}, 4, 5 * time.Second},
		{"custom multiplier", config.Backoff{Type: config.BackoffExponential, InitialSeconds: 1, Multiplier: 3}, 3, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.policy, tt.attempt); got != tt.want {
				t.Fatalf("backoffDelay()=%v, want %v", got, tt.want)
			}
		})
	}
}
