// Package config carries the resolved simulation configuration: the single
// object the orchestrator consumes after an external loader has merged base
// document, scenario overrides, and environment overrides. Raw document
// parsing and validation live outside the core; this package only resolves
// per-scenario override documents and computes the stable content hash.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// RetryPolicy bounds local retries of recoverable failures.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff `json:"backoff" yaml:"backoff"`
}

// Backoff describes the delay between retry attempts.
type Backoff struct {
	Type           string  `json:"type" yaml:"type"`
	InitialSeconds int     `json:"initial_seconds" yaml:"initial_seconds"`
	MaxSeconds     int     `json:"max_seconds" yaml:"max_seconds"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffNone        = "none"
)

// Resolved is the fully merged configuration for one run. Treated as a value:
// scenario resolution returns a new Resolved rather than mutating in place.
type Resolved struct {
	ScenarioID   string `json:"scenario_id" yaml:"scenario_id"`
	PlanDesignID string `json:"plan_design_id" yaml:"plan_design_id"`
	StartYear    int    `json:"start_year" yaml:"start_year"`
	EndYear      int    `json:"end_year" yaml:"end_year"`
	RandomSeed   int64  `json:"random_seed" yaml:"random_seed"`

	ThreadsMax       int `json:"threads_max" yaml:"threads_max"`
	ThreadsRequested int `json:"threads_requested,omitempty" yaml:"threads_requested,omitempty"`
	BatchSize        int `json:"batch_size" yaml:"batch_size"`
	ShardCount       int `json:"shard_count" yaml:"shard_count"`

	Retry            RetryPolicy `json:"retry" yaml:"retry"`
	TaskTimeout      Duration    `json:"task_timeout" yaml:"task_timeout"`
	DataQualityFatal bool        `json:"data_quality_fatal" yaml:"data_quality_fatal"`

	// StageTasks maps each stage name to the ordered task selectors it
	// dispatches. Stages absent from the map dispatch nothing.
	StageTasks map[string][]string `json:"stage_tasks" yaml:"stage_tasks"`

	// ShardedStages lists stages partitioned across ShardCount shards.
	ShardedStages []string `json:"sharded_stages,omitempty" yaml:"sharded_stages,omitempty"`

	// ShardFinalizers names, per sharded stage, the single task that unions
	// shard outputs into the canonical merged output.
	ShardFinalizers map[string]string `json:"shard_finalizers,omitempty" yaml:"shard_finalizers,omitempty"`

	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	OutputDir     string `json:"output_dir" yaml:"output_dir"`

	// Params are scenario-specific overrides forwarded verbatim to every
	// compute-engine invocation.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Duration wraps time.Duration with yaml/json string encoding ("90s").
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

func (c Resolved) Validate() error {
	if strings.TrimSpace(c.ScenarioID) == "" {
		return errors.New("scenario id is required")
	}
	if strings.TrimSpace(c.PlanDesignID) == "" {
		return errors.New("plan design id is required")
	}
	if c.StartYear <= 0 {
		return errors.New("start year is required")
	}
	if c.EndYear < c.StartYear {
		return fmt.Errorf("end year %d precedes start year %d", c.EndYear, c.StartYear)
	}
	if c.ThreadsMax < 1 {
		return errors.New("threads max must be >= 1")
	}
	if c.ThreadsRequested < 0 {
		return errors.New("threads requested must be >= 0")
	}
	if c.BatchSize < 1 {
		return errors.New("batch size must be >= 1")
	}
	if c.ShardCount < 0 {
		return errors.New("shard count must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max attempts must be >= 1")
	}
	if c.TaskTimeout <= 0 {
		return errors.New("task timeout must be positive")
	}
	if strings.TrimSpace(c.CheckpointDir) == "" {
		return errors.New("checkpoint dir is required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return errors.New("output dir is required")
	}
	for name := range c.StageTasks {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("stage tasks: %w", err)
		}
	}
	for _, name := range c.ShardedStages {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("sharded stages: %w", err)
		}
		if c.ShardCount >= 2 && strings.TrimSpace(c.ShardFinalizers[name]) == "" {
			return fmt.Errorf("sharded stage %s has no shard finalizer", name)
		}
	}
	for name := range c.ShardFinalizers {
		if _, err := domain.ParseStage(name); err != nil {
			return fmt.Errorf("shard finalizers: %w", err)
		}
	}
	return nil
}

// Hash returns the stable content hash of the resolved configuration:
// sha256 over the canonical JSON encoding. Used for checkpoint drift
// detection, so it must be insensitive to map iteration order (JSON object
// keys are emitted sorted by encoding/json).
func (c Resolved) Hash() string {
	canonical := c
	canonical.ShardedStages = append([]string{}, c.ShardedStages...)
	sort.Strings(canonical.ShardedStages)
	encoded, err := json.Marshal(canonical)
	if err != nil {
		// Resolved contains only marshalable fields; reaching this means a
		// programming error, not an input error.
		panic(fmt.Sprintf("marshal resolved config: %v", err))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// TasksFor returns the ordered task selectors for a stage.
func (c Resolved) TasksFor(stage domain.Stage) []string {
	return c.StageTasks[stage.String()]
}

// FinalizerFor returns the union finalizer task for a sharded stage.
func (c Resolved) FinalizerFor(stage domain.Stage) string {
	return c.ShardFinalizers[stage.String()]
}

// ShardedFor reports whether a stage is dispatched as ShardCount shards.
func (c Resolved) ShardedFor(stage domain.Stage) bool {
	if c.ShardCount < 2 {
		return false
	}
	for _, name := range c.ShardedStages {
		if name == stage.String() {
			return true
		}
	}
	return false
}

// WithOverrides applies a scenario override document on top of c and returns
// the result. Only fields present in the document change; the receiver is
// untouched. The scenario id always follows the override scenario.
func (c Resolved) WithOverrides(scenarioID string, overrides []byte) (Resolved, error) {
	out := c
	out.StageTasks = cloneStageTasks(c.StageTasks)
	out.ShardedStages = append([]string{}, c.ShardedStages...)
	out.ShardFinalizers = cloneParams(c.ShardFinalizers)
	out.Params = cloneParams(c.Params)

	if len(overrides) > 0 {
		if err := yaml.Unmarshal(overrides, &out); err != nil {
			return Resolved{}, fmt.Errorf("decode scenario overrides: %w", err)
		}
	}
	if strings.TrimSpace(scenarioID) != "" {
		out.ScenarioID = scenarioID
	}
	if err := out.Validate(); err != nil {
		return Resolved{}, fmt.Errorf("scenario %s: %w", out.ScenarioID, err)
	}
	return out, nil
}

func cloneStageTasks(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for stage, tasks := range in {
		out[stage] = append([]string{}, tasks...)
	}
	return out
}

func cloneParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
