// Package compute defines the contract with the external tabular-compute
// engine. The orchestrator treats that engine as an opaque black box behind
// the Invoker interface: a command-style request names a task selector,
// optional shard coordinates, a concurrency hint, and named parameters; the
// response is a success flag, status code, captured output, and elapsed time.
package compute

import (
	"context"
	"errors"
	"time"
)

// Invoker submits one task invocation to the external compute engine.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Invocation is one compute-engine request.
type Invocation struct {
	Selector   string
	ShardIndex int
	ShardCount int
	Threads    int
	Timeout    time.Duration
	Params     map[string]string
}

func (i Invocation) Validate() error {
	if i.Selector == "" {
		return errors.New("selector is required")
	}
	if i.ShardCount < 0 {
		return errors.New("shard count must be >= 0")
	}
	if i.ShardCount > 0 && (i.ShardIndex < 0 || i.ShardIndex >= i.ShardCount) {
		return errors.New("shard index out of range")
	}
	if i.Threads < 1 {
		return errors.New("threads must be >= 1")
	}
	if i.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Sharded reports whether the invocation addresses one shard of a
// partitioned stage.
func (i Invocation) Sharded() bool {
	return i.ShardCount > 0
}

// Result is the compute engine's structured response.
type Result struct {
	Success  bool
	ExitCode int
	Output   string
	Elapsed  time.Duration
}

// Well-known parameter names every invocation carries.
const (
	ParamSimulationYear = "simulation_year"
	ParamScenarioID     = "scenario_id"
	ParamPlanDesignID   = "plan_design_id"
	ParamRandomSeed     = "random_seed"
	ParamShardIndex     = "shard_index"
	ParamShardCount     = "shard_count"
)

// ErrTimeout distinguishes a deadline expiry from an engine failure so the
// execution engine can apply its reduced-concurrency retry.
var ErrTimeout = errors.New("compute invocation timed out")
