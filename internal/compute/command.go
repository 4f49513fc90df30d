package compute

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CommandInvoker runs the compute engine as a subprocess, one process per
// invocation. Argument order is deterministic (sorted parameter names) so
// identical invocations produce identical command lines.
type CommandInvoker struct {
	// Binary is the compute engine executable, e.g. "dbt".
	Binary string
	// BaseArgs precede the generated arguments, e.g. ["run"].
	BaseArgs []string
	// Dir is the working directory for the subprocess; empty means inherit.
	Dir string
}

func NewCommandInvoker(binary string, baseArgs ...string) (*CommandInvoker, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, errors.New("compute binary is required")
	}
	return &CommandInvoker{Binary: binary, BaseArgs: baseArgs}, nil
}

func (c *CommandInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if c == nil {
		return Result{}, errors.New("command invoker not initialized")
	}
	if err := inv.Validate(); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(ctx, c.Binary, c.buildArgs(inv)...)
	cmd.Dir = c.Dir
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(started)

	result := Result{
		Output:  strings.TrimSpace(string(output)),
		Elapsed: elapsed,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, inv.Timeout, inv.Selector)
	}
	// A cancelled parent context kills the subprocess; the exit artifact of
	// the kill must never read as the process's own failure.
	if errors.Is(ctx.Err(), context.Canceled) {
		return result, fmt.Errorf("invocation %s cancelled: %w", inv.Selector, context.Canceled)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("exec %s: %w", c.Binary, err)
	}
	result.Success = true
	return result, nil
}

func (c *CommandInvoker) buildArgs(inv Invocation) []string {
	args := append([]string{}, c.BaseArgs...)
	args = append(args, "--select", inv.Selector)
	args = append(args, "--threads", strconv.Itoa(inv.Threads))

	params := make(map[string]string, len(inv.Params)+2)
	for k, v := range inv.Params {
		params[k] = v
	}
	if inv.Sharded() {
		params[ParamShardIndex] = strconv.Itoa(inv.ShardIndex)
		params[ParamShardCount] = strconv.Itoa(inv.ShardCount)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--vars", fmt.Sprintf("%s=%s", k, params[k]))
	}
	return args
}
