package domain

import (
	"errors"
	"hash/fnv"
	"strings"
	"time"
)

// Task is one named unit of work delegated to the external compute engine.
// Selector is the task name understood by that engine; a negative ShardIndex
// means the task is not shard-scoped.
type Task struct {
	Selector   string
	ShardIndex int
	ShardCount int
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.Selector) == "" {
		return errors.New("task selector is required")
	}
	if t.ShardCount < 0 {
		return errors.New("shard count must be >= 0")
	}
	if t.ShardCount > 0 && (t.ShardIndex < 0 || t.ShardIndex >= t.ShardCount) {
		return errors.New("shard index out of range")
	}
	return nil
}

// Sharded reports whether the task addresses one shard of a partitioned stage.
func (t Task) Sharded() bool {
	return t.ShardCount > 0
}

// TaskStatus is the terminal status of one dispatched task.
type TaskStatus string

const (
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskResult records the outcome of one compute-engine invocation.
type TaskResult struct {
	Task     Task
	Status   TaskStatus
	ExitCode int
	Output   string
	Elapsed  time.Duration
	Attempt  int
}

// ShardFor assigns an entity to a shard. The assignment depends only on the
// entity id and the shard count, never on execution order.
func ShardFor(entityID string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(shardCount))
}
