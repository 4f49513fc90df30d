// Package resource observes host CPU and memory pressure and derives the
// concurrency budget the execution engine reads before each stage dispatch.
// The manager only adjusts the budget; it never aborts work itself.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// Config bounds the adaptive budget.
type Config struct {
	ThreadsMax    int
	ThreadsFloor  int
	BatchSizeMax  int
	BatchSizeMin  int
	CPUHighWater  float64
	MemHighWater  float64
	RecoverySteps int
}

func (c Config) Validate() error {
	if c.ThreadsMax < 1 {
		return errors.New("threads max must be >= 1")
	}
	if c.ThreadsFloor < 1 || c.ThreadsFloor > c.ThreadsMax {
		return errors.New("threads floor must be in [1, threads max]")
	}
	if c.BatchSizeMax < 1 {
		return errors.New("batch size max must be >= 1")
	}
	if c.BatchSizeMin < 1 || c.BatchSizeMin > c.BatchSizeMax {
		return errors.New("batch size min must be in [1, batch size max]")
	}
	if c.CPUHighWater <= 0 || c.CPUHighWater > 100 {
		return errors.New("cpu high water must be in (0, 100]")
	}
	if c.MemHighWater <= 0 || c.MemHighWater > 100 {
		return errors.New("memory high water must be in (0, 100]")
	}
	if c.RecoverySteps < 1 {
		return errors.New("recovery steps must be >= 1")
	}
	return nil
}

// Probe returns current CPU and memory utilization in percent. Extracted so
// tests inject synthetic readings.
type Probe func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// GopsutilProbe reads host utilization via gopsutil.
func GopsutilProbe(ctx context.Context) (float64, float64, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}

// Manager computes the budget handed to the execution engine. Readers get a
// copy of the current budget; only SampleBudget mutates it, under the lock.
type Manager struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger

	mu      sync.Mutex
	current domain.ResourceBudget
}

func NewManager(cfg Config, probe Probe, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		probe = GopsutilProbe
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		probe:   probe,
		logger:  logger,
		current: domain.ResourceBudget{Threads: cfg.ThreadsMax, BatchSize: cfg.BatchSizeMax},
	}, nil
}

// SampleBudget probes utilization and returns the adjusted budget. Above a
// high-water mark the budget shrinks toward the floor; once pressure
// subsides it recovers gradually, one step per sample, rather than snapping
// back to the maximum. A failed probe returns the last known budget: stale
// bounds beat no bounds.
func (m *Manager) SampleBudget(ctx context.Context) domain.ResourceBudget {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpuPercent, memPercent, err := m.probe(ctx)
	if err != nil {
		m.logger.Warn("resource probe failed; keeping current budget",
			"error", err, "threads", m.current.Threads)
		return m.current
	}

	pressured := cpuPercent >= m.cfg.CPUHighWater || memPercent >= m.cfg.MemHighWater
	if pressured {
		m.current.Threads = lowerToward(m.current.Threads, m.cfg.ThreadsFloor)
		m.current.BatchSize = lowerToward(m.current.BatchSize, m.cfg.BatchSizeMin)
		m.logger.Info("resource pressure; throttling budget",
			"cpu_percent", cpuPercent, "mem_percent", memPercent,
			"threads", m.current.Threads, "batch_size", m.current.BatchSize)
	} else {
		m.current.Threads = raiseToward(m.current.Threads, m.cfg.ThreadsMax, m.cfg.RecoverySteps)
		m.current.BatchSize = raiseToward(m.current.BatchSize, m.cfg.BatchSizeMax, m.cfg.RecoverySteps)
	}
	return m.current
}

// Current returns the last computed budget without probing.
func (m *Manager) Current() domain.ResourceBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// lowerToward halves the value per pressured sample, stopping at the floor.
func lowerToward(value, floor int) int {
	value = value / 2
	if value < floor {
		return floor
	}
	return value
}

// raiseToward restores a fraction of the remaining headroom per calm sample.
func raiseToward(value, max, steps int) int {
	if value >= max {
		return max
	}
	step := (max - value + steps - 1) / steps
	value += step
	if value > max {
		return max
	}
	return value
}
