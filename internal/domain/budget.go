package domain

import "errors"

// ResourceBudget bounds the concurrency the execution engine may request
// from the external compute engine. Value type: callers receive a copy and
// never mutate a shared instance.
type ResourceBudget struct {
	Threads   int
	BatchSize int
}

func (b ResourceBudget) Validate() error {
	if b.Threads < 1 {
		return errors.New("threads must be >= 1")
	}
	if b.BatchSize < 1 {
		return errors.New("batch size must be >= 1")
	}
	return nil
}

// Clamp lowers the budget to the requested thread count. A request can only
// lower the sampled budget, never raise it past what the resource manager
// granted.
func (b ResourceBudget) Clamp(requestedThreads int) ResourceBudget {
	if requestedThreads > 0 && requestedThreads < b.Threads {
		b.Threads = requestedThreads
	}
	return b
}

// Halved returns the budget at half concurrency, floored at one thread.
// Used for the single reduced-concurrency retry after a task timeout.
func (b ResourceBudget) Halved() ResourceBudget {
	b.Threads = b.Threads / 2
	if b.Threads < 1 {
		b.Threads = 1
	}
	return b
}
