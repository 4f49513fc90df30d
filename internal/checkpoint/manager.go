package checkpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// Cursor is the resume position computed from the latest valid checkpoint.
type Cursor struct {
	// Latest is the newest checkpoint found; zero value when HasProgress is
	// false.
	Latest      domain.Checkpoint
	HasProgress bool
}

// Completed reports whether (year, stage) already holds a checkpoint and may
// be skipped on resume.
func (c Cursor) Completed(year int, stage domain.Stage) bool {
	return c.HasProgress && c.Latest.Covers(year, stage)
}

// Manager wraps a Store with resume validation and prune guarding.
type Manager struct {
	store Store

	mu       sync.Mutex
	resuming map[string]struct{}
}

func NewManager(store Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	return &Manager{store: store, resuming: make(map[string]struct{})}, nil
}

// Save persists a completed stage marker.
func (m *Manager) Save(ctx context.Context, cp domain.Checkpoint) error {
	return m.store.Save(ctx, cp)
}

// Resume computes the resume cursor for a run, validating the stored
// configuration hash against the current one. A mismatch is configuration
// drift: a distinct critical error raised before any stage executes.
// The run is marked as resuming until EndResume, which blocks Prune.
func (m *Manager) Resume(ctx context.Context, runID, configHash string) (Cursor, error) {
	latest, err := m.store.LoadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Cursor{}, nil
		}
		return Cursor{}, err
	}
	if latest.ConfigHash != configHash {
		return Cursor{}, driftError(latest, configHash)
	}
	list, err := m.store.List(ctx, runID)
	if err != nil {
		return Cursor{}, err
	}
	if err := verifyPrefix(runID, list); err != nil {
		return Cursor{}, err
	}

	m.mu.Lock()
	m.resuming[runID] = struct{}{}
	m.mu.Unlock()

	return Cursor{Latest: latest, HasProgress: true}, nil
}

// verifyPrefix checks that a run's checkpoints form an unbroken prefix of the
// year/stage order. A hole means a marker was removed behind the run's back;
// resuming over it would silently skip work that never completed.
func verifyPrefix(runID string, list []domain.Checkpoint) error {
	if len(list) == 0 {
		return nil
	}
	year, stage := list[0].Year, domain.StageInitialization
	for _, cp := range list {
		if cp.Year != year || cp.Stage != stage {
			return gapError(runID, year, stage)
		}
		next, ok := stage.Next()
		if ok {
			stage = next
		} else {
			year++
			stage = domain.StageInitialization
		}
	}
	return nil
}

// EndResume releases the resume guard for a run.
func (m *Manager) EndResume(runID string) {
	m.mu.Lock()
	delete(m.resuming, runID)
	m.mu.Unlock()
}

// List returns all checkpoints for a run in execution order.
func (m *Manager) List(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	return m.store.List(ctx, runID)
}

// Prune removes a run's checkpoints. Refused while a resume of the same run
// is in progress: pruning would pull the cursor out from under it.
func (m *Manager) Prune(ctx context.Context, runID string) error {
	m.mu.Lock()
	_, busy := m.resuming[runID]
	m.mu.Unlock()
	if busy {
		return errors.New("run is resuming; checkpoints are still referenced")
	}
	return m.store.Prune(ctx, runID)
}
