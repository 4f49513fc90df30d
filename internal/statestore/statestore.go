// Package statestore persists per-year population state and reads the year
// outputs the external compute engine materializes into a run's output
// namespace. Both live under the scenario-scoped output directory, so
// concurrent scenarios never share files.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// ErrNotFound is returned when no state or outputs exist for the year.
var ErrNotFound = errors.New("year record not found")

// FSStore keeps year states and year outputs as JSON files under one run's
// output directory. State writes use temp-then-rename.
type FSStore struct {
	root string
}

type yearStateRecord struct {
	Year    int                 `json:"year"`
	Records []entityRecordJSON  `json:"records"`
}

type entityRecordJSON struct {
	EntityID   string            `json:"entity_id"`
	Attributes map[string]string `json:"attributes"`
}

type yearOutputsRecord struct {
	Year     int                          `json:"year"`
	Overlays map[string]map[string]string `json:"overlays,omitempty"`
	NewHires []entityRecordJSON           `json:"new_hires,omitempty"`
	Departed []string                     `json:"departed,omitempty"`
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("output root is required")
	}
	return &FSStore{root: root}, nil
}

// SaveYearState persists a year's accumulated state. The Finalized flag is
// deliberately not stored: finalization is derived from checkpoints, never
// trusted from a data file.
func (s *FSStore) SaveYearState(ctx context.Context, state domain.YearState) error {
	if s == nil {
		return errors.New("state store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return err
	}

	dir := filepath.Join(s.root, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	clone := state.Clone()
	record := yearStateRecord{Year: clone.Year}
	for _, entity := range clone.Records {
		record.Records = append(record.Records, entityRecordJSON{
			EntityID:   entity.EntityID,
			Attributes: entity.Attributes,
		})
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode year state: %w", err)
	}

	final := filepath.Join(dir, stateName(state.Year))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write year state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("promote year state: %w", err)
	}
	return nil
}

// LoadYearState reads a previously saved year state. Finalized is false;
// the caller decides finalization from checkpoint coverage.
func (s *FSStore) LoadYearState(ctx context.Context, year int) (domain.YearState, error) {
	if s == nil {
		return domain.YearState{}, errors.New("state store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return domain.YearState{}, err
	}

	raw, err := os.ReadFile(filepath.Join(s.root, "state", stateName(year)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.YearState{}, ErrNotFound
		}
		return domain.YearState{}, fmt.Errorf("read year state: %w", err)
	}
	var record yearStateRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.YearState{}, fmt.Errorf("decode year state %d: %w", year, err)
	}

	state := domain.YearState{Year: record.Year}
	for _, entity := range record.Records {
		state.Records = append(state.Records, domain.EntityRecord{
			EntityID:   entity.EntityID,
			Attributes: entity.Attributes,
		})
	}
	if err := state.Validate(); err != nil {
		return domain.YearState{}, fmt.Errorf("year state %d: %w", year, err)
	}
	return state, nil
}

// LoadYearOutputs reads the outputs the compute engine wrote for a year.
func (s *FSStore) LoadYearOutputs(ctx context.Context, year int) (domain.YearOutputs, error) {
	if s == nil {
		return domain.YearOutputs{}, errors.New("state store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return domain.YearOutputs{}, err
	}

	raw, err := os.ReadFile(filepath.Join(s.root, "outputs", outputsName(year)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.YearOutputs{}, ErrNotFound
		}
		return domain.YearOutputs{}, fmt.Errorf("read year outputs: %w", err)
	}
	var record yearOutputsRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.YearOutputs{}, fmt.Errorf("decode year outputs %d: %w", year, err)
	}

	outputs := domain.YearOutputs{Year: record.Year, Overlays: record.Overlays}
	for _, entity := range record.NewHires {
		outputs.NewHires = append(outputs.NewHires, domain.EntityRecord{
			EntityID:   entity.EntityID,
			Attributes: entity.Attributes,
		})
	}
	if len(record.Departed) > 0 {
		outputs.Departed = make(map[string]struct{}, len(record.Departed))
		for _, id := range record.Departed {
			outputs.Departed[id] = struct{}{}
		}
	}
	return outputs, nil
}

func stateName(year int) string {
	return fmt.Sprintf("year_%04d.json", year)
}

func outputsName(year int) string {
	return fmt.Sprintf("year_%04d.json", year)
}
