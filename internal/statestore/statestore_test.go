package statestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

func TestFSStore_SaveLoadYearState(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}
	ctx := context.Background()

	state := domain.YearState{
		Year:      2026,
		Finalized: true,
		Records: []domain.EntityRecord{
			{EntityID: "emp-001", Attributes: map[string]string{"status": "active"}},
			{EntityID: "emp-002", Attributes: map[string]string{"status": "active", "salary": "60000"}},
		},
	}
	if err := store.SaveYearState(ctx, state); err != nil {
		t.Fatalf("SaveYearState() err=%v", err)
	}

	loaded, err := store.LoadYearState(ctx, 2026)
	if err != nil {
		t.Fatalf("LoadYearState() err=%v", err)
	}
	if loaded.Finalized {
		t.Fatalf("LoadYearState() returned finalized state; finalization must come from checkpoints")
	}
	if loaded.Year != 2026 || len(loaded.Records) != 2 {
		t.Fatalf("loaded year=%d records=%d, want 2026/2", loaded.Year, len(loaded.Records))
	}
	if got := loaded.Records[1].Attributes["salary"]; got != "60000" {
		t.Fatalf("emp-002 salary=%s, want 60000", got)
	}
}

func TestFSStore_LoadYearStateNotFound(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}
	if _, err := store.LoadYearState(context.Background(), 2030); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadYearState() err=%v, want ErrNotFound", err)
	}
	if _, err := store.LoadYearOutputs(context.Background(), 2030); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadYearOutputs() err=%v, want ErrNotFound", err)
	}
}

func TestFSStore_SaveLeavesNoTempFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}
	state := domain.YearState{Year: 2026}
	if err := store.SaveYearState(context.Background(), state); err != nil {
		t.Fatalf("SaveYearState() err=%v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "state"))
	if err != nil {
		t.Fatalf("ReadDir() err=%v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Fatalf("temp file %s left behind after save", entry.Name())
		}
	}
}

func TestFSStore_LoadYearOutputs(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}

	dir := filepath.Join(root, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() err=%v", err)
	}
	raw := `{
		"year": 2026,
		"overlays": {"emp-001": {"salary": "51000"}},
		"new_hires": [{"entity_id": "emp-010", "attributes": {"status": "active"}}],
		"departed": ["emp-002"]
	}`
	if err := os.WriteFile(filepath.Join(dir, "year_2026.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}

	outputs, err := store.LoadYearOutputs(context.Background(), 2026)
	if err != nil {
		t.Fatalf("LoadYearOutputs() err=%v", err)
	}
	if outputs.Year != 2026 {
		t.Fatalf("year=%d, want 2026", outputs.Year)
	}
	if outputs.Overlays["emp-001"]["salary"] != "51000" {
		t.Fatalf("overlay missing: %v", outputs.Overlays)
	}
	if len(outputs.NewHires) != 1 || outputs.NewHires[0].EntityID != "emp-010" {
		t.Fatalf("new hires=%v, want emp-010", outputs.NewHires)
	}
	if _, gone := outputs.Departed["emp-002"]; !gone {
		t.Fatalf("departed=%v, want emp-002", outputs.Departed)
	}
}

func TestFSStore_RejectsCorruptState(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}
	dir := filepath.Join(root, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() err=%v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "year_2026.json"), []byte("{garbled"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if _, err := store.LoadYearState(context.Background(), 2026); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadYearState() err=%v, want decode failure distinct from not-found", err)
	}
}
