package simerr

import (
	"errors"
	"testing"
)

func TestDefaultCatalog_Match(t *testing.T) {
	catalog := DefaultCatalog()
	hints := catalog.Hints(errors.New("exec dbt: database is locked"))
	if len(hints) == 0 {
		t.Fatalf("Hints() empty for lock failure")
	}
}

func TestCatalog_NoMatchPassesThrough(t *testing.T) {
	catalog := DefaultCatalog()
	err := New(CategoryDependency, SeverityRecoverable, "something novel happened")
	if annotated := catalog.Annotate(err); len(annotated.Hints) != 0 {
		t.Fatalf("Annotate() added hints for unmatched error: %v", annotated.Hints)
	}
}

func TestParseCatalog(t *testing.T) {
	doc := []byte(`
schema: plansim.hints.v1
signatures:
  - id: seed-mismatch
    pattern: 'seed .* differs'
    hints:
      - rerun with the original random seed
`)
	catalog, err := ParseCatalog(doc)
	if err != nil {
		t.Fatalf("ParseCatalog() err=%v", err)
	}
	hints := catalog.Hints(errors.New("seed 42 differs from checkpoint"))
	if len(hints) != 1 || hints[0] != "rerun with the original random seed" {
		t.Fatalf("Hints()=%v", hints)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"wrong schema", "schema: other.v1\nsignatures: []\n"},
		{"missing id", "schema: plansim.hints.v1\nsignatures:\n  - pattern: x\n    hints: [a]\n"},
		{"bad pattern", "schema: plansim.hints.v1\nsignatures:\n  - id: x\n    pattern: '('\n    hints: [a]\n"},
		{"no hints", "schema: plansim.hints.v1\nsignatures:\n  - id: x\n    pattern: y\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tc.doc)); err == nil {
				t.Fatalf("ParseCatalog() expected error")
			}
		})
	}
}

func TestCatalog_Merge(t *testing.T) {
	extra, err := ParseCatalog([]byte("schema: plansim.hints.v1\nsignatures:\n  - id: custom\n    pattern: 'custom failure'\n    hints: [call the plan administrator]\n"))
	if err != nil {
		t.Fatalf("ParseCatalog() err=%v", err)
	}
	merged := DefaultCatalog().Merge(extra)
	if hints := merged.Hints(errors.New("custom failure in stage")); len(hints) != 1 {
		t.Fatalf("merged Hints()=%v, want 1", hints)
	}
	if hints := merged.Hints(errors.New("database is locked")); len(hints) == 0 {
		t.Fatalf("merged catalog lost default signatures")
	}
}
