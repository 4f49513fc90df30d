package domain

import "testing"

func TestStages_Order(t *testing.T) {
	order := Stages()
	if len(order) != 6 {
		t.Fatalf("Stages() len=%d, want 6", len(order))
	}
	for i := 1; i < len(order); i++ {
		if !order[i-1].Before(order[i]) {
			t.Fatalf("stage %s not before %s", order[i-1], order[i])
		}
	}
	if order[0] != StageInitialization || order[len(order)-1] != StageReporting {
		t.Fatalf("Stages() = %v, want initialization..reporting", order)
	}
}

func TestStage_Next(t *testing.T) {
	next, ok := StageFoundation.Next()
	if !ok || next != StageEventGeneration {
		t.Fatalf("Next()=%v,%v, want event_generation,true", next, ok)
	}
	if _, ok := StageReporting.Next(); ok {
		t.Fatalf("Next() after reporting should report false")
	}
}

func TestParseStage_RoundTrip(t *testing.T) {
	for _, stage := range Stages() {
		parsed, err := ParseStage(stage.String())
		if err != nil {
			t.Fatalf("ParseStage(%q) err=%v", stage, err)
		}
		if parsed != stage {
			t.Fatalf("ParseStage(%q)=%v, want %v", stage, parsed, stage)
		}
	}
}

func TestParseStage_Unknown(t *testing.T) {
	if _, err := ParseStage("warmup"); err == nil {
		t.Fatalf("ParseStage(warmup) expected error")
	}
}

func TestCheckpoint_Covers(t *testing.T) {
	cp := Checkpoint{Year: 2025, Stage: StageStateAccumulation}
	cases := []struct {
		year  int
		stage Stage
		want  bool
	}{
		{2025, StageFoundation, true},
		{2025, StageStateAccumulation, true},
		{2025, StageValidation, false},
		{2024, StageReporting, true},
		{2026, StageInitialization, false},
	}
	for _, tc := range cases {
		if got := cp.Covers(tc.year, tc.stage); got != tc.want {
			t.Fatalf("Covers(%d,%s)=%v, want %v", tc.year, tc.stage, got, tc.want)
		}
	}
}
