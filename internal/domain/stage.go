package domain

import (
	"fmt"
	"strings"
)

// Stage is one of the six fixed simulation phases executed once per year.
// The set is closed; ordering is positional and total within a year.
type Stage int

const (
	StageInitialization Stage = iota
	StageFoundation
	StageEventGeneration
	StageStateAccumulation
	StageValidation
	StageReporting
)

var stageNames = [...]string{
	StageInitialization:    "initialization",
	StageFoundation:        "foundation",
	StageEventGeneration:   "event_generation",
	StageStateAccumulation: "state_accumulation",
	StageValidation:        "validation",
	StageReporting:         "reporting",
}

// Stages returns the canonical execution order for one simulation year.
func Stages() []Stage {
	return []Stage{
		StageInitialization,
		StageFoundation,
		StageEventGeneration,
		StageStateAccumulation,
		StageValidation,
		StageReporting,
	}
}

func (s Stage) String() string {
	if s < StageInitialization || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	return s >= StageInitialization && s <= StageReporting
}

// Before reports whether s is ordered strictly before other within a year.
func (s Stage) Before(other Stage) bool {
	return s < other
}

// Next returns the stage following s and false once s is the final stage.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == StageReporting {
		return s, false
	}
	return s + 1, true
}

// ParseStage maps a stored stage name back to its enum value.
func ParseStage(value string) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for i, candidate := range stageNames {
		if candidate == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", value)
}
