// Package simerr is the structured error framework shared by every
// orchestrator component. Errors carry a category, a severity, the execution
// context at the point of failure, and zero or more resolution hints; the
// scheduler keys retry/abort decisions off the severity and the batch runner
// keys fail-soft decisions off the same taxonomy.
package simerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plansim-labs/plansim-go/internal/domain"
)

// Category buckets a failure by the subsystem that produced it.
type Category string

const (
	CategoryDatabase      Category = "database"
	CategoryConfiguration Category = "configuration"
	CategoryDataQuality   Category = "data_quality"
	CategoryResource      Category = "resource"
	CategoryNetwork       Category = "network"
	CategoryDependency    Category = "dependency"
	CategoryState         Category = "state"
)

// Severity drives the scheduler's retry/abort decision.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityError       Severity = "error"
	SeverityRecoverable Severity = "recoverable"
	SeverityWarning     Severity = "warning"
)

// Error is the one error shape raised across the orchestrator core.
type Error struct {
	Message  Message
	Category Category
	Severity Severity
	Context  domain.ExecutionContext
	Hints    []string
	Err      error
}

// Message keeps the human summary separate from the wrapped cause.
type Message string

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Message))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext returns a copy of the error carrying ctx. The original is not
// mutated so one error value may be annotated at several propagation layers.
func (e *Error) WithContext(ctx domain.ExecutionContext) *Error {
	clone := *e
	clone.Context = ctx
	return &clone
}

// WithHints appends resolution hints, preserving any already attached.
func (e *Error) WithHints(hints ...string) *Error {
	clone := *e
	clone.Hints = append(append([]string{}, e.Hints...), hints...)
	return &clone
}

// New builds a categorized error with no underlying cause.
func New(category Category, severity Severity, message string) *Error {
	return &Error{Message: Message(message), Category: category, Severity: severity}
}

// Wrap builds a categorized error around an underlying cause.
func Wrap(category Category, severity Severity, message string, err error) *Error {
	return &Error{Message: Message(message), Category: category, Severity: severity, Err: err}
}

// From extracts the structured error from an error chain, if present.
func From(err error) (*Error, bool) {
	var structured *Error
	if errors.As(err, &structured) {
		return structured, true
	}
	return nil, false
}

// SeverityOf reports the severity of an error chain. Unclassified errors are
// treated as plain errors: not retryable, not critical.
func SeverityOf(err error) Severity {
	if structured, ok := From(err); ok {
		return structured.Severity
	}
	return SeverityError
}

// CategoryOf reports the category of an error chain, empty if unclassified.
func CategoryOf(err error) Category {
	if structured, ok := From(err); ok {
		return structured.Category
	}
	return ""
}

// Recoverable reports whether the scheduler may retry after err.
func Recoverable(err error) bool {
	return SeverityOf(err) == SeverityRecoverable
}

// Fatal reports whether err must abort the run immediately.
func Fatal(err error) bool {
	switch SeverityOf(err) {
	case SeverityCritical, SeverityError:
		return true
	default:
		return false
	}
}

// Promote raises a warning-severity error to critical, used when a run is
// configured to treat data-quality failures as fatal. Other severities pass
// through unchanged.
func Promote(err *Error) *Error {
	if err == nil || err.Severity != SeverityWarning {
		return err
	}
	clone := *err
	clone.Severity = SeverityCritical
	return &clone
}

// Transcript renders the full diagnostic block printed exactly once at the
// point of final abort.
func Transcript(err error) string {
	structured, ok := From(err)
	if !ok {
		return fmt.Sprintf("error: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "error: %s\n", structured.Error())
	fmt.Fprintf(&b, "category: %s\n", structured.Category)
	fmt.Fprintf(&b, "severity: %s\n", structured.Severity)
	ctx := structured.Context
	if ctx.CorrelationID != "" {
		fmt.Fprintf(&b, "correlation_id: %s\n", ctx.CorrelationID)
	}
	if ctx.ScenarioID != "" {
		fmt.Fprintf(&b, "scenario_id: %s\n", ctx.ScenarioID)
	}
	if ctx.PlanDesignID != "" {
		fmt.Fprintf(&b, "plan_design_id: %s\n", ctx.PlanDesignID)
	}
	if ctx.Year > 0 {
		fmt.Fprintf(&b, "simulation_year: %d\n", ctx.Year)
	}
	fmt.Fprintf(&b, "stage: %s\n", ctx.Stage)
	if ctx.Task != "" {
		fmt.Fprintf(&b, "task: %s\n", ctx.Task)
	}
	if ctx.Elapsed > 0 {
		fmt.Fprintf(&b, "elapsed: %s\n", ctx.Elapsed)
	}
	for _, hint := range structured.Hints {
		fmt.Fprintf(&b, "hint: %s\n", hint)
	}
	return strings.TrimRight(b.String(), "\n")
}
