package domain

import (
	"fmt"
	"strings"
)

// RuleNotFoundError is returned when a rule id (or system/metric pair) cannot be resolved.
type RuleNotFoundError struct {
	RuleID string
	System string
	Metric string
}

func (e *RuleNotFoundError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("rule %q not found", e.RuleID)
	}
	return fmt.Sprintf("no rule for system %q metric %q", e.System, e.Metric)
}

// TableNotFoundError indicates a table name (or a system/entity binding) missing from metadata.
type TableNotFoundError struct {
	Table  string
	System string
	Entity string
}

func (e *TableNotFoundError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("table %q not found", e.Table)
	}
	return fmt.Sprintf("no table for system %q entity %q", e.System, e.Entity)
}

// ColumnNotFoundError indicates a column absent from a materialized relation.
type ColumnNotFoundError struct {
	Column    string
	Context   string
	Available []string
}

func (e *ColumnNotFoundError) Error() string {
	msg := fmt.Sprintf("column %q not found", e.Column)
	if e.Context != "" {
		msg += " in " + e.Context
	}
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (available: %s)", strings.Join(e.Available, ", "))
	}
	return msg
}

// JoinExplosionError is raised when a join fans out beyond the configured multiple of its left input.
type JoinExplosionError struct {
	Table      string
	LeftRows   int
	ResultRows int
	Factor     int
}

func (e *JoinExplosionError) Error() string {
	return fmt.Sprintf("join with %q produced %d rows from %d left rows (limit %dx)", e.Table, e.ResultRows, e.LeftRows, e.Factor)
}

// GrainResolutionError reports that no common grain could be found for two systems.
type GrainResolutionError struct {
	GrainA    []string
	GrainB    []string
	Attempted []string
	Reason    string
}

func (e *GrainResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve common grain between [%s] and [%s]", strings.Join(e.GrainA, ", "), strings.Join(e.GrainB, ", "))
	if len(e.Attempted) > 0 {
		msg += fmt.Sprintf(" (attempted [%s])", strings.Join(e.Attempted, ", "))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// MissingSourceError indicates a declared table whose backing file does not exist.
type MissingSourceError struct {
	Table string
	Path  string
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("source file for table %q not found at %s", e.Table, e.Path)
}

// ExpressionError reports a formula, filter or derive expression that failed to parse or evaluate.
type ExpressionError struct {
	Expression string
	Message    string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Expression, e.Message)
}

// ValidationError indicates invalid metadata or request input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ExecutionError wraps underlying I/O, parse or operator failures.
type ExecutionError struct {
	Step      int
	Operation string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("step %d (%s): %v", e.Step, e.Operation, e.Err)
	}
	if e.Operation != "" {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrExpression creates an ExpressionError with a formatted message.
func ErrExpression(expression, format string, args ...interface{}) *ExpressionError {
	return &ExpressionError{Expression: expression, Message: fmt.Sprintf(format, args...)}
}

// ErrColumnNotFound creates a ColumnNotFoundError.
func ErrColumnNotFound(column, context string, available []string) *ColumnNotFoundError {
	return &ColumnNotFoundError{Column: column, Context: context, Available: append([]string(nil), available...)}
}
