package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ValidationError describes an invalid configuration value.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string

	// Cause is an underlying error that errors.Is should also match.
	Cause error
}

// NewValidationError creates a ValidationError without a hint.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint sets a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// WithCause records the underlying error and returns the same error for chaining.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.Cause = cause
	return e
}

// Unwrap returns ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Is matches the recorded cause, so a validation error raised because of
// ErrQueueClaimed satisfies errors.Is(err, ErrQueueClaimed).
func (e *ValidationError) Is(target error) bool {
	return e.Cause != nil && errors.Is(e.Cause, target)
}

// OperationError wraps a failure of a named operation.
type OperationError struct {
	Module    string
	Operation string
	Cause     error
	Context   string
}

// NewOperationError creates an OperationError for module.operation.
func NewOperationError(module, operation string, cause error) *OperationError {
	return &OperationError{
		Module:    module,
		Operation: operation,
		Cause:     cause,
	}
}

// WithContext attaches extra context and returns the same error for chaining.
func (e *OperationError) WithContext(context string) *OperationError {
	e.Context = context
	return e
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s.%s failed: %v", e.Module, e.Operation, e.Cause)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// SecurityError is returned when a stage is asked to run a callable that the
// host's trust policy rejects.
type SecurityError struct {
	Stage    string
	Callable string
	Reason   string
}

func (e *SecurityError) Error() string {
	msg := fmt.Sprintf("stage %s: callable %q is not trusted", e.Stage, e.Callable)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns ErrSecurity.
func (e *SecurityError) Unwrap() error {
	return ErrSecurity
}

// TimeoutError is returned when a bounded wait runs out.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timed out after %v", e.Operation, e.Timeout)
	}
	return e.Operation + ": timed out"
}

// Unwrap returns ErrTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ItemError records the failure of one item inside a stage replica.
type ItemError struct {
	Stage              string
	Item               interface{}
	Timestamp          time.Time
	ExecutionContextID string
	Replica            int
	Err                error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("stage %s replica %d: item %v: %v", e.Stage, e.Replica, e.Item, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// StartError is returned by a workflow when none of its stages could start.
type StartError struct {
	Workflow string
	Failures map[string]error
}

func (e *StartError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Failures[name].Error())
	}
	return fmt.Sprintf("workflow %s: no stage started (%s)", e.Workflow, strings.Join(parts, "; "))
}

// Unwrap exposes every stage failure to errors.Is and errors.As.
func (e *StartError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
