// Package apperr defines the typed errors returned by the matching engine.
// Callers branch on kind with errors.As; none of the domain errors are retryable.
package apperr

import (
	"errors"
	"fmt"
)

// ErrTransient marks store contention (lock wait, deadlock, serialization
// failure) that may succeed if the whole operation is retried
var ErrTransient = errors.New("transient store contention")

// ValidationError is malformed input, rejected before any state is touched
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError is a transition that is not permitted from the entity's current state
type InvalidStateError struct {
	Entity  string
	ID      string
	Current string
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: current state is %s", e.Action, e.Entity, e.ID, e.Current)
}

// InvalidState builds an InvalidStateError
func InvalidState(entity, id, current, action string) error {
	return &InvalidStateError{Entity: entity, ID: id, Current: current, Action: action}
}

// ConflictError means a concurrent operation already won. User facing as "no longer available".
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is no longer available: %s", e.Entity, e.ID, e.Reason)
}

// Conflict builds a ConflictError
func Conflict(entity, id, format string, args ...any) error {
	return &ConflictError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// CapacityExceededError is returned when a slot has no free places
type CapacityExceededError struct {
	SlotID   string
	Capacity int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("slot %s is full (capacity %d)", e.SlotID, e.Capacity)
}

// NotFoundError is returned when a referenced entity does not exist
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// DependencyError wraps a failure of an external collaborator (geocoder, notifier)
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// ReconciliationError reports a secondary step of a multi-step operation that
// failed after the primary transition was committed. The primary result stands.
type ReconciliationError struct {
	Step string
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("primary transition committed but %s failed: %v", e.Step, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is store contention worth retrying
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsDomain reports whether err is one of the typed domain outcomes
func IsDomain(err error) bool {
	var (
		validation *ValidationError
		state      *InvalidStateError
		conflict   *ConflictError
		capacity   *CapacityExceededError
		notFound   *NotFoundError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &state) ||
		errors.As(err, &conflict) ||
		errors.As(err, &capacity) ||
		errors.As(err, &notFound)
}
