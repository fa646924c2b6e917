package application

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/coaching-scheduler/internal/persistence"
)

var (
	// ErrUnauthorized is returned when the acting principal lacks permission for an operation.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrInvalidState is matched by conflicts caused by the current lifecycle state.
	ErrInvalidState = errors.New("application: invalid state")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	return "validation failed: " + strings.Join(sortStrings(fields), ", ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

func validationFailure(field, message string) *ValidationError {
	vErr := &ValidationError{}
	vErr.add(field, message)
	return vErr
}

// Conflict reasons.
const (
	ReasonSlotUnavailable        = "slot_unavailable"
	ReasonInvalidState           = "invalid_state"
	ReasonConcurrentModification = "concurrent_modification"
	ReasonSyncInProgress         = "sync_in_progress"
	ReasonAlreadyConnected       = "already_connected"
)

// ConflictError reports that an operation cannot proceed in the current state.
// Intervals lists the busy time that blocked a slot, when relevant.
type ConflictError struct {
	Reason    string
	Message   string
	Intervals []Interval
}

// Error implements the error interface.
func (c *ConflictError) Error() string {
	if c == nil {
		return ""
	}
	if c.Message == "" {
		return "conflict: " + c.Reason
	}
	return fmt.Sprintf("conflict: %s: %s", c.Reason, c.Message)
}

// Is lets invalid state conflicts match ErrInvalidState.
func (c *ConflictError) Is(target error) bool {
	return c != nil && target == ErrInvalidState && c.Reason == ReasonInvalidState
}

func conflict(reason, format string, args ...any) *ConflictError {
	return &ConflictError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ExternalProviderError reports a failed calendar provider call surfaced to a caller.
type ExternalProviderError struct {
	Provider  string
	Operation string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *ExternalProviderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("provider %s %s failed: %v", e.Provider, e.Operation, e.Err)
}

// Unwrap exposes the provider error.
func (e *ExternalProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// mapRepoError translates persistence sentinels into the service taxonomy.
func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrVersionConflict):
		return conflict(ReasonConcurrentModification, "the resource was modified concurrently; reload and retry")
	case errors.Is(err, persistence.ErrConstraintViolation):
		return validationFailure("record", "violates a storage constraint")
	default:
		return err
	}
}
