package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized indicates revoked or expired credentials.
	ErrUnauthorized = errors.New("calendar: unauthorized")
	// ErrNotFound indicates the remote event or calendar no longer exists.
	ErrNotFound = errors.New("calendar: not found")
	// ErrRateLimited indicates the provider throttled the call.
	ErrRateLimited = errors.New("calendar: rate limited")
	// ErrTimeout indicates the call did not finish within its deadline.
	ErrTimeout = errors.New("calendar: timeout")
	// ErrUnsupported indicates the provider does not offer the operation.
	ErrUnsupported = errors.New("calendar: unsupported operation")
	// ErrUnknownProvider indicates no driver is registered for the provider.
	ErrUnknownProvider = errors.New("calendar: provider not configured")
)

// ProviderError describes a failed provider call.
type ProviderError struct {
	Provider   Provider
	Operation  string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("calendar: %s %s failed with status %d: %v", e.Provider, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("calendar: %s %s failed: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProviderError classifies an HTTP status into a ProviderError.
func NewProviderError(provider Provider, operation string, status int, err error) *ProviderError {
	kind := ClassifyStatus(status)
	if err == nil {
		err = kind
	} else if kind != nil && !errors.Is(err, kind) {
		err = fmt.Errorf("%w: %v", kind, err)
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
		Err:        err,
	}
}

// ClassifyStatus maps an HTTP status code to a sentinel error, or nil.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

// IsRetryable reports whether a failed call may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Retryable {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
}
