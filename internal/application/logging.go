package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/coaching-scheduler/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// serviceLogger tags the request-scoped logger, or base outside a request,
// with the service and operation.
func serviceLogger(ctx context.Context, base *slog.Logger, service, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = defaultLogger(base)
	}
	tags := make([]any, 0, 4+len(attrs))
	tags = append(tags, "service", service)
	if operation != "" {
		tags = append(tags, "operation", operation)
	}
	return logger.With(append(tags, attrs...)...)
}

// ErrorKind maps sentinel and typed errors to a stable logging label.
func ErrorKind(err error) string {
	var (
		vErr *ValidationError
		cErr *ConflictError
		pErr *ExternalProviderError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &vErr):
		return "validation"
	case errors.As(err, &cErr):
		return "conflict"
	case errors.As(err, &pErr):
		return "external_provider"
	default:
		return "unexpected"
	}
}

// errorAttrs describes err for a log line, including the conflict reason or
// the failing provider when there is one.
func errorAttrs(err error) []any {
	attrs := []any{"error_kind", ErrorKind(err), "error", err}
	var cErr *ConflictError
	if errors.As(err, &cErr) {
		attrs = append(attrs, "conflict_reason", cErr.Reason)
	}
	var pErr *ExternalProviderError
	if errors.As(err, &pErr) {
		attrs = append(attrs, "provider", pErr.Provider, "retryable", pErr.Retryable)
	}
	return attrs
}

// logOutcome writes the standard line for a finished operation: Info on
// success, Warn on a rejected request and Error otherwise.
func logOutcome(ctx context.Context, logger *slog.Logger, err error, message string, attrs ...any) {
	switch ErrorKind(err) {
	case "":
		logger.InfoContext(ctx, message, attrs...)
	case "unexpected":
		logger.ErrorContext(ctx, message+" failed", append(attrs, errorAttrs(err)...)...)
	default:
		logger.WarnContext(ctx, message+" rejected", append(attrs, errorAttrs(err)...)...)
	}
}
