package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/coaching-scheduler/internal/application"
)

const maxRequestBody = 1 << 20

// Error codes returned in the error_code field.
const (
	codeInvalidRequest   = "invalid_request"
	codeValidationFailed = "validation_failed"
	codeUnauthenticated  = "unauthenticated"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeExternalProvider = "external_provider_error"
	codeInternal         = "internal_error"
)

var errBadRequestBody = errors.New("request body is not valid JSON")

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: defaultLogger(logger)}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// writeError answers with a plain error body for failures detected by the
// HTTP layer itself.
func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).WarnContext(ctx, "request rejected", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{ErrorCode: codeForStatus(status), Message: message})
}

// handleServiceError maps the application error taxonomy onto status codes.
func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var (
		vErr *application.ValidationError
		cErr *application.ConflictError
		pErr *application.ExternalProviderError
	)
	switch {
	case errors.Is(err, application.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{
			ErrorCode: codeForbidden,
			Message:   "you are not allowed to perform this operation",
		})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{
			ErrorCode: codeNotFound,
			Message:   "the requested resource does not exist",
		})
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{
			ErrorCode: codeValidationFailed,
			Message:   "the request contains invalid fields",
			Errors:    vErr.FieldErrors,
		})
	case errors.As(err, &cErr):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: cErr.Reason,
			Message:   cErr.Message,
			Intervals: toIntervalDTOs(cErr.Intervals),
		})
	case errors.As(err, &pErr):
		r.loggerFor(ctx).WarnContext(ctx, "provider call failed", "provider", pErr.Provider, "operation", pErr.Operation, "error", pErr.Err)
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{
			ErrorCode: codeExternalProvider,
			Message:   fmt.Sprintf("calendar provider %s could not complete %s", pErr.Provider, pErr.Operation),
		})
	default:
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{
			ErrorCode: codeInternal,
			Message:   "an internal error occurred",
		})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeInvalidRequest
	case http.StatusUnauthorized:
		return codeUnauthenticated
	case http.StatusForbidden:
		return codeForbidden
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusBadGateway:
		return codeExternalProvider
	default:
		return codeInternal
	}
}

type errorResponse struct {
	ErrorCode string            `json:"error_code"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
	Intervals []intervalDTO     `json:"intervals,omitempty"`
}

type intervalDTO struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	UserID string `json:"userId,omitempty"`
	Source string `json:"source,omitempty"`
	RefID  string `json:"refId,omitempty"`
}

func toIntervalDTOs(intervals []application.Interval) []intervalDTO {
	if len(intervals) == 0 {
		return nil
	}
	out := make([]intervalDTO, 0, len(intervals))
	for _, interval := range intervals {
		out = append(out, intervalDTO{
			Start:  formatTime(interval.Start),
			End:    formatTime(interval.End),
			UserID: interval.UserID,
			Source: interval.Source,
			RefID:  interval.RefID,
		})
	}
	return out
}

// decodeJSON reads a size-limited JSON body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errBadRequestBody
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime accepts RFC3339 with or without fractional seconds. A bare date
// is read as midnight in loc.
func parseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if ts, err := time.ParseInLocation(time.DateOnly, value, loc); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", value)
}
