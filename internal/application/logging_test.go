package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/coaching-scheduler/internal/logging"
)

func TestDefaultLogger(t *testing.T) {
	t.Parallel()

	custom := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := defaultLogger(custom); got != custom {
		t.Fatalf("expected custom logger to be returned")
	}

	if got := defaultLogger(nil); got != slog.Default() {
		t.Fatalf("expected default logger when none provided")
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := map[string]error{
		"":                  nil,
		"unauthorized":      ErrUnauthorized,
		"not_found":         ErrNotFound,
		"validation":        validationFailure("reason", "required"),
		"conflict":          conflict(ReasonSyncInProgress, "busy"),
		"external_provider": &ExternalProviderError{Provider: "google", Operation: "exchange", Err: errors.New("bad code")},
		"unexpected":        errors.New("boom"),
	}
	for want, err := range tests {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestServiceLogger_PrefersContextLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	requestLogger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-1")
	ctx := logging.ContextWithLogger(context.Background(), requestLogger)

	base := slog.New(slog.NewJSONHandler(io.Discard, nil))
	logger := serviceLogger(ctx, base, "SessionService", "Cancel", "session_id", "s1")
	logOutcome(ctx, logger, conflict(ReasonInvalidState, "terminal"), "session cancel")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"request_id":      "req-1",
		"service":         "SessionService",
		"operation":       "Cancel",
		"session_id":      "s1",
		"error_kind":      "conflict",
		"conflict_reason": ReasonInvalidState,
		"level":           "WARN",
		"msg":             "session cancel rejected",
	} {
		if entry[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestLogOutcome_ProviderFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	err := &ExternalProviderError{Provider: "microsoft", Operation: "refresh", Retryable: true, Err: errors.New("503")}
	logOutcome(context.Background(), logger, err, "token refresh")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "token refresh rejected" || entry["provider"] != "microsoft" || entry["retryable"] != true {
		t.Fatalf("unexpected log entry %v", entry)
	}
}
