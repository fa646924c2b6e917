package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coaching-scheduler/internal/application"
	"github.com/example/coaching-scheduler/internal/calendar"
)

func TestHandleServiceError(t *testing.T) {
	t.Parallel()

	validation := &application.ValidationError{FieldErrors: map[string]string{"reason": "required"}}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: validation, status: http.StatusBadRequest, code: codeValidationFailed},
		{name: "conflict", err: &application.ConflictError{Reason: application.ReasonSyncInProgress}, status: http.StatusConflict, code: "sync_in_progress"},
		{name: "not found", err: fmt.Errorf("load: %w", application.ErrNotFound), status: http.StatusNotFound, code: codeNotFound},
		{name: "forbidden", err: application.ErrUnauthorized, status: http.StatusForbidden, code: codeForbidden},
		{name: "provider", err: &application.ExternalProviderError{Provider: "google", Err: &calendar.ProviderError{Provider: calendar.ProviderGoogle, StatusCode: 500, Err: errors.New("boom")}}, status: http.StatusBadGateway, code: codeExternalProvider},
		{name: "internal", err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			newResponder(nil).handleServiceError(context.Background(), rec, tt.err)

			require.Equal(t, tt.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.ErrorCode)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Message, "disk on fire")
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	got, err := parseTime("2025-03-04T10:00:00Z", tokyo)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)))

	got, err = parseTime("2025-03-04", tokyo)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 3, 4, 0, 0, 0, 0, tokyo)))

	_, err = parseTime("04/03/2025", tokyo)
	assert.Error(t, err)
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*60*60)
	assert.Equal(t, "2025-03-04T01:00:00Z", formatTime(time.Date(2025, 3, 4, 10, 0, 0, 0, tokyo)))
	assert.Nil(t, formatTimePtr(nil))
}
