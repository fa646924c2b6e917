package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coaching-scheduler/internal/calendar"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) calendar.Adapter {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider := NewProvider(NewOAuthConfig("client", "secret", "http://localhost/callback"), WithEndpoint(server.URL+"/"))
	adapter, err := provider.Open(context.Background(), calendar.Connection{
		Provider:    calendar.ProviderGoogle,
		Credentials: calendar.Credentials{AccessToken: "token", Expiry: time.Now().Add(time.Hour)},
		CalendarID:  "coach@example.com",
	})
	require.NoError(t, err)
	return adapter
}

func TestAdapter_ListEvents(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/events"), "unexpected path %s", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"timeZone": "UTC",
			"items": []map[string]any{
				{
					"id":      "g-1",
					"summary": "Dentist",
					"status":  "confirmed",
					"start":   map[string]string{"dateTime": "2025-03-10T14:00:00Z"},
					"end":     map[string]string{"dateTime": "2025-03-10T15:00:00Z"},
				},
				{
					"id":      "g-2",
					"summary": "Coaching",
					"status":  "confirmed",
					"start":   map[string]string{"dateTime": "2025-03-11T10:00:00Z"},
					"end":     map[string]string{"dateTime": "2025-03-11T11:00:00Z"},
					"extendedProperties": map[string]any{
						"private": map[string]string{sessionProperty: "sess-1"},
					},
				},
				{
					"id":      "g-3",
					"summary": "Holiday",
					"status":  "confirmed",
					"start":   map[string]string{"date": "2025-03-12"},
					"end":     map[string]string{"date": "2025-03-13"},
				},
				{
					"id":     "g-4",
					"status": "cancelled",
				},
			},
		})
	})

	window := calendar.Window{
		Start: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC),
	}
	events, err := adapter.ListEvents(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, "Dentist", events[0].Title)
	assert.True(t, events[0].Start.Equal(time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC)))
	assert.Empty(t, events[0].SessionID)

	assert.Equal(t, "sess-1", events[1].SessionID)

	assert.True(t, events[2].AllDay)
	assert.Equal(t, 24*time.Hour, events[2].End.Sub(events[2].Start))

	assert.Equal(t, calendar.StatusCancelled, events[3].Status)
}

func TestAdapter_CreateEventCarriesSessionLink(t *testing.T) {
	t.Parallel()

	var received map[string]any
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		received["id"] = "created-1"
		received["status"] = "confirmed"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(received)
	})

	start := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
	created, err := adapter.CreateEvent(context.Background(), calendar.Event{
		Title:     "Coaching session",
		Start:     start,
		End:       start.Add(time.Hour),
		Timezone:  "UTC",
		SessionID: "sess-9",
	})
	require.NoError(t, err)

	assert.Equal(t, "created-1", created.ProviderEventID)
	assert.Equal(t, "sess-9", created.SessionID)
	assert.Contains(t, received["description"], calendar.SessionMarker("sess-9"))
}

func TestAdapter_ErrorMapping(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"invalid credentials"}}`))
	})

	_, err := adapter.ListEvents(context.Background(), calendar.Window{Start: time.Now(), End: time.Now().Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, calendar.ErrUnauthorized), "expected unauthorized, got %v", err)
	assert.False(t, calendar.IsRetryable(err))
}

func TestAdapter_DeleteMissingEventSucceeds(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":410,"message":"deleted"}}`))
	})

	assert.NoError(t, adapter.DeleteEvent(context.Background(), "gone-1"))
}

func TestProvider_AuthCodeURL(t *testing.T) {
	t.Parallel()

	provider := NewProvider(NewOAuthConfig("client-id", "secret", "http://localhost/callback"))
	url, err := provider.AuthCodeURL("state-123")
	require.NoError(t, err)
	assert.Contains(t, url, "state=state-123")
	assert.Contains(t, url, "access_type=offline")
	assert.Contains(t, url, "client_id=client-id")
}
