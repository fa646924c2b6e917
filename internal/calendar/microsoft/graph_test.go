package microsoft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/example/coaching-scheduler/internal/calendar"
)

func newServerAdapter(t *testing.T, mux *http.ServeMux, creds calendar.Credentials) (calendar.Adapter, *httptest.Server) {
	t.Helper()
	return openServerAdapter(t, mux, creds, "cal-1")
}

func openServerAdapter(t *testing.T, mux *http.ServeMux, creds calendar.Credentials, calendarID string) (calendar.Adapter, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: server.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	adapter, err := NewProvider(cfg, server.URL).Open(context.Background(), calendar.Connection{
		Provider:    calendar.ProviderMicrosoft,
		Credentials: creds,
		CalendarID:  calendarID,
	})
	require.NoError(t, err)
	return adapter, server
}

func TestAdapter_ListEventsFollowsPages(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/me/calendars/cal-1/calendarView", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{
					"id":          "m-2",
					"subject":     "Cancelled sync",
					"isCancelled": true,
					"start":       map[string]string{"dateTime": "2025-03-11T09:00:00.0000000", "timeZone": "UTC"},
					"end":         map[string]string{"dateTime": "2025-03-11T10:00:00.0000000", "timeZone": "UTC"},
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{
				"id":       "m-1",
				"subject":  "Coaching session",
				"body":     map[string]string{"contentType": "html", "content": "<p>" + calendar.SessionMarker("sess-1") + "</p>"},
				"location": map[string]string{"displayName": "Teams"},
				"start":    map[string]string{"dateTime": "2025-03-10T10:00:00.0000000", "timeZone": "UTC"},
				"end":      map[string]string{"dateTime": "2025-03-10T11:00:00.0000000", "timeZone": "UTC"},
			}},
			"@odata.nextLink": serverURL + "/me/calendars/cal-1/calendarView?page=2",
		})
	})

	adapter, server := newServerAdapter(t, mux, calendar.Credentials{AccessToken: "token"})
	serverURL = server.URL

	events, err := adapter.ListEvents(context.Background(), calendar.Window{
		Start: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "Teams", events[0].Location)
	assert.True(t, events[0].Start.Equal(time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, calendar.StatusCancelled, events[1].Status)
}

func TestAdapter_DefaultCalendar(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/me/calendarView":
			_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{}})
		case "/me/events":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "m-9",
				"subject": "Coaching session",
				"start":   map[string]string{"dateTime": "2025-03-10T10:00:00.0000000", "timeZone": "UTC"},
				"end":     map[string]string{"dateTime": "2025-03-10T11:00:00.0000000", "timeZone": "UTC"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	adapter, _ := openServerAdapter(t, mux, calendar.Credentials{AccessToken: "token"}, "")
	window := calendar.Window{
		Start: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC),
	}
	events, err := adapter.ListEvents(context.Background(), window)
	require.NoError(t, err)
	assert.Empty(t, events)

	created, err := adapter.CreateEvent(context.Background(), calendar.Event{
		Title: "Coaching session",
		Start: time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "m-9", created.ProviderEventID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GET /me/calendarView", "POST /me/events"}, paths)
}

func TestAdapter_CreateAndDelete(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/me/calendars/cal-1/events", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body graphEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "busy", body.ShowAs)
		body.ID = "m-new"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/me/events/missing", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/me/events/throttled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	adapter, _ := newServerAdapter(t, mux, calendar.Credentials{AccessToken: "token"})

	start := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
	created, err := adapter.CreateEvent(context.Background(), calendar.Event{
		Title:     "Coaching session",
		Start:     start,
		End:       start.Add(time.Hour),
		SessionID: "sess-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-new", created.ProviderEventID)
	assert.Equal(t, "sess-7", created.SessionID)

	assert.NoError(t, adapter.DeleteEvent(context.Background(), "missing"))

	err = adapter.DeleteEvent(context.Background(), "throttled")
	require.Error(t, err)
	assert.ErrorIs(t, err, calendar.ErrRateLimited)
	assert.True(t, calendar.IsRetryable(err))
}

func TestAdapter_RefreshToken(t *testing.T) {
	t.Parallel()

	t.Run("issues new access token", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
		})
		adapter, _ := newServerAdapter(t, mux, calendar.Credentials{AccessToken: "stale", RefreshToken: "refresh"})

		creds, err := adapter.RefreshToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", creds.AccessToken)
		assert.Equal(t, "refresh", creds.RefreshToken, "refresh token must be kept when not rotated")
		assert.False(t, creds.Expiry.IsZero())
	})

	t.Run("revoked grant is unauthorized", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		})
		adapter, _ := newServerAdapter(t, mux, calendar.Credentials{AccessToken: "stale", RefreshToken: "revoked"})

		_, err := adapter.RefreshToken(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, calendar.ErrUnauthorized)
		assert.False(t, calendar.IsRetryable(err))
	})
}
