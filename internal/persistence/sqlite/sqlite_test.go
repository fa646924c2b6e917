package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/secrets"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "scheduler.db")
	storage, err := Open(context.Background(), DefaultConfig(dsn), opts...)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() {
		_ = storage.Close()
	})

	if err := storage.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return storage
}

func seedSession(t *testing.T, storage *Storage, id string) persistence.Session {
	t.Helper()

	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	session := persistence.Session{
		ID:              id,
		CoachID:         "coach-1",
		ClientID:        "client-1",
		ScheduledStart:  start,
		ScheduledEnd:    start.Add(time.Hour),
		Timezone:        "UTC",
		DurationMinutes: 60,
		Status:          "scheduled",
		CreatedAt:       start.Add(-24 * time.Hour),
		UpdatedAt:       start.Add(-24 * time.Hour),
	}
	if err := storage.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	session.Version = 1
	return session
}

func TestMigrateIsIdempotent(t *testing.T) {
	storage := newTestStorage(t)
	if err := storage.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestSessionEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	session := seedSession(t, storage, "session-1")

	session.Status = "cancelled"
	err := storage.CommitSessionChange(ctx, persistence.SessionChange{
		Session:         session,
		ExpectedVersion: 1,
		Event: persistence.SessionEvent{
			ID:         "event-1",
			Kind:       persistence.EventKindCancelled,
			ActorID:    "coach-1",
			OccurredAt: time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC),
			Reason:     "illness",
		},
	})
	if err != nil {
		t.Fatalf("CommitSessionChange failed: %v", err)
	}

	_, err = storage.pool.DB().ExecContext(ctx, `UPDATE session_events SET reason = 'other' WHERE id = 'event-1'`)
	if !errors.Is(mapError(err), persistence.ErrConstraintViolation) {
		t.Fatalf("expected update to be rejected, got %v", err)
	}
	_, err = storage.pool.DB().ExecContext(ctx, `DELETE FROM session_events WHERE id = 'event-1'`)
	if !errors.Is(mapError(err), persistence.ErrConstraintViolation) {
		t.Fatalf("expected delete to be rejected, got %v", err)
	}
}

func TestCredentialsAreSealedAtRest(t *testing.T) {
	ctx := context.Background()
	sealer, err := secrets.NewSealer("test-key")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	storage := newTestStorage(t, WithSealer(sealer))

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	integration := persistence.CalendarIntegration{
		ID:       "integration-1",
		UserID:   "coach-1",
		Provider: "google",
		Credentials: persistence.Credentials{
			AccessToken:  "access-secret",
			RefreshToken: "refresh-secret",
			Expiry:       now.Add(time.Hour),
		},
		IsActive:    true,
		SyncEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := storage.CreateIntegration(ctx, integration); err != nil {
		t.Fatalf("CreateIntegration failed: %v", err)
	}

	var raw string
	if err := storage.pool.DB().QueryRowContext(ctx, `SELECT credentials FROM calendar_integrations WHERE id = ?`, integration.ID).Scan(&raw); err != nil {
		t.Fatalf("select credentials: %v", err)
	}
	if strings.Contains(raw, "access-secret") || strings.Contains(raw, "refresh-secret") {
		t.Fatalf("credentials stored in plaintext: %q", raw)
	}

	fetched, err := storage.GetIntegration(ctx, integration.ID)
	if err != nil {
		t.Fatalf("GetIntegration failed: %v", err)
	}
	if fetched.Credentials.RefreshToken != "refresh-secret" || !fetched.Credentials.Expiry.Equal(integration.Credentials.Expiry) {
		t.Fatalf("unexpected credentials %+v", fetched.Credentials)
	}
}

func TestSyncLogsOrderByStartTime(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := storage.CreateIntegration(ctx, persistence.CalendarIntegration{
		ID: "integration-1", UserID: "coach-1", Provider: "google", IsActive: true, CreatedAt: base, UpdatedAt: base,
	}); err != nil {
		t.Fatalf("CreateIntegration failed: %v", err)
	}

	// Fractional seconds must not break lexical ordering.
	starts := []time.Time{base, base.Add(500 * time.Millisecond), base.Add(time.Second)}
	for i, started := range starts {
		err := storage.AppendSyncLog(ctx, persistence.SyncLog{
			ID:            "log-" + string(rune('a'+i)),
			IntegrationID: "integration-1",
			Direction:     "bidirectional",
			Status:        "success",
			StartedAt:     started,
			CompletedAt:   started.Add(100 * time.Millisecond),
			Duration:      100 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("AppendSyncLog failed: %v", err)
		}
	}

	logs, err := storage.ListSyncLogs(ctx, "integration-1", 2)
	if err != nil {
		t.Fatalf("ListSyncLogs failed: %v", err)
	}
	if len(logs) != 2 || logs[0].ID != "log-c" || logs[1].ID != "log-b" {
		t.Fatalf("unexpected order: %+v", logs)
	}
	if logs[0].Duration != 100*time.Millisecond {
		t.Fatalf("unexpected duration %v", logs[0].Duration)
	}
}

func TestInMemoryConfig(t *testing.T) {
	ctx := context.Background()
	storage, err := Open(ctx, InMemoryConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer storage.Close()

	if err := storage.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := storage.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := storage.GetSession(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
