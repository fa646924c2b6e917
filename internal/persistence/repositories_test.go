package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/testfixtures"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, h *testfixtures.StorageHarness)) {
	t.Helper()
	for _, harness := range testfixtures.Harnesses(t) {
		harness := harness
		t.Run(harness.Name, func(t *testing.T) {
			t.Parallel()
			fn(t, harness)
		})
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestSessionRepository(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		base := testfixtures.ReferenceTime()

		session := testfixtures.NewSessionFixture(
			testfixtures.WithSessionID("s-1"),
			testfixtures.WithSessionTime(base.Add(24*time.Hour), time.Hour),
		).Persistence()
		other := testfixtures.NewSessionFixture(
			testfixtures.WithSessionID("s-2"),
			testfixtures.WithParticipants("coach-2", "client-9"),
			testfixtures.WithSessionTime(base.Add(2*time.Hour), time.Hour),
		).Persistence()

		for _, s := range []persistence.Session{session, other} {
			if err := h.Sessions.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession(%s) failed: %v", s.ID, err)
			}
		}
		if err := h.Sessions.CreateSession(ctx, session); !errors.Is(err, persistence.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}

		bad := testfixtures.NewSessionFixture(testfixtures.WithSessionTime(base, 0)).Persistence()
		if err := h.Sessions.CreateSession(ctx, bad); !errors.Is(err, persistence.ErrConstraintViolation) {
			t.Fatalf("expected ErrConstraintViolation for empty interval, got %v", err)
		}

		fetched, err := h.Sessions.GetSession(ctx, "s-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if fetched.Version != 1 || !fetched.ScheduledStart.Equal(session.ScheduledStart) || fetched.CoachID != "coach-1" {
			t.Fatalf("unexpected session: %#v", fetched)
		}

		if _, err := h.Sessions.GetSession(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		listed, err := h.Sessions.ListSessions(ctx, persistence.SessionFilter{})
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(listed) != 2 || listed[0].ID != "s-2" || listed[1].ID != "s-1" {
			t.Fatalf("expected sessions ordered by start, got %#v", listed)
		}

		byParticipant, err := h.Sessions.ListSessions(ctx, persistence.SessionFilter{ParticipantIDs: []string{"client-9"}})
		if err != nil {
			t.Fatalf("ListSessions by participant failed: %v", err)
		}
		if len(byParticipant) != 1 || byParticipant[0].ID != "s-2" {
			t.Fatalf("unexpected participant filter result: %#v", byParticipant)
		}

		windowed, err := h.Sessions.ListSessions(ctx, persistence.SessionFilter{
			EndsAfter:    timePtr(base.Add(24*time.Hour + 30*time.Minute)),
			StartsBefore: timePtr(base.Add(48 * time.Hour)),
		})
		if err != nil {
			t.Fatalf("ListSessions by window failed: %v", err)
		}
		if len(windowed) != 1 || windowed[0].ID != "s-1" {
			t.Fatalf("unexpected window filter result: %#v", windowed)
		}
	})
}

func TestSessionRepository_CommitSessionChange(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		base := testfixtures.ReferenceTime()

		session := testfixtures.NewSessionFixture(
			testfixtures.WithSessionID("commit-1"),
			testfixtures.WithSessionTime(base.Add(24*time.Hour), time.Hour),
		).Persistence()
		if err := h.Sessions.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		newStart := session.ScheduledStart.Add(2 * time.Hour)
		next := session
		next.ScheduledStart = newStart
		next.ScheduledEnd = newStart.Add(time.Hour)
		next.UpdatedAt = base.Add(time.Minute)

		change := persistence.SessionChange{
			Session:         next,
			ExpectedVersion: 1,
			Event: persistence.SessionEvent{
				ID:            "evt-1",
				Kind:          persistence.EventKindRescheduled,
				ActorID:       "coach-1",
				OccurredAt:    base.Add(time.Minute),
				Reason:        "clash with workshop",
				PreviousStart: timePtr(session.ScheduledStart),
				PreviousEnd:   timePtr(session.ScheduledEnd),
				NewStart:      timePtr(next.ScheduledStart),
				NewEnd:        timePtr(next.ScheduledEnd),
			},
		}
		if err := h.Sessions.CommitSessionChange(ctx, change); err != nil {
			t.Fatalf("CommitSessionChange failed: %v", err)
		}

		stale := change
		stale.Event.ID = "evt-stale"
		if err := h.Sessions.CommitSessionChange(ctx, stale); !errors.Is(err, persistence.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict for stale version, got %v", err)
		}

		missing := change
		missing.Session.ID = "nope"
		missing.Event.ID = "evt-missing"
		if err := h.Sessions.CommitSessionChange(ctx, missing); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		cancelled := next
		cancelled.Status = "cancelled"
		if err := h.Sessions.CommitSessionChange(ctx, persistence.SessionChange{
			Session:         cancelled,
			ExpectedVersion: 2,
			Event: persistence.SessionEvent{
				ID:         "evt-2",
				Kind:       persistence.EventKindCancelled,
				ActorID:    "client-1",
				OccurredAt: base.Add(2 * time.Minute),
				Reason:     "illness",
			},
		}); err != nil {
			t.Fatalf("second CommitSessionChange failed: %v", err)
		}

		stored, err := h.Sessions.GetSession(ctx, "commit-1")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if stored.Version != 3 || stored.Status != "cancelled" || !stored.ScheduledStart.Equal(newStart) {
			t.Fatalf("unexpected snapshot after commits: %#v", stored)
		}

		events, err := h.Sessions.ListSessionEvents(ctx, persistence.SessionEventFilter{SessionIDs: []string{"commit-1"}})
		if err != nil {
			t.Fatalf("ListSessionEvents failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if events[0].Sequence != 2 || events[0].Kind != persistence.EventKindRescheduled || events[0].Reason != "clash with workshop" {
			t.Fatalf("unexpected first event: %#v", events[0])
		}
		if events[0].PreviousStart == nil || !events[0].PreviousStart.Equal(session.ScheduledStart) {
			t.Fatalf("expected previous start to be recorded, got %#v", events[0].PreviousStart)
		}
		if events[1].Sequence != 3 || events[1].Kind != persistence.EventKindCancelled || events[1].NewStart != nil {
			t.Fatalf("unexpected second event: %#v", events[1])
		}

		onlyCancelled, err := h.Sessions.ListSessionEvents(ctx, persistence.SessionEventFilter{Kinds: []string{persistence.EventKindCancelled}})
		if err != nil {
			t.Fatalf("ListSessionEvents by kind failed: %v", err)
		}
		if len(onlyCancelled) != 1 || onlyCancelled[0].ID != "evt-2" {
			t.Fatalf("unexpected kind filter result: %#v", onlyCancelled)
		}
	})
}

func TestIntegrationRepository(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()

		google := testfixtures.NewIntegrationFixture(testfixtures.WithIntegrationID("int-g")).Persistence()
		if err := h.Integrations.CreateIntegration(ctx, google); err != nil {
			t.Fatalf("CreateIntegration failed: %v", err)
		}

		duplicate := testfixtures.NewIntegrationFixture(testfixtures.WithIntegrationID("int-g2")).Persistence()
		if err := h.Integrations.CreateIntegration(ctx, duplicate); !errors.Is(err, persistence.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate for second active integration, got %v", err)
		}

		inactive := testfixtures.NewIntegrationFixture(
			testfixtures.WithIntegrationID("int-g3"),
			testfixtures.WithIntegrationActive(false),
		).Persistence()
		if err := h.Integrations.CreateIntegration(ctx, inactive); err != nil {
			t.Fatalf("inactive duplicate should be allowed: %v", err)
		}

		fetched, err := h.Integrations.GetIntegration(ctx, "int-g")
		if err != nil {
			t.Fatalf("GetIntegration failed: %v", err)
		}
		if fetched.Credentials.RefreshToken != google.Credentials.RefreshToken || !fetched.Credentials.Expiry.Equal(google.Credentials.Expiry) {
			t.Fatalf("credentials did not round trip: %#v", fetched.Credentials)
		}

		syncedAt := testfixtures.ReferenceTime().Add(time.Hour)
		fetched.LastSyncAt = &syncedAt
		fetched.SyncErrors = []persistence.SyncError{{
			ProviderEventID: "remote-1",
			Operation:       "update",
			Message:         "timeout",
			Retryable:       true,
			OccurredAt:      syncedAt,
		}}
		if err := h.Integrations.UpdateIntegration(ctx, fetched); err != nil {
			t.Fatalf("UpdateIntegration failed: %v", err)
		}

		updated, err := h.Integrations.GetIntegration(ctx, "int-g")
		if err != nil {
			t.Fatalf("GetIntegration after update failed: %v", err)
		}
		if updated.LastSyncAt == nil || !updated.LastSyncAt.Equal(syncedAt) {
			t.Fatalf("expected last sync time, got %#v", updated.LastSyncAt)
		}
		if len(updated.SyncErrors) != 1 || !updated.SyncErrors[0].Retryable || updated.SyncErrors[0].Message != "timeout" {
			t.Fatalf("unexpected sync errors: %#v", updated.SyncErrors)
		}

		reactivated := inactive
		reactivated.IsActive = true
		if err := h.Integrations.UpdateIntegration(ctx, reactivated); !errors.Is(err, persistence.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate when reactivating, got %v", err)
		}

		missing := google
		missing.ID = "missing"
		if err := h.Integrations.UpdateIntegration(ctx, missing); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		active, err := h.Integrations.ListIntegrations(ctx, persistence.IntegrationFilter{UserIDs: []string{"coach-1"}, ActiveOnly: true})
		if err != nil {
			t.Fatalf("ListIntegrations failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "int-g" {
			t.Fatalf("unexpected active integrations: %#v", active)
		}

		all, err := h.Integrations.ListIntegrations(ctx, persistence.IntegrationFilter{Provider: "google"})
		if err != nil {
			t.Fatalf("ListIntegrations by provider failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 google integrations, got %d", len(all))
		}
	})
}

func TestEventRepository(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		base := testfixtures.ReferenceTime()

		integration := testfixtures.NewIntegrationFixture(testfixtures.WithIntegrationID("int-e")).Persistence()
		if err := h.Integrations.CreateIntegration(ctx, integration); err != nil {
			t.Fatalf("CreateIntegration failed: %v", err)
		}

		blocked := testfixtures.NewEventFixture("int-e",
			testfixtures.WithProviderEventID("remote-a"),
			testfixtures.WithEventTime(base.Add(time.Hour), base.Add(2*time.Hour)),
		).Persistence()
		coaching := testfixtures.NewEventFixture("int-e",
			testfixtures.WithProviderEventID("remote-b"),
			testfixtures.WithEventTime(base.Add(3*time.Hour), base.Add(4*time.Hour)),
			testfixtures.WithCoachingSession("session-x"),
		).Persistence()
		weekly := testfixtures.NewEventFixture("int-e",
			testfixtures.WithProviderEventID("remote-c"),
			testfixtures.WithEventTime(base.Add(-14*24*time.Hour), base.Add(-14*24*time.Hour+time.Hour)),
			testfixtures.WithRecurrence("FREQ=WEEKLY"),
		).Persistence()

		for _, e := range []persistence.CalendarEvent{blocked, coaching, weekly} {
			if err := h.Events.CreateEvent(ctx, e); err != nil {
				t.Fatalf("CreateEvent(%s) failed: %v", e.ProviderEventID, err)
			}
		}

		clash := testfixtures.NewEventFixture("int-e", testfixtures.WithProviderEventID("remote-a")).Persistence()
		if err := h.Events.CreateEvent(ctx, clash); !errors.Is(err, persistence.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate for provider event id, got %v", err)
		}

		orphan := testfixtures.NewEventFixture("no-such-integration").Persistence()
		if err := h.Events.CreateEvent(ctx, orphan); !errors.Is(err, persistence.ErrForeignKeyViolation) {
			t.Fatalf("expected ErrForeignKeyViolation, got %v", err)
		}

		from := base
		to := base.Add(5 * time.Hour)
		windowed, err := h.Events.ListEvents(ctx, persistence.EventFilter{IntegrationIDs: []string{"int-e"}, From: &from, To: &to})
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(windowed) != 3 {
			t.Fatalf("expected recurring event to survive the window filter, got %d events", len(windowed))
		}

		isCoaching := true
		linked, err := h.Events.ListEvents(ctx, persistence.EventFilter{Coaching: &isCoaching})
		if err != nil {
			t.Fatalf("ListEvents coaching failed: %v", err)
		}
		if len(linked) != 1 || linked[0].SessionID == nil || *linked[0].SessionID != "session-x" {
			t.Fatalf("unexpected coaching events: %#v", linked)
		}

		bySession, err := h.Events.ListEvents(ctx, persistence.EventFilter{SessionIDs: []string{"session-x"}})
		if err != nil {
			t.Fatalf("ListEvents by session failed: %v", err)
		}
		if len(bySession) != 1 {
			t.Fatalf("expected one event for session-x, got %d", len(bySession))
		}

		blocked.Title = "Dentist"
		blocked.SyncStatus = "error"
		blocked.SyncErrors = []string{"update failed"}
		if err := h.Events.UpdateEvent(ctx, blocked); err != nil {
			t.Fatalf("UpdateEvent failed: %v", err)
		}
		stored, err := h.Events.GetEvent(ctx, blocked.ID)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if stored.Title != "Dentist" || len(stored.SyncErrors) != 1 {
			t.Fatalf("unexpected updated event: %#v", stored)
		}

		erroring, err := h.Events.ListEvents(ctx, persistence.EventFilter{SyncStatus: "error"})
		if err != nil {
			t.Fatalf("ListEvents by sync status failed: %v", err)
		}
		if len(erroring) != 1 || erroring[0].ID != blocked.ID {
			t.Fatalf("unexpected sync status filter result: %#v", erroring)
		}

		if err := h.Events.DeleteEvent(ctx, blocked.ID); err != nil {
			t.Fatalf("DeleteEvent failed: %v", err)
		}
		if err := h.Events.DeleteEvent(ctx, blocked.ID); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestSyncLogRepository(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, h *testfixtures.StorageHarness) {
		ctx := context.Background()
		base := testfixtures.ReferenceTime()

		integration := testfixtures.NewIntegrationFixture(testfixtures.WithIntegrationID("int-l")).Persistence()
		if err := h.Integrations.CreateIntegration(ctx, integration); err != nil {
			t.Fatalf("CreateIntegration failed: %v", err)
		}

		for i, id := range []string{"log-1", "log-2", "log-3"} {
			started := base.Add(time.Duration(i) * time.Hour)
			log := persistence.SyncLog{
				ID:              id,
				IntegrationID:   "int-l",
				SyncType:        "manual",
				Direction:       "bidirectional",
				Status:          "success",
				EventsProcessed: i,
				StartedAt:       started,
				CompletedAt:     started.Add(time.Second),
				Duration:        time.Second,
			}
			if i == 2 {
				log.Status = "partial"
				log.Errors = []persistence.SyncError{{SessionID: "s-1", Operation: "push_update", Message: "rate limited", Retryable: true}}
			}
			if err := h.SyncLogs.AppendSyncLog(ctx, log); err != nil {
				t.Fatalf("AppendSyncLog(%s) failed: %v", id, err)
			}
		}

		orphan := persistence.SyncLog{ID: "log-x", IntegrationID: "missing", StartedAt: base, CompletedAt: base}
		if err := h.SyncLogs.AppendSyncLog(ctx, orphan); !errors.Is(err, persistence.ErrForeignKeyViolation) {
			t.Fatalf("expected ErrForeignKeyViolation, got %v", err)
		}

		latest, err := h.SyncLogs.ListSyncLogs(ctx, "int-l", 2)
		if err != nil {
			t.Fatalf("ListSyncLogs failed: %v", err)
		}
		if len(latest) != 2 || latest[0].ID != "log-3" || latest[1].ID != "log-2" {
			t.Fatalf("expected newest logs first, got %#v", latest)
		}
		if len(latest[0].Errors) != 1 || latest[0].Errors[0].Operation != "push_update" || latest[0].Duration != time.Second {
			t.Fatalf("unexpected log payload: %#v", latest[0])
		}

		all, err := h.SyncLogs.ListSyncLogs(ctx, "int-l", 0)
		if err != nil {
			t.Fatalf("ListSyncLogs without limit failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 logs, got %d", len(all))
		}
	})
}

func TestFilters_Matches(t *testing.T) {
	t.Parallel()

	base := testfixtures.ReferenceTime()
	session := persistence.Session{
		ID:             "s",
		CoachID:        "coach",
		ClientID:       "client",
		Status:         "scheduled",
		ScheduledStart: base,
		ScheduledEnd:   base.Add(time.Hour),
	}

	sessionCases := []struct {
		name   string
		filter persistence.SessionFilter
		want   bool
	}{
		{name: "empty filter", filter: persistence.SessionFilter{}, want: true},
		{name: "client participant", filter: persistence.SessionFilter{ParticipantIDs: []string{"client"}}, want: true},
		{name: "other participant", filter: persistence.SessionFilter{ParticipantIDs: []string{"someone"}}, want: false},
		{name: "status mismatch", filter: persistence.SessionFilter{Statuses: []string{"cancelled"}}, want: false},
		{name: "ends exactly at bound", filter: persistence.SessionFilter{EndsAfter: timePtr(base.Add(time.Hour))}, want: false},
		{name: "starts exactly at bound", filter: persistence.SessionFilter{StartsBefore: timePtr(base)}, want: false},
	}
	for _, tc := range sessionCases {
		if got := tc.filter.Matches(session); got != tc.want {
			t.Errorf("SessionFilter %s: got %v want %v", tc.name, got, tc.want)
		}
	}

	event := persistence.CalendarEvent{
		IntegrationID:  "int",
		Start:          base.Add(-48 * time.Hour),
		End:            base.Add(-47 * time.Hour),
		RecurrenceRule: "FREQ=DAILY",
		IsBlocked:      true,
	}
	if !(persistence.EventFilter{From: timePtr(base)}).Matches(event) {
		t.Errorf("recurring events must pass the From bound")
	}
	event.RecurrenceRule = ""
	if (persistence.EventFilter{From: timePtr(base)}).Matches(event) {
		t.Errorf("past single events must fail the From bound")
	}
	blocked := false
	if (persistence.EventFilter{Blocked: &blocked}).Matches(event) {
		t.Errorf("blocked event must not match Blocked=false")
	}
	if (persistence.EventFilter{SessionIDs: []string{"s"}}).Matches(event) {
		t.Errorf("unlinked event must not match a session filter")
	}

	integration := persistence.CalendarIntegration{UserID: "u", Provider: "google", IsActive: false, SyncEnabled: true}
	if (persistence.IntegrationFilter{ActiveOnly: true}).Matches(integration) {
		t.Errorf("inactive integration must not match ActiveOnly")
	}
	if !(persistence.IntegrationFilter{UserIDs: []string{"u"}, SyncEnabledOnly: true}).Matches(integration) {
		t.Errorf("expected user and sync filter to match")
	}
}
