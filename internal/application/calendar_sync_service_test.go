package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/calendar/calendartest"
	"github.com/example/coaching-scheduler/internal/keylock"
	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/persistence/memory"
)

type syncHarness struct {
	store    *memory.Storage
	provider *calendartest.Provider
	locker   *keylock.Local
	service  *CalendarSyncService
}

func newSyncHarness(t *testing.T, expiry time.Time) *syncHarness {
	t.Helper()
	store := memory.New()
	provider := calendartest.NewProvider()
	provider.Now = func() time.Time { return testNow }

	registry := calendar.NewRegistry()
	registry.Register(calendar.ProviderGoogle, provider)

	require.NoError(t, store.CreateIntegration(context.Background(), persistence.CalendarIntegration{
		ID:       "int-1",
		UserID:   "coach-1",
		Provider: "google",
		Credentials: persistence.Credentials{
			AccessToken:  "access",
			RefreshToken: "refresh",
			Expiry:       expiry,
		},
		CalendarID:  "primary",
		IsActive:    true,
		SyncEnabled: true,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}))

	locker := keylock.NewLocal()
	service := NewCalendarSyncService(store, registry, locker, nil, SyncConfig{ProviderTimeout: time.Second},
		sequentialIDs("sync"), func() time.Time { return testNow }, nil)
	return &syncHarness{store: store, provider: provider, locker: locker, service: service}
}

func (h *syncHarness) sync(t *testing.T, direction string) persistence.SyncLog {
	t.Helper()
	log, err := h.service.Sync(context.Background(), coachPrincipal, SyncRequest{IntegrationID: "int-1", Direction: direction})
	require.NoError(t, err)
	return log
}

func (h *syncHarness) integration(t *testing.T) persistence.CalendarIntegration {
	t.Helper()
	integration, err := h.store.GetIntegration(context.Background(), "int-1")
	require.NoError(t, err)
	return integration
}

func counts(log persistence.SyncLog) [3]int {
	return [3]int{log.EventsCreated, log.EventsUpdated, log.EventsDeleted}
}

func TestCalendarSyncService_SecondRunIsIdle(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)
	h.provider.Put("primary", calendar.Event{ProviderEventID: "dentist", Title: "Dentist", Start: at(5, 10, 0), End: at(5, 11, 0)})

	first := h.sync(t, "")
	assert.Equal(t, SyncStatusSuccess, first.Status)
	assert.Equal(t, [3]int{2, 0, 0}, counts(first))
	assert.Equal(t, "bidirectional", first.Direction)
	assert.Equal(t, SyncTypeManual, first.SyncType)

	remote := h.provider.Events("primary")
	require.Len(t, remote, 2)
	assert.Equal(t, "s1", calendar.ResolveSessionID(remote[1]))

	mirrors, err := h.store.ListEvents(context.Background(), persistence.EventFilter{IntegrationIDs: []string{"int-1"}})
	require.NoError(t, err)
	require.Len(t, mirrors, 2)
	for _, m := range mirrors {
		if m.ProviderEventID == "dentist" {
			assert.True(t, m.IsBlocked)
		} else {
			assert.True(t, m.IsCoachingSession)
			require.NotNil(t, m.SessionID)
			assert.Equal(t, "s1", *m.SessionID)
		}
	}

	writes := h.provider.WriteCalls()
	second := h.sync(t, "")
	assert.Equal(t, SyncStatusSuccess, second.Status)
	assert.Equal(t, [3]int{0, 0, 0}, counts(second))
	assert.Equal(t, 2, second.EventsProcessed)
	assert.Equal(t, writes, h.provider.WriteCalls())

	integration := h.integration(t)
	require.NotNil(t, integration.LastSyncAt)
	assert.Empty(t, integration.SyncErrors)

	logs, err := h.store.ListSyncLogs(context.Background(), "int-1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestCalendarSyncService_PropagatesSessionChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)
	h.sync(t, "")

	moved, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	moved.ScheduledStart, moved.ScheduledEnd = at(11, 14, 0), at(11, 15, 0)
	require.NoError(t, h.store.CommitSessionChange(ctx, persistence.SessionChange{
		Session:         moved,
		ExpectedVersion: moved.Version,
		Event:           persistence.SessionEvent{ID: "e1", Kind: persistence.EventKindRescheduled, OccurredAt: testNow},
	}))

	log := h.sync(t, "")
	assert.Equal(t, [3]int{0, 1, 0}, counts(log))
	remote := h.provider.Events("primary")
	require.Len(t, remote, 1)
	assert.True(t, remote[0].Start.Equal(at(11, 14, 0)))

	cancelled, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	cancelled.Status = string(StatusCancelled)
	require.NoError(t, h.store.CommitSessionChange(ctx, persistence.SessionChange{
		Session:         cancelled,
		ExpectedVersion: cancelled.Version,
		Event:           persistence.SessionEvent{ID: "e2", Kind: persistence.EventKindCancelled, OccurredAt: testNow},
	}))

	log = h.sync(t, "")
	assert.Equal(t, [3]int{0, 0, 1}, counts(log))
	assert.Empty(t, h.provider.Events("primary"))

	mirrors, err := h.store.ListEvents(ctx, persistence.EventFilter{IntegrationIDs: []string{"int-1"}})
	require.NoError(t, err)
	assert.Empty(t, mirrors)
}

func TestCalendarSyncService_PullOnlyLeavesProviderUntouched(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)
	h.provider.Put("primary", calendar.Event{ProviderEventID: "gym", Title: "Gym", Start: at(6, 7, 0), End: at(6, 8, 0)})

	log := h.sync(t, "pull")
	assert.Equal(t, [3]int{1, 0, 0}, counts(log))
	assert.Zero(t, h.provider.WriteCalls())

	h.provider.Remove("primary", "gym")
	log = h.sync(t, "pull")
	assert.Equal(t, [3]int{0, 0, 1}, counts(log))
}

func TestCalendarSyncService_RemoteWriteFailuresArePartial(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)
	seedSession(t, h.store, "s2", "coach-1", "client-2", at(12, 10, 0), at(12, 11, 0), StatusScheduled)
	h.provider.WriteErrs["s2"] = calendar.NewProviderError("google", "create", 503, nil)

	log := h.sync(t, "")
	assert.Equal(t, SyncStatusPartial, log.Status)
	assert.Equal(t, [3]int{1, 0, 0}, counts(log))
	require.Len(t, log.Errors, 1)
	assert.Equal(t, "s2", log.Errors[0].SessionID)
	assert.Equal(t, "push_create", log.Errors[0].Operation)
	assert.True(t, log.Errors[0].Retryable)
	assert.Len(t, h.integration(t).SyncErrors, 1)

	delete(h.provider.WriteErrs, "s2")
	log = h.sync(t, "")
	assert.Equal(t, SyncStatusSuccess, log.Status)
	assert.Equal(t, [3]int{1, 0, 0}, counts(log))
	assert.Empty(t, h.integration(t).SyncErrors)
}

func TestCalendarSyncService_ListFailureFailsRun(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	h.provider.ListErr = calendar.NewProviderError("google", "list", 500, nil)

	log := h.sync(t, "")
	assert.Equal(t, SyncStatusFailed, log.Status)
	require.Len(t, log.Errors, 1)
	assert.Equal(t, "list", log.Errors[0].Operation)

	integration := h.integration(t)
	assert.True(t, integration.IsActive)
	assert.Len(t, integration.SyncErrors, 1)
}

func TestCalendarSyncService_TokenRefresh(t *testing.T) {
	t.Parallel()

	t.Run("refreshes expired tokens before the run", func(t *testing.T) {
		t.Parallel()
		h := newSyncHarness(t, testNow.Add(-time.Minute))

		log := h.sync(t, "")
		assert.Equal(t, SyncStatusSuccess, log.Status)
		assert.Equal(t, int64(1), h.provider.RefreshCalls())

		integration := h.integration(t)
		assert.Contains(t, integration.Credentials.AccessToken, "refreshed-")
		assert.True(t, integration.Credentials.Expiry.Equal(testNow.Add(time.Hour)))
	})

	t.Run("rejected refresh deactivates", func(t *testing.T) {
		t.Parallel()
		h := newSyncHarness(t, testNow.Add(-time.Minute))
		h.provider.RefreshErr = calendar.NewProviderError("google", "refresh", 401, nil)

		log := h.sync(t, "")
		assert.Equal(t, SyncStatusFailed, log.Status)
		assert.False(t, h.integration(t).IsActive)

		_, err := h.service.Sync(context.Background(), coachPrincipal, SyncRequest{IntegrationID: "int-1"})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("transient refresh failure keeps the integration", func(t *testing.T) {
		t.Parallel()
		h := newSyncHarness(t, testNow.Add(-time.Minute))
		h.provider.RefreshErr = calendar.NewProviderError("google", "refresh", 503, nil)

		log := h.sync(t, "")
		assert.Equal(t, SyncStatusFailed, log.Status)
		assert.True(t, log.Errors[0].Retryable)
		assert.True(t, h.integration(t).IsActive)
	})

	t.Run("single flight", func(t *testing.T) {
		t.Parallel()
		h := newSyncHarness(t, testNow.Add(-time.Minute))
		h.provider.RefreshDelay = 50 * time.Millisecond
		stale := h.integration(t)
		window := calendar.Window{Start: at(1, 0, 0), End: at(20, 0, 0)}

		var wg sync.WaitGroup
		errs := make([]error, 6)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = h.service.FetchEvents(context.Background(), stale, window)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, int64(1), h.provider.RefreshCalls())
	})
}

func TestCalendarSyncService_DisconnectDuringRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSyncHarness(t, testNow.Add(-time.Minute))
	stale := h.integration(t)

	registry := calendar.NewRegistry()
	registry.Register(calendar.ProviderGoogle, h.provider)
	calendars := NewCalendarService(h.store, registry, nil, time.Second, sequentialIDs("int"), func() time.Time { return testNow }, nil)
	h.provider.OnRefresh = func() {
		assert.NoError(t, calendars.Disconnect(ctx, coachPrincipal, "google"))
	}

	_, err := h.service.FetchEvents(ctx, stale, calendar.Window{Start: at(1, 0, 0), End: at(20, 0, 0)})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(1), h.provider.RefreshCalls())

	integration := h.integration(t)
	assert.False(t, integration.IsActive)
	assert.False(t, integration.SyncEnabled)
	assert.Equal(t, persistence.Credentials{}, integration.Credentials)
}

func TestCalendarSyncService_RefreshFailureRecordedOnce(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(-time.Minute))
	h.provider.RefreshErr = calendar.NewProviderError("google", "refresh", 503, nil)

	log := h.sync(t, "")
	assert.Equal(t, SyncStatusFailed, log.Status)
	require.Len(t, log.Errors, 1)
	assert.Equal(t, "refresh_token", log.Errors[0].Operation)

	integration := h.integration(t)
	require.Len(t, integration.SyncErrors, 1)
	assert.Equal(t, "refresh_token", integration.SyncErrors[0].Operation)
	assert.NotNil(t, integration.LastSyncAt)
}

func TestCalendarSyncService_Guards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))

	unlock, ok, err := h.locker.TryLock(ctx, "integration:int-1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.service.Sync(ctx, coachPrincipal, SyncRequest{IntegrationID: "int-1"})
	var cErr *ConflictError
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, ReasonSyncInProgress, cErr.Reason)
	unlock()

	_, err = h.service.Sync(ctx, Principal{UserID: "coach-2", Role: RoleCoach}, SyncRequest{IntegrationID: "int-1"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.service.Sync(ctx, coachPrincipal, SyncRequest{IntegrationID: "int-1", Direction: "sideways"})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.FieldErrors, "direction")

	_, err = h.service.Sync(ctx, coachPrincipal, SyncRequest{Provider: "microsoft"})
	assert.ErrorIs(t, err, ErrNotFound)

	log, err := h.service.Sync(ctx, coachPrincipal, SyncRequest{Provider: "google"})
	require.NoError(t, err)
	assert.Equal(t, "int-1", log.IntegrationID)
}

func TestCalendarSyncService_SyncAsync(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.service.SyncAsync(ctx, coachPrincipal, SyncRequest{IntegrationID: "int-1"})
	cancel()
	require.NoError(t, err)
	assert.Equal(t, "int-1", id)

	h.service.Wait()
	logs, err := h.store.ListSyncLogs(context.Background(), "int-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, SyncStatusSuccess, logs[0].Status, "the run outlives the triggering request")
	assert.Len(t, h.provider.Events("primary"), 1)
}

func TestCalendarSyncService_CancelledRunStopsRemoteCalls(t *testing.T) {
	t.Parallel()
	h := newSyncHarness(t, testNow.Add(24*time.Hour))
	seedSession(t, h.store, "s1", "coach-1", "client-1", at(10, 10, 0), at(10, 11, 0), StatusScheduled)

	job, unlock, err := h.service.begin(context.Background(), coachPrincipal, SyncRequest{IntegrationID: "int-1"})
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log := h.service.run(ctx, job)
	assert.Equal(t, SyncStatusFailed, log.Status)
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
	assert.Zero(t, h.provider.WriteCalls())

	logs, err := h.store.ListSyncLogs(context.Background(), "int-1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "the log is stored even for cancelled runs")
}
