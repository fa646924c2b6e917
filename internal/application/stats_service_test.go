package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/persistence/memory"
)

func commitEvent(t *testing.T, store *memory.Storage, id string, event LifecycleEvent, mutate func(*persistence.Session)) {
	t.Helper()
	ctx := context.Background()
	current, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	next := current
	mutate(&next)
	require.NoError(t, store.CommitSessionChange(ctx, persistence.SessionChange{
		Session:         next,
		ExpectedVersion: current.Version,
		Event:           encodeEvent(id, event),
	}))
}

func newStatsFixture(t *testing.T) (*memory.Storage, *StatsService) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	day := func(year int, month time.Month, d int) (time.Time, time.Time) {
		start := time.Date(year, month, d, 10, 0, 0, 0, time.UTC)
		return start, start.Add(time.Hour)
	}

	start, end := day(2025, time.January, 15)
	seedSession(t, store, "jan", "coach-1", "client-1", start, end, StatusCompleted)
	start, end = day(2025, time.February, 10)
	seedSession(t, store, "feb", "coach-1", "client-1", start, end, StatusScheduled)
	start, end = day(2025, time.March, 10)
	seedSession(t, store, "mar-moved", "coach-1", "client-1", start, end, StatusScheduled)
	start, end = day(2025, time.March, 11)
	seedSession(t, store, "mar-noshow", "coach-1", "client-1", start, end, StatusNoShow)
	start, end = day(2025, time.March, 12)
	seedSession(t, store, "mar-other-coach", "coach-2", "client-1", start, end, StatusCancelled)
	start, end = day(2024, time.December, 5)
	seedSession(t, store, "dec", "coach-1", "client-1", start, end, StatusCancelled)

	commitEvent(t, store, "feb", Cancelled{
		EventHeader: EventHeader{ID: "e-feb", ActorID: "client-1", OccurredAt: testNow},
		Reason:      ReasonIllness,
	}, func(s *persistence.Session) { s.Status = string(StatusCancelled) })

	for i, id := range []string{"e-move-1", "e-move-2"} {
		commitEvent(t, store, "mar-moved", Rescheduled{
			EventHeader: EventHeader{ID: id, ActorID: "coach-1", OccurredAt: testNow.Add(time.Duration(i) * time.Minute)},
			Reason:      "travel",
		}, func(*persistence.Session) {})
	}

	return store, NewStatsService(store, nil, time.UTC, func() time.Time { return testNow }, nil)
}

func TestStatsService_CoachView(t *testing.T) {
	t.Parallel()
	_, service := newStatsFixture(t)

	stats, err := service.CancellationStats(context.Background(), coachPrincipal, "coach-1", "coach", 3)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), stats.From)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), stats.To)
	assert.Equal(t, 4, stats.TotalSessions)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.NoShows)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 2, stats.Reschedules)
	assert.Equal(t, 1, stats.RescheduledSessions)
	assert.Equal(t, 0.25, stats.CancellationRate)
	assert.Equal(t, 0.25, stats.RescheduleRate)
	assert.Equal(t, 0.25, stats.NoShowRate)

	assert.Len(t, stats.ByReason, len(CancellationReasons))
	assert.Equal(t, 1, stats.ByReason[ReasonIllness])
	assert.Equal(t, 0, stats.ByReason[ReasonOther])

	assert.Equal(t, []MonthlyStats{
		{Month: "2025-01", Sessions: 1},
		{Month: "2025-02", Sessions: 1, Cancelled: 1, CancellationRate: 1},
		{Month: "2025-03", Sessions: 2, Reschedules: 2},
	}, stats.Monthly)
}

func TestStatsService_ClientRoles(t *testing.T) {
	t.Parallel()
	_, service := newStatsFixture(t)
	ctx := context.Background()

	both, err := service.CancellationStats(ctx, clientPrincipal, "client-1", "", 3)
	require.NoError(t, err)
	assert.Equal(t, StatsRoleBoth, both.Role)
	assert.Equal(t, 5, both.TotalSessions)
	assert.Equal(t, 2, both.Cancelled)
	assert.Equal(t, 0.4, both.CancellationRate)
	assert.Equal(t, 1, both.ByReason[ReasonOther], "cancellations without a logged reason count as other")

	march, err := service.CancellationStats(ctx, clientPrincipal, "client-1", "client", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, march.TotalSessions)
	assert.Equal(t, 0.3333, march.CancellationRate)
	require.Len(t, march.Monthly, 1)
	assert.Equal(t, "2025-03", march.Monthly[0].Month)

	asCoach, err := service.CancellationStats(ctx, clientPrincipal, "client-1", "coach", 3)
	require.NoError(t, err)
	assert.Zero(t, asCoach.TotalSessions)
}

func TestStatsService_EmptyHistory(t *testing.T) {
	t.Parallel()
	_, service := newStatsFixture(t)

	stats, err := service.CancellationStats(context.Background(), adminPrincipal, "newcomer", "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultStatsMonths, stats.Months)
	require.Len(t, stats.Monthly, DefaultStatsMonths)
	assert.Equal(t, "2024-10", stats.Monthly[0].Month)
	assert.Equal(t, "2025-03", stats.Monthly[DefaultStatsMonths-1].Month)
	assert.Zero(t, stats.TotalSessions)
	assert.Zero(t, stats.CancellationRate)
	for _, reason := range CancellationReasons {
		assert.Zero(t, stats.ByReason[reason])
	}
}

func TestStatsService_Guards(t *testing.T) {
	t.Parallel()
	_, service := newStatsFixture(t)
	ctx := context.Background()

	_, err := service.CancellationStats(ctx, clientPrincipal, "coach-1", "", 6)
	assert.ErrorIs(t, err, ErrUnauthorized)

	tests := []struct {
		name   string
		role   string
		months int
		field  string
	}{
		{name: "too many months", months: MaxStatsMonths + 1, field: "months"},
		{name: "negative months", months: -1, field: "months"},
		{name: "unknown role", role: "mentor", months: 6, field: "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CancellationStats(ctx, coachPrincipal, "coach-1", tt.role, tt.months)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.FieldErrors, tt.field)
		})
	}
}
