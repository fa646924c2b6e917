package application

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

// Stats window bounds, in months.
const (
	DefaultStatsMonths = 6
	MaxStatsMonths     = 24
)

// StatsRole selects which side of a session counts for a user.
type StatsRole string

const (
	StatsRoleCoach  StatsRole = "coach"
	StatsRoleClient StatsRole = "client"
	StatsRoleBoth   StatsRole = "both"
)

// MonthlyStats aggregates one calendar month.
type MonthlyStats struct {
	Month            string
	Sessions         int
	Cancelled        int
	Reschedules      int
	CancellationRate float64
}

// CancellationStats aggregates a user's sessions over a month window.
type CancellationStats struct {
	UserID string
	Role   StatsRole
	Months int
	From   time.Time
	To     time.Time

	TotalSessions       int
	Completed           int
	NoShows             int
	Cancelled           int
	Reschedules         int
	RescheduledSessions int

	CancellationRate float64
	RescheduleRate   float64
	NoShowRate       float64

	ByReason map[CancellationReason]int
	Monthly  []MonthlyStats
}

// StatsStore reads sessions and their lifecycle logs.
type StatsStore interface {
	SessionLister
	SessionEventLister
}

// StatsService computes read-only cancellation and rescheduling statistics.
type StatsService struct {
	store      StatsStore
	authorizer Authorizer
	location   *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

// NewStatsService wires the aggregator. Months are bucketed in loc.
func NewStatsService(store StatsStore, authorizer Authorizer, loc *time.Location, now func() time.Time, logger *slog.Logger) *StatsService {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &StatsService{
		store:      store,
		authorizer: authorizerOrDefault(authorizer),
		location:   loc,
		now:        now,
		logger:     defaultLogger(logger),
	}
}

// CancellationStats aggregates the sessions of userID scheduled in the
// current month and the months-1 months before it. Users without history get
// zeroed buckets.
func (s *StatsService) CancellationStats(ctx context.Context, principal Principal, userID string, role string, months int) (CancellationStats, error) {
	vErr := &ValidationError{}
	if userID == "" {
		vErr.add("user_id", "user id is required")
	}
	statsRole := StatsRole(role)
	if statsRole == "" {
		statsRole = StatsRoleBoth
	}
	switch statsRole {
	case StatsRoleCoach, StatsRoleClient, StatsRoleBoth:
	default:
		vErr.add("role", "role must be coach, client or both")
	}
	if months == 0 {
		months = DefaultStatsMonths
	}
	if months < 1 || months > MaxStatsMonths {
		vErr.add("months", fmt.Sprintf("months must be between 1 and %d", MaxStatsMonths))
	}
	if vErr.HasErrors() {
		return CancellationStats{}, vErr
	}

	if err := s.authorizer.Authorize(principal, CapabilityViewStats, UserResource(userID)); err != nil {
		return CancellationStats{}, err
	}

	now := s.now().In(s.location)
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.location)
	from := currentMonth.AddDate(0, -(months - 1), 0)
	to := currentMonth.AddDate(0, 1, 0)

	stats := CancellationStats{
		UserID:   userID,
		Role:     statsRole,
		Months:   months,
		From:     from,
		To:       to,
		ByReason: make(map[CancellationReason]int, len(CancellationReasons)),
		Monthly:  make([]MonthlyStats, 0, months),
	}
	for _, reason := range CancellationReasons {
		stats.ByReason[reason] = 0
	}
	index := make(map[string]int, months)
	for m := from; m.Before(to); m = m.AddDate(0, 1, 0) {
		key := m.Format("2006-01")
		index[key] = len(stats.Monthly)
		stats.Monthly = append(stats.Monthly, MonthlyStats{Month: key})
	}

	sessions, err := s.store.ListSessions(ctx, persistence.SessionFilter{
		ParticipantIDs: []string{userID},
		EndsAfter:      &from,
		StartsBefore:   &to,
	})
	if err != nil {
		return CancellationStats{}, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	included := make([]persistence.Session, 0, len(sessions))
	for _, session := range sessions {
		if !matchesRole(session, userID, statsRole) || session.ScheduledStart.Before(from) {
			continue
		}
		included = append(included, session)
		ids = append(ids, session.ID)
	}

	reasons := map[string]CancellationReason{}
	reschedules := map[string]int{}
	if len(ids) > 0 {
		events, err := s.store.ListSessionEvents(ctx, persistence.SessionEventFilter{
			SessionIDs: ids,
			Kinds:      []string{persistence.EventKindCancelled, persistence.EventKindRescheduled},
		})
		if err != nil {
			return CancellationStats{}, fmt.Errorf("list session events: %w", err)
		}
		for _, event := range events {
			switch event.Kind {
			case persistence.EventKindCancelled:
				reasons[event.SessionID] = CancellationReason(event.Reason)
			case persistence.EventKindRescheduled:
				reschedules[event.SessionID]++
			}
		}
	}

	for _, session := range included {
		bucket := &stats.Monthly[index[session.ScheduledStart.In(s.location).Format("2006-01")]]
		bucket.Sessions++
		stats.TotalSessions++

		if n := reschedules[session.ID]; n > 0 {
			bucket.Reschedules += n
			stats.Reschedules += n
			stats.RescheduledSessions++
		}

		switch SessionStatus(session.Status) {
		case StatusCancelled:
			bucket.Cancelled++
			stats.Cancelled++
			reason, ok := reasons[session.ID]
			if !ok || !reason.Valid() {
				reason = ReasonOther
			}
			stats.ByReason[reason]++
		case StatusCompleted:
			stats.Completed++
		case StatusNoShow:
			stats.NoShows++
		}
	}

	for i := range stats.Monthly {
		stats.Monthly[i].CancellationRate = rate(stats.Monthly[i].Cancelled, stats.Monthly[i].Sessions)
	}
	stats.CancellationRate = rate(stats.Cancelled, stats.TotalSessions)
	stats.RescheduleRate = rate(stats.RescheduledSessions, stats.TotalSessions)
	stats.NoShowRate = rate(stats.NoShows, stats.TotalSessions)

	serviceLogger(ctx, s.logger, "StatsService", "CancellationStats", "user_id", userID).
		DebugContext(ctx, "computed cancellation stats", "sessions", stats.TotalSessions, "months", months)
	return stats, nil
}

func matchesRole(session persistence.Session, userID string, role StatsRole) bool {
	switch role {
	case StatsRoleCoach:
		return session.CoachID == userID
	case StatsRoleClient:
		return session.ClientID == userID
	default:
		return session.CoachID == userID || session.ClientID == userID
	}
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 10000
}
