package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/coaching-scheduler/internal/observability"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// Notification defaults.
const (
	DefaultLookAheadHours     = 24
	MaxLookAheadHours         = 7 * 24
	DefaultConfirmationWindow = 48 * time.Hour

	markSentAttempts = 3
)

// NotificationStore reads sessions and commits notification flags.
type NotificationStore interface {
	SessionLister
	SessionEventLister
	GetSession(ctx context.Context, id string) (persistence.Session, error)
	CommitSessionChange(ctx context.Context, change persistence.SessionChange) error
}

// NotificationService finds sessions that owe a notification and records
// deliveries. Flags only move from false to true here; rescheduling resets them.
type NotificationService struct {
	sessions           NotificationStore
	authorizer         Authorizer
	confirmationWindow time.Duration
	idGenerator        func() string
	now                func() time.Time
	logger             *slog.Logger
}

// NewNotificationService wires notification bookkeeping. A non-positive
// confirmation window falls back to DefaultConfirmationWindow.
func NewNotificationService(sessions NotificationStore, authorizer Authorizer, confirmationWindow time.Duration, idGenerator func() string, now func() time.Time, logger *slog.Logger) *NotificationService {
	if confirmationWindow <= 0 {
		confirmationWindow = DefaultConfirmationWindow
	}
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &NotificationService{
		sessions:           sessions,
		authorizer:         authorizerOrDefault(authorizer),
		confirmationWindow: confirmationWindow,
		idGenerator:        idGenerator,
		now:                now,
		logger:             defaultLogger(logger),
	}
}

// Pending lists sessions that still need a notification of the given type,
// ordered by scheduled start. lookAheadHours only applies to reminders; zero
// selects DefaultLookAheadHours.
func (s *NotificationService) Pending(ctx context.Context, principal Principal, kind NotificationType, lookAheadHours int) ([]Session, error) {
	if err := s.authorizer.Authorize(principal, CapabilityManageNotices, Resource{}); err != nil {
		return nil, err
	}
	if _, err := ParseNotificationType(string(kind)); err != nil {
		return nil, err
	}
	if lookAheadHours == 0 {
		lookAheadHours = DefaultLookAheadHours
	}
	if lookAheadHours < 0 || lookAheadHours > MaxLookAheadHours {
		return nil, validationFailure("look_ahead_hours", fmt.Sprintf("look ahead must be between 1 and %d hours", MaxLookAheadHours))
	}

	now := s.now()
	var (
		candidates []persistence.Session
		err        error
	)
	switch kind {
	case NotificationConfirmation:
		candidates, err = s.pendingConfirmations(ctx, now)
	case NotificationReminder:
		candidates, err = s.pendingReminders(ctx, now, time.Duration(lookAheadHours)*time.Hour)
	case NotificationCancellation:
		candidates, err = s.pendingCancellations(ctx)
	}
	if err != nil {
		return nil, err
	}
	return sessionViews(ctx, s.sessions, candidates)
}

// pendingConfirmations returns scheduled sessions whose current episode,
// creation or latest reschedule, began within the confirmation window.
func (s *NotificationService) pendingConfirmations(ctx context.Context, now time.Time) ([]persistence.Session, error) {
	sessions, err := s.sessions.ListSessions(ctx, persistence.SessionFilter{
		Statuses:  []string{string(StatusScheduled)},
		EndsAfter: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var unsent []persistence.Session
	var ids []string
	for _, session := range sessions {
		if !session.ConfirmationSent {
			unsent = append(unsent, session)
			ids = append(ids, session.ID)
		}
	}
	if len(unsent) == 0 {
		return nil, nil
	}

	reschedules, err := s.sessions.ListSessionEvents(ctx, persistence.SessionEventFilter{
		SessionIDs: ids,
		Kinds:      []string{persistence.EventKindRescheduled},
	})
	if err != nil {
		return nil, fmt.Errorf("list reschedules: %w", err)
	}
	episodeStart := make(map[string]time.Time, len(unsent))
	for _, session := range unsent {
		episodeStart[session.ID] = session.CreatedAt
	}
	for _, event := range reschedules {
		if event.OccurredAt.After(episodeStart[event.SessionID]) {
			episodeStart[event.SessionID] = event.OccurredAt
		}
	}

	cutoff := now.Add(-s.confirmationWindow)
	var out []persistence.Session
	for _, session := range unsent {
		if !episodeStart[session.ID].Before(cutoff) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *NotificationService) pendingReminders(ctx context.Context, now time.Time, lookAhead time.Duration) ([]persistence.Session, error) {
	sessions, err := s.sessions.ListSessions(ctx, persistence.SessionFilter{
		Statuses:  []string{string(StatusScheduled)},
		EndsAfter: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	horizon := now.Add(lookAhead)
	var out []persistence.Session
	for _, session := range sessions {
		if session.ReminderSent {
			continue
		}
		if session.ScheduledStart.After(now) && !session.ScheduledStart.After(horizon) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *NotificationService) pendingCancellations(ctx context.Context) ([]persistence.Session, error) {
	sessions, err := s.sessions.ListSessions(ctx, persistence.SessionFilter{Statuses: []string{string(StatusCancelled)}})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []persistence.Session
	for _, session := range sessions {
		if !session.CancellationSent {
			out = append(out, session)
		}
	}
	return out, nil
}

// MarkSent sets a notification flag. Setting a flag that is already set is a
// no-op. Concurrent lifecycle changes are retried against the fresh snapshot.
func (s *NotificationService) MarkSent(ctx context.Context, principal Principal, sessionID string, kind NotificationType) (Session, error) {
	logger := serviceLogger(ctx, s.logger, "NotificationService", "MarkSent",
		"session_id", sessionID, "type", string(kind))

	session, changed, err := s.markSent(ctx, principal, sessionID, kind)
	logOutcome(ctx, logger, err, "notification mark", "changed", changed)
	if err != nil {
		return Session{}, err
	}
	if changed {
		observability.RecordNotificationSent(string(kind))
	}
	return session, nil
}

func (s *NotificationService) markSent(ctx context.Context, principal Principal, sessionID string, kind NotificationType) (Session, bool, error) {
	if err := s.authorizer.Authorize(principal, CapabilityManageNotices, Resource{}); err != nil {
		return Session{}, false, err
	}
	if _, err := ParseNotificationType(string(kind)); err != nil {
		return Session{}, false, err
	}
	if sessionID == "" {
		return Session{}, false, validationFailure("session_id", "session id is required")
	}

	for attempt := 1; ; attempt++ {
		current, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return Session{}, false, mapRepoError(err)
		}
		if kind == NotificationCancellation && SessionStatus(current.Status) != StatusCancelled {
			return Session{}, false, conflict(ReasonInvalidState, "session %s is not cancelled", sessionID)
		}

		flags := NotificationFlags{
			ConfirmationSent: current.ConfirmationSent,
			ReminderSent:     current.ReminderSent,
			CancellationSent: current.CancellationSent,
		}
		if flags.Sent(kind) {
			view, err := s.view(ctx, current)
			return view, false, err
		}

		next := current
		switch kind {
		case NotificationConfirmation:
			next.ConfirmationSent = true
		case NotificationReminder:
			next.ReminderSent = true
		case NotificationCancellation:
			next.CancellationSent = true
		}
		now := s.now()
		next.UpdatedAt = now

		event := NotificationMarked{
			EventHeader: EventHeader{ID: s.idGenerator(), ActorID: principal.UserID, OccurredAt: now},
			Type:        kind,
		}
		err = s.sessions.CommitSessionChange(ctx, persistence.SessionChange{
			Session:         next,
			ExpectedVersion: current.Version,
			Event:           encodeEvent(current.ID, event),
		})
		if errors.Is(err, persistence.ErrVersionConflict) && attempt < markSentAttempts {
			continue
		}
		if err != nil {
			return Session{}, false, mapRepoError(err)
		}

		committed, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return Session{}, false, mapRepoError(err)
		}
		view, err := s.view(ctx, committed)
		return view, true, err
	}
}

func (s *NotificationService) view(ctx context.Context, record persistence.Session) (Session, error) {
	views, err := sessionViews(ctx, s.sessions, []persistence.Session{record})
	if err != nil {
		return Session{}, err
	}
	return views[0], nil
}
