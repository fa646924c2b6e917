package persistence

import (
	"context"
	"slices"
	"time"
)

// SessionFilter narrows session queries. Zero values match everything.
type SessionFilter struct {
	IDs []string
	// ParticipantIDs matches sessions whose coach or client is listed.
	ParticipantIDs []string
	Statuses       []string
	StartsBefore   *time.Time
	EndsAfter      *time.Time
}

// Matches reports whether session satisfies the filter.
func (f SessionFilter) Matches(session Session) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, session.ID) {
		return false
	}
	if len(f.ParticipantIDs) > 0 &&
		!slices.Contains(f.ParticipantIDs, session.CoachID) &&
		!slices.Contains(f.ParticipantIDs, session.ClientID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, session.Status) {
		return false
	}
	if f.StartsBefore != nil && !session.ScheduledStart.Before(*f.StartsBefore) {
		return false
	}
	if f.EndsAfter != nil && !session.ScheduledEnd.After(*f.EndsAfter) {
		return false
	}
	return true
}

// SessionEventFilter narrows lifecycle log queries.
type SessionEventFilter struct {
	SessionIDs []string
	Kinds      []string
	Since      *time.Time
}

// Matches reports whether event satisfies the filter.
func (f SessionEventFilter) Matches(event SessionEvent) bool {
	if len(f.SessionIDs) > 0 && !slices.Contains(f.SessionIDs, event.SessionID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if f.Since != nil && event.OccurredAt.Before(*f.Since) {
		return false
	}
	return true
}

// SessionRepository stores session snapshots and their lifecycle log.
// Snapshots change only through CommitSessionChange; past events are never
// edited or removed.
type SessionRepository interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	CommitSessionChange(ctx context.Context, change SessionChange) error
	ListSessionEvents(ctx context.Context, filter SessionEventFilter) ([]SessionEvent, error)
}

// IntegrationFilter narrows integration queries.
type IntegrationFilter struct {
	UserIDs         []string
	Provider        string
	ActiveOnly      bool
	SyncEnabledOnly bool
}

// Matches reports whether integration satisfies the filter.
func (f IntegrationFilter) Matches(integration CalendarIntegration) bool {
	if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, integration.UserID) {
		return false
	}
	if f.Provider != "" && integration.Provider != f.Provider {
		return false
	}
	if f.ActiveOnly && !integration.IsActive {
		return false
	}
	if f.SyncEnabledOnly && !integration.SyncEnabled {
		return false
	}
	return true
}

// IntegrationRepository stores calendar integrations. At most one active
// integration may exist per user and provider; violations return ErrDuplicate.
type IntegrationRepository interface {
	CreateIntegration(ctx context.Context, integration CalendarIntegration) error
	UpdateIntegration(ctx context.Context, integration CalendarIntegration) error
	GetIntegration(ctx context.Context, id string) (CalendarIntegration, error)
	ListIntegrations(ctx context.Context, filter IntegrationFilter) ([]CalendarIntegration, error)
}

// EventFilter narrows calendar event queries.
type EventFilter struct {
	IntegrationIDs []string
	SessionIDs     []string
	// From and To select events overlapping [From, To).
	From       *time.Time
	To         *time.Time
	Coaching   *bool
	Blocked    *bool
	SyncStatus string
}

// Matches reports whether event satisfies the filter.
func (f EventFilter) Matches(event CalendarEvent) bool {
	if len(f.IntegrationIDs) > 0 && !slices.Contains(f.IntegrationIDs, event.IntegrationID) {
		return false
	}
	if len(f.SessionIDs) > 0 && (event.SessionID == nil || !slices.Contains(f.SessionIDs, *event.SessionID)) {
		return false
	}
	if f.From != nil && !event.End.After(*f.From) && event.RecurrenceRule == "" {
		return false
	}
	if f.To != nil && !event.Start.Before(*f.To) {
		return false
	}
	if f.Coaching != nil && event.IsCoachingSession != *f.Coaching {
		return false
	}
	if f.Blocked != nil && event.IsBlocked != *f.Blocked {
		return false
	}
	if f.SyncStatus != "" && event.SyncStatus != f.SyncStatus {
		return false
	}
	return true
}

// EventRepository stores local mirrors of provider events. The pair
// (IntegrationID, ProviderEventID) is unique.
type EventRepository interface {
	CreateEvent(ctx context.Context, event CalendarEvent) error
	UpdateEvent(ctx context.Context, event CalendarEvent) error
	GetEvent(ctx context.Context, id string) (CalendarEvent, error)
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context, filter EventFilter) ([]CalendarEvent, error)
}

// SyncLogRepository stores sync run records.
type SyncLogRepository interface {
	AppendSyncLog(ctx context.Context, log SyncLog) error
	// ListSyncLogs returns the newest logs first. A non-positive limit means no limit.
	ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]SyncLog, error)
}
