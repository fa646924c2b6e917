package persistence

import "time"

// Session is the stored snapshot of a coaching session.
type Session struct {
	ID               string
	CoachID          string
	ClientID         string
	ScheduledStart   time.Time
	ScheduledEnd     time.Time
	Timezone         string
	DurationMinutes  int
	Status           string
	ConfirmationSent bool
	ReminderSent     bool
	CancellationSent bool
	// Version increases by one with every committed lifecycle event.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session event kinds.
const (
	EventKindCancelled          = "cancelled"
	EventKindRescheduled        = "rescheduled"
	EventKindStatusChanged      = "status_changed"
	EventKindNotificationMarked = "notification_marked"
)

// SessionEvent is one append-only entry in a session's lifecycle log.
// Only the fields relevant to Kind are populated.
type SessionEvent struct {
	ID        string
	SessionID string
	// Sequence equals the session version produced by this event.
	Sequence   int64
	Kind       string
	ActorID    string
	OccurredAt time.Time

	Reason     string
	ReasonText string

	PreviousStart *time.Time
	PreviousEnd   *time.Time
	NewStart      *time.Time
	NewEnd        *time.Time

	FromStatus string
	ToStatus   string

	NotificationType string
}

// SessionChange commits a new snapshot together with the event that produced it.
type SessionChange struct {
	Session         Session
	ExpectedVersion int64
	Event           SessionEvent
}

// Credentials are the provider secrets of an integration.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Username     string
	Password     string
}

// SyncError describes one failure recorded by a sync run.
type SyncError struct {
	ProviderEventID string
	SessionID       string
	Operation       string
	Message         string
	Retryable       bool
	OccurredAt      time.Time
}

// CalendarIntegration is a user's connection to one external provider.
type CalendarIntegration struct {
	ID           string
	UserID       string
	Provider     string
	Credentials  Credentials
	CalendarID   string
	CalendarName string
	IsActive     bool
	SyncEnabled  bool
	LastSyncAt   *time.Time
	SyncErrors   []SyncError
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CalendarEvent is the local mirror of a provider event.
type CalendarEvent struct {
	ID                string
	IntegrationID     string
	ProviderEventID   string
	Title             string
	Description       string
	Start             time.Time
	End               time.Time
	Timezone          string
	IsAllDay          bool
	Location          string
	RecurrenceRule    string
	Status            string
	SessionID         *string
	IsCoachingSession bool
	IsBlocked         bool
	SyncStatus        string
	SyncErrors        []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SyncLog records one reconciliation run.
type SyncLog struct {
	ID              string
	IntegrationID   string
	SyncType        string
	Direction       string
	Status          string
	EventsProcessed int
	EventsCreated   int
	EventsUpdated   int
	EventsDeleted   int
	Errors          []SyncError
	StartedAt       time.Time
	CompletedAt     time.Time
	Duration        time.Duration
}
