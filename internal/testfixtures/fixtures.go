package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

var (
	sessionCounter     uint64
	integrationCounter uint64
	eventCounter       uint64
)

var referenceTime = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// --------------------------- Session fixtures ----------------------------

// SessionFixture represents a deterministic coaching session.
type SessionFixture struct {
	ID               string
	CoachID          string
	ClientID         string
	Start            time.Time
	Duration         time.Duration
	Timezone         string
	Status           string
	ConfirmationSent bool
	ReminderSent     bool
	CancellationSent bool
	CreatedAt        time.Time
}

// SessionOption configures the generated session fixture.
type SessionOption func(*SessionFixture)

// NewSessionFixture returns a scheduled one-hour session a week after
// ReferenceTime, with optional overrides.
func NewSessionFixture(opts ...SessionOption) SessionFixture {
	idx := atomic.AddUint64(&sessionCounter, 1)
	fixture := SessionFixture{
		ID:        fmt.Sprintf("session-%03d", idx),
		CoachID:   "coach-1",
		ClientID:  "client-1",
		Start:     referenceTime.Add(7*24*time.Hour + time.Duration(idx)*2*time.Hour),
		Duration:  time.Hour,
		Timezone:  "UTC",
		Status:    "scheduled",
		CreatedAt: referenceTime,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) SessionOption {
	return func(f *SessionFixture) {
		f.ID = id
	}
}

// WithParticipants sets the coach and client.
func WithParticipants(coachID, clientID string) SessionOption {
	return func(f *SessionFixture) {
		f.CoachID = coachID
		f.ClientID = clientID
	}
}

// WithSessionTime sets the start and duration.
func WithSessionTime(start time.Time, duration time.Duration) SessionOption {
	return func(f *SessionFixture) {
		f.Start = start
		f.Duration = duration
	}
}

// WithSessionStatus overrides the status.
func WithSessionStatus(status string) SessionOption {
	return func(f *SessionFixture) {
		f.Status = status
	}
}

// WithSessionCreatedAt sets the creation timestamp.
func WithSessionCreatedAt(t time.Time) SessionOption {
	return func(f *SessionFixture) {
		f.CreatedAt = t
	}
}

// WithNotificationFlags sets the three notification flags.
func WithNotificationFlags(confirmation, reminder, cancellation bool) SessionOption {
	return func(f *SessionFixture) {
		f.ConfirmationSent = confirmation
		f.ReminderSent = reminder
		f.CancellationSent = cancellation
	}
}

// Persistence returns the fixture as a persistence.Session value.
func (f SessionFixture) Persistence() persistence.Session {
	return persistence.Session{
		ID:               f.ID,
		CoachID:          f.CoachID,
		ClientID:         f.ClientID,
		ScheduledStart:   f.Start,
		ScheduledEnd:     f.Start.Add(f.Duration),
		Timezone:         f.Timezone,
		DurationMinutes:  int(f.Duration / time.Minute),
		Status:           f.Status,
		ConfirmationSent: f.ConfirmationSent,
		ReminderSent:     f.ReminderSent,
		CancellationSent: f.CancellationSent,
		Version:          1,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.CreatedAt,
	}
}

// ------------------------- Integration fixtures --------------------------

// IntegrationFixture represents a deterministic calendar integration.
type IntegrationFixture struct {
	ID          string
	UserID      string
	Provider    string
	Credentials persistence.Credentials
	CalendarID  string
	IsActive    bool
	SyncEnabled bool
	CreatedAt   time.Time
}

// IntegrationOption configures the generated integration fixture.
type IntegrationOption func(*IntegrationFixture)

// NewIntegrationFixture returns an active google integration for coach-1
// whose token is valid for a day after ReferenceTime.
func NewIntegrationFixture(opts ...IntegrationOption) IntegrationFixture {
	idx := atomic.AddUint64(&integrationCounter, 1)
	fixture := IntegrationFixture{
		ID:       fmt.Sprintf("integration-%03d", idx),
		UserID:   "coach-1",
		Provider: "google",
		Credentials: persistence.Credentials{
			AccessToken:  fmt.Sprintf("access-%03d", idx),
			RefreshToken: fmt.Sprintf("refresh-%03d", idx),
			Expiry:       referenceTime.Add(24 * time.Hour),
		},
		CalendarID:  "primary",
		IsActive:    true,
		SyncEnabled: true,
		CreatedAt:   referenceTime.Add(time.Duration(idx) * time.Minute),
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithIntegrationID overrides the generated integration ID.
func WithIntegrationID(id string) IntegrationOption {
	return func(f *IntegrationFixture) {
		f.ID = id
	}
}

// WithIntegrationOwner sets the user and provider.
func WithIntegrationOwner(userID, provider string) IntegrationOption {
	return func(f *IntegrationFixture) {
		f.UserID = userID
		f.Provider = provider
	}
}

// WithTokenExpiry sets the access token expiry.
func WithTokenExpiry(expiry time.Time) IntegrationOption {
	return func(f *IntegrationFixture) {
		f.Credentials.Expiry = expiry
	}
}

// WithIntegrationActive sets the active flag.
func WithIntegrationActive(active bool) IntegrationOption {
	return func(f *IntegrationFixture) {
		f.IsActive = active
	}
}

// Persistence returns the fixture as a persistence.CalendarIntegration value.
func (f IntegrationFixture) Persistence() persistence.CalendarIntegration {
	return persistence.CalendarIntegration{
		ID:          f.ID,
		UserID:      f.UserID,
		Provider:    f.Provider,
		Credentials: f.Credentials,
		CalendarID:  f.CalendarID,
		IsActive:    f.IsActive,
		SyncEnabled: f.SyncEnabled,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.CreatedAt,
	}
}

// ---------------------------- Event fixtures -----------------------------

// EventFixture represents a deterministic calendar event mirror.
type EventFixture struct {
	ID              string
	IntegrationID   string
	ProviderEventID string
	Title           string
	Start           time.Time
	End             time.Time
	AllDay          bool
	RecurrenceRule  string
	SessionID       *string
	Blocked         bool
}

// EventOption configures the generated event fixture.
type EventOption func(*EventFixture)

// NewEventFixture returns a one-hour blocked event.
func NewEventFixture(integrationID string, opts ...EventOption) EventFixture {
	idx := atomic.AddUint64(&eventCounter, 1)
	start := referenceTime.Add(7*24*time.Hour + time.Duration(idx)*time.Hour)
	fixture := EventFixture{
		ID:              fmt.Sprintf("event-%03d", idx),
		IntegrationID:   integrationID,
		ProviderEventID: fmt.Sprintf("remote-%03d", idx),
		Title:           fmt.Sprintf("Busy %03d", idx),
		Start:           start,
		End:             start.Add(time.Hour),
		Blocked:         true,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithEventTime sets the event interval.
func WithEventTime(start, end time.Time) EventOption {
	return func(f *EventFixture) {
		f.Start = start
		f.End = end
	}
}

// WithProviderEventID overrides the provider id.
func WithProviderEventID(id string) EventOption {
	return func(f *EventFixture) {
		f.ProviderEventID = id
	}
}

// WithAllDay marks the event as all-day.
func WithAllDay() EventOption {
	return func(f *EventFixture) {
		f.AllDay = true
	}
}

// WithRecurrence sets an RRULE.
func WithRecurrence(rule string) EventOption {
	return func(f *EventFixture) {
		f.RecurrenceRule = rule
	}
}

// WithCoachingSession links the event to a session; it is no longer blocked time.
func WithCoachingSession(sessionID string) EventOption {
	return func(f *EventFixture) {
		id := sessionID
		f.SessionID = &id
		f.Blocked = false
	}
}

// Persistence returns the fixture as a persistence.CalendarEvent value.
func (f EventFixture) Persistence() persistence.CalendarEvent {
	event := persistence.CalendarEvent{
		ID:                f.ID,
		IntegrationID:     f.IntegrationID,
		ProviderEventID:   f.ProviderEventID,
		Title:             f.Title,
		Start:             f.Start,
		End:               f.End,
		Timezone:          "UTC",
		IsAllDay:          f.AllDay,
		RecurrenceRule:    f.RecurrenceRule,
		Status:            "confirmed",
		IsCoachingSession: f.SessionID != nil,
		IsBlocked:         f.Blocked,
		SyncStatus:        "synced",
		CreatedAt:         referenceTime,
		UpdatedAt:         referenceTime,
	}
	if f.SessionID != nil {
		id := *f.SessionID
		event.SessionID = &id
	}
	return event
}
