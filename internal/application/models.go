package application

import (
	"fmt"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

// Role is the platform role of a principal.
type Role string

const (
	RoleCoach  Role = "coach"
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Principal represents the authenticated user invoking a service method.
type Principal struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SystemPrincipal is used by background jobs.
var SystemPrincipal = Principal{UserID: "system", Role: RoleAdmin}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusScheduled   SessionStatus = "scheduled"
	StatusInProgress  SessionStatus = "in_progress"
	StatusCompleted   SessionStatus = "completed"
	StatusCancelled   SessionStatus = "cancelled"
	StatusRescheduled SessionStatus = "rescheduled"
	StatusNoShow      SessionStatus = "no_show"
)

// Terminal reports whether no lifecycle transition may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CancellationReason classifies why a session was cancelled.
type CancellationReason string

const (
	ReasonCoachEmergency     CancellationReason = "coach_emergency"
	ReasonClientRequest      CancellationReason = "client_request"
	ReasonIllness            CancellationReason = "illness"
	ReasonSchedulingConflict CancellationReason = "scheduling_conflict"
	ReasonTechnicalIssues    CancellationReason = "technical_issues"
	ReasonWeather            CancellationReason = "weather"
	ReasonPersonalEmergency  CancellationReason = "personal_emergency"
	ReasonOther              CancellationReason = "other"
)

// CancellationReasons lists every accepted reason in display order.
var CancellationReasons = []CancellationReason{
	ReasonCoachEmergency,
	ReasonClientRequest,
	ReasonIllness,
	ReasonSchedulingConflict,
	ReasonTechnicalIssues,
	ReasonWeather,
	ReasonPersonalEmergency,
	ReasonOther,
}

// Valid reports whether the reason is one of CancellationReasons.
func (r CancellationReason) Valid() bool {
	for _, known := range CancellationReasons {
		if r == known {
			return true
		}
	}
	return false
}

// MaxReasonLength bounds free-text reasons, counted in characters.
const MaxReasonLength = 500

// NotificationType names one of the per-session notifications.
type NotificationType string

const (
	NotificationConfirmation NotificationType = "confirmation"
	NotificationReminder     NotificationType = "reminder"
	NotificationCancellation NotificationType = "cancellation"
)

// ParseNotificationType validates a notification type.
func ParseNotificationType(value string) (NotificationType, error) {
	switch t := NotificationType(value); t {
	case NotificationConfirmation, NotificationReminder, NotificationCancellation:
		return t, nil
	default:
		return "", validationFailure("type", "must be one of confirmation, reminder, cancellation")
	}
}

// NotificationFlags records which notifications were sent in the current episode.
type NotificationFlags struct {
	ConfirmationSent bool
	ReminderSent     bool
	CancellationSent bool
}

// Sent reports the flag for a notification type.
func (f NotificationFlags) Sent(t NotificationType) bool {
	switch t {
	case NotificationConfirmation:
		return f.ConfirmationSent
	case NotificationReminder:
		return f.ReminderSent
	case NotificationCancellation:
		return f.CancellationSent
	default:
		return false
	}
}

// CancellationInfo is present only on cancelled sessions.
type CancellationInfo struct {
	Reason      CancellationReason
	ReasonText  string
	CancelledBy string
	CancelledAt time.Time
}

// ReschedulingEntry is one move of a session.
type ReschedulingEntry struct {
	PreviousStart time.Time
	PreviousEnd   time.Time
	NewStart      time.Time
	NewEnd        time.Time
	Reason        string
	RescheduledBy string
	RescheduledAt time.Time
}

// Session is a booked coaching engagement with its lifecycle projections.
type Session struct {
	ID              string
	CoachID         string
	ClientID        string
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
	Timezone        string
	DurationMinutes int
	Status          SessionStatus
	Cancellation    *CancellationInfo
	Rescheduling    []ReschedulingEntry
	Notifications   NotificationFlags
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	History         []LifecycleEvent
}

// Participant reports whether the user is the session's coach or client.
func (s Session) Participant(userID string) bool {
	return userID != "" && (s.CoachID == userID || s.ClientID == userID)
}

// LifecycleEvent is one immutable entry in a session's history. The concrete
// types are Cancelled, Rescheduled, StatusChanged and NotificationMarked.
type LifecycleEvent interface {
	Kind() string
	Header() EventHeader
	isLifecycleEvent()
}

// EventHeader carries the fields every lifecycle event has.
type EventHeader struct {
	ID         string
	Sequence   int64
	ActorID    string
	OccurredAt time.Time
}

// Cancelled records a cancellation.
type Cancelled struct {
	EventHeader
	Reason     CancellationReason
	ReasonText string
}

// Rescheduled records a move to a new interval.
type Rescheduled struct {
	EventHeader
	PreviousStart time.Time
	PreviousEnd   time.Time
	NewStart      time.Time
	NewEnd        time.Time
	Reason        string
}

// StatusChanged records a start, completion or no-show transition.
type StatusChanged struct {
	EventHeader
	From SessionStatus
	To   SessionStatus
}

// NotificationMarked records that a notification was delivered.
type NotificationMarked struct {
	EventHeader
	Type NotificationType
}

func (Cancelled) Kind() string          { return persistence.EventKindCancelled }
func (Rescheduled) Kind() string        { return persistence.EventKindRescheduled }
func (StatusChanged) Kind() string      { return persistence.EventKindStatusChanged }
func (NotificationMarked) Kind() string { return persistence.EventKindNotificationMarked }

func (e Cancelled) Header() EventHeader          { return e.EventHeader }
func (e Rescheduled) Header() EventHeader        { return e.EventHeader }
func (e StatusChanged) Header() EventHeader      { return e.EventHeader }
func (e NotificationMarked) Header() EventHeader { return e.EventHeader }

func (Cancelled) isLifecycleEvent()          {}
func (Rescheduled) isLifecycleEvent()        {}
func (StatusChanged) isLifecycleEvent()      {}
func (NotificationMarked) isLifecycleEvent() {}

// Interval is a busy range reported to callers, for example in a ConflictError.
type Interval struct {
	Start  time.Time
	End    time.Time
	UserID string
	Source string
	RefID  string
}

// Slot is a free interval of the requested duration.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Integration is a calendar integration as exposed to callers; credentials
// never leave the service layer.
type Integration struct {
	ID           string
	UserID       string
	Provider     string
	CalendarID   string
	CalendarName string
	IsActive     bool
	SyncEnabled  bool
	LastSyncAt   *time.Time
	SyncErrors   []persistence.SyncError
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func toIntegration(model persistence.CalendarIntegration) Integration {
	return Integration{
		ID:           model.ID,
		UserID:       model.UserID,
		Provider:     model.Provider,
		CalendarID:   model.CalendarID,
		CalendarName: model.CalendarName,
		IsActive:     model.IsActive,
		SyncEnabled:  model.SyncEnabled,
		LastSyncAt:   model.LastSyncAt,
		SyncErrors:   model.SyncErrors,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

// decodeEvent converts a stored event into its typed form.
func decodeEvent(model persistence.SessionEvent) (LifecycleEvent, error) {
	header := EventHeader{
		ID:         model.ID,
		Sequence:   model.Sequence,
		ActorID:    model.ActorID,
		OccurredAt: model.OccurredAt,
	}
	switch model.Kind {
	case persistence.EventKindCancelled:
		return Cancelled{EventHeader: header, Reason: CancellationReason(model.Reason), ReasonText: model.ReasonText}, nil
	case persistence.EventKindRescheduled:
		e := Rescheduled{EventHeader: header, Reason: model.Reason}
		e.PreviousStart = derefTime(model.PreviousStart)
		e.PreviousEnd = derefTime(model.PreviousEnd)
		e.NewStart = derefTime(model.NewStart)
		e.NewEnd = derefTime(model.NewEnd)
		return e, nil
	case persistence.EventKindStatusChanged:
		return StatusChanged{EventHeader: header, From: SessionStatus(model.FromStatus), To: SessionStatus(model.ToStatus)}, nil
	case persistence.EventKindNotificationMarked:
		return NotificationMarked{EventHeader: header, Type: NotificationType(model.NotificationType)}, nil
	default:
		return nil, fmt.Errorf("unknown session event kind %q", model.Kind)
	}
}

// encodeEvent converts a typed event into its stored form.
func encodeEvent(sessionID string, event LifecycleEvent) persistence.SessionEvent {
	h := event.Header()
	model := persistence.SessionEvent{
		ID:         h.ID,
		SessionID:  sessionID,
		Sequence:   h.Sequence,
		Kind:       event.Kind(),
		ActorID:    h.ActorID,
		OccurredAt: h.OccurredAt,
	}
	switch e := event.(type) {
	case Cancelled:
		model.Reason = string(e.Reason)
		model.ReasonText = e.ReasonText
	case Rescheduled:
		model.Reason = e.Reason
		model.PreviousStart = timePtr(e.PreviousStart)
		model.PreviousEnd = timePtr(e.PreviousEnd)
		model.NewStart = timePtr(e.NewStart)
		model.NewEnd = timePtr(e.NewEnd)
	case StatusChanged:
		model.FromStatus = string(e.From)
		model.ToStatus = string(e.To)
	case NotificationMarked:
		model.NotificationType = string(e.Type)
	}
	return model
}

// projectSession builds the caller view of a snapshot and its ordered history.
func projectSession(model persistence.Session, history []LifecycleEvent) Session {
	session := Session{
		ID:              model.ID,
		CoachID:         model.CoachID,
		ClientID:        model.ClientID,
		ScheduledStart:  model.ScheduledStart,
		ScheduledEnd:    model.ScheduledEnd,
		Timezone:        model.Timezone,
		DurationMinutes: model.DurationMinutes,
		Status:          SessionStatus(model.Status),
		Notifications: NotificationFlags{
			ConfirmationSent: model.ConfirmationSent,
			ReminderSent:     model.ReminderSent,
			CancellationSent: model.CancellationSent,
		},
		Version:   model.Version,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
		History:   history,
	}

	for _, event := range history {
		switch e := event.(type) {
		case Cancelled:
			session.Cancellation = &CancellationInfo{
				Reason:      e.Reason,
				ReasonText:  e.ReasonText,
				CancelledBy: e.ActorID,
				CancelledAt: e.OccurredAt,
			}
		case Rescheduled:
			session.Rescheduling = append(session.Rescheduling, ReschedulingEntry{
				PreviousStart: e.PreviousStart,
				PreviousEnd:   e.PreviousEnd,
				NewStart:      e.NewStart,
				NewEnd:        e.NewEnd,
				Reason:        e.Reason,
				RescheduledBy: e.ActorID,
				RescheduledAt: e.OccurredAt,
			})
		}
	}
	if session.Status != StatusCancelled {
		session.Cancellation = nil
	}
	return session
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	return &t
}
