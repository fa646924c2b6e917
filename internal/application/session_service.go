package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/coaching-scheduler/internal/keylock"
	"github.com/example/coaching-scheduler/internal/observability"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// MaxSessionMinutes bounds the length of a single session.
const MaxSessionMinutes = 8 * 60

// AvailabilityChecker answers conflict and slot queries for the lifecycle manager.
type AvailabilityChecker interface {
	Conflicts(ctx context.Context, q ConflictQuery) ([]Interval, error)
	AvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error)
}

// CreateSessionInput describes a session to book.
type CreateSessionInput struct {
	CoachID         string
	ClientID        string
	Start           time.Time
	DurationMinutes int
	Timezone        string
}

// CancelInput describes a cancellation request.
type CancelInput struct {
	SessionID  string
	Reason     CancellationReason
	ReasonText string
}

// RescheduleInput describes a move of a session to a new start.
type RescheduleInput struct {
	SessionID string
	NewStart  time.Time
	Reason    string
}

// AvailableSlotsInput describes a slot search around an existing session.
type AvailableSlotsInput struct {
	SessionID string
	From      time.Time
	To        time.Time
	// DurationMinutes defaults to the session's own duration.
	DurationMinutes int
	// Enumerate defaults to true.
	Enumerate *bool
	Timezone  string
}

// SessionService manages the lifecycle of coaching sessions. Mutations of one
// session are serialized with a keyed lock and committed with an optimistic
// version check.
type SessionService struct {
	sessions     persistence.SessionRepository
	availability AvailabilityChecker
	locker       keylock.Locker
	authorizer   Authorizer
	idGenerator  func() string
	now          func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewSessionService wires dependencies for lifecycle operations.
func NewSessionService(sessions persistence.SessionRepository, availability AvailabilityChecker, locker keylock.Locker, authorizer Authorizer, idGenerator func() string, now func() time.Time, logger *slog.Logger) *SessionService {
	if locker == nil {
		locker = keylock.NewLocal()
	}
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &SessionService{
		sessions:     sessions,
		availability: availability,
		locker:       locker,
		authorizer:   authorizerOrDefault(authorizer),
		idGenerator:  idGenerator,
		now:          now,
		logger:       defaultLogger(logger),
		tracer:       observability.Tracer("coaching-scheduler/application"),
	}
}

// CreateSession books a scheduled session after checking both parties are free.
func (s *SessionService) CreateSession(ctx context.Context, principal Principal, input CreateSessionInput) (Session, error) {
	if s == nil {
		return Session{}, fmt.Errorf("SessionService is nil")
	}
	ctx, span := s.tracer.Start(ctx, "SessionService.CreateSession")
	defer span.End()

	logger := serviceLogger(ctx, s.logger, "SessionService", "CreateSession",
		"coach_id", input.CoachID, "client_id", input.ClientID)

	session, err := s.createSession(ctx, principal, input)
	s.finish(ctx, span, logger, "create", err)
	if err != nil {
		return Session{}, err
	}
	span.SetAttributes(attribute.String("session.id", session.ID))
	return session, nil
}

func (s *SessionService) createSession(ctx context.Context, principal Principal, input CreateSessionInput) (Session, error) {
	now := s.now()
	input.CoachID = strings.TrimSpace(input.CoachID)
	input.ClientID = strings.TrimSpace(input.ClientID)

	vErr := &ValidationError{}
	if input.CoachID == "" {
		vErr.add("coach_id", "coach id is required")
	}
	if input.ClientID == "" {
		vErr.add("client_id", "client id is required")
	}
	if input.CoachID != "" && input.CoachID == input.ClientID {
		vErr.add("client_id", "client must differ from coach")
	}
	if input.Start.IsZero() {
		vErr.add("start", "start is required")
	} else if !input.Start.After(now) {
		vErr.add("start", "start must be in the future")
	}
	if input.DurationMinutes <= 0 || input.DurationMinutes > MaxSessionMinutes {
		vErr.add("duration_minutes", fmt.Sprintf("duration must be between 1 and %d minutes", MaxSessionMinutes))
	}
	if _, err := loadLocation(input.Timezone, time.UTC); err != nil {
		vErr.add("timezone", "unknown timezone")
	}
	if vErr.HasErrors() {
		return Session{}, vErr
	}

	if err := s.authorizer.Authorize(principal, CapabilityCreateSession, SessionResource(input.CoachID, input.ClientID)); err != nil {
		return Session{}, err
	}

	unlock, err := s.lockParties(ctx, input.CoachID, input.ClientID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	start := input.Start.UTC()
	end := start.Add(time.Duration(input.DurationMinutes) * time.Minute)
	if err := s.ensureFree(ctx, input.CoachID, input.ClientID, start, end, ""); err != nil {
		return Session{}, err
	}

	timezone := input.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	record := persistence.Session{
		ID:              s.idGenerator(),
		CoachID:         input.CoachID,
		ClientID:        input.ClientID,
		ScheduledStart:  start,
		ScheduledEnd:    end,
		Timezone:        timezone,
		DurationMinutes: input.DurationMinutes,
		Status:          string(StatusScheduled),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.sessions.CreateSession(ctx, record); err != nil {
		return Session{}, mapRepoError(err)
	}
	return projectSession(record, []LifecycleEvent{}), nil
}

// GetSession returns a session with its full lifecycle history.
func (s *SessionService) GetSession(ctx context.Context, principal Principal, id string) (Session, error) {
	if s == nil {
		return Session{}, fmt.Errorf("SessionService is nil")
	}
	record, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return Session{}, mapRepoError(err)
	}
	if err := s.authorizer.Authorize(principal, CapabilityViewSession, SessionResource(record.CoachID, record.ClientID)); err != nil {
		return Session{}, err
	}
	return s.view(ctx, record)
}

// Cancel moves a non-terminal session to cancelled and arms the cancellation notice.
func (s *SessionService) Cancel(ctx context.Context, principal Principal, input CancelInput) (Session, error) {
	vErr := &ValidationError{}
	if !input.Reason.Valid() {
		vErr.add("reason", "reason must be one of the supported cancellation reasons")
	}
	if tooLong(input.ReasonText) {
		vErr.add("reason_text", fmt.Sprintf("reason text must be at most %d characters", MaxReasonLength))
	}

	return s.mutate(ctx, principal, input.SessionID, vErr, transition{
		operation:  "cancel",
		capability: CapabilityManageSession,
		apply: func(_ context.Context, current persistence.Session, header EventHeader) (persistence.Session, LifecycleEvent, error) {
			status := SessionStatus(current.Status)
			if status.Terminal() {
				return current, nil, conflict(ReasonInvalidState, "session is already %s", status)
			}
			next := current
			next.Status = string(StatusCancelled)
			next.CancellationSent = false
			return next, Cancelled{EventHeader: header, Reason: input.Reason, ReasonText: input.ReasonText}, nil
		},
	})
}

// Reschedule moves a scheduled session to a new start, keeping its duration.
// The new interval must be free for both parties, ignoring the session itself.
func (s *SessionService) Reschedule(ctx context.Context, principal Principal, input RescheduleInput) (Session, error) {
	reason := strings.TrimSpace(input.Reason)
	vErr := &ValidationError{}
	switch {
	case input.NewStart.IsZero():
		vErr.add("new_date", "new date is required")
	case !input.NewStart.After(s.now()):
		vErr.add("new_date", "new date must be in the future")
	}
	switch {
	case reason == "":
		vErr.add("reason", "reason is required")
	case tooLong(reason):
		vErr.add("reason", fmt.Sprintf("reason must be at most %d characters", MaxReasonLength))
	}

	return s.mutate(ctx, principal, input.SessionID, vErr, transition{
		operation:  "reschedule",
		capability: CapabilityManageSession,
		books:      true,
		apply: func(ctx context.Context, current persistence.Session, header EventHeader) (persistence.Session, LifecycleEvent, error) {
			status := SessionStatus(current.Status)
			if status != StatusScheduled && status != StatusRescheduled {
				return current, nil, conflict(ReasonInvalidState, "only scheduled sessions can be rescheduled, session is %s", status)
			}

			newStart := input.NewStart.UTC()
			newEnd := newStart.Add(current.ScheduledEnd.Sub(current.ScheduledStart))
			if err := s.ensureFree(ctx, current.CoachID, current.ClientID, newStart, newEnd, current.ID); err != nil {
				return current, nil, err
			}

			next := current
			next.ScheduledStart = newStart
			next.ScheduledEnd = newEnd
			next.Status = string(StatusScheduled)
			next.ConfirmationSent = false
			next.ReminderSent = false
			next.CancellationSent = false
			return next, Rescheduled{
				EventHeader:   header,
				PreviousStart: current.ScheduledStart,
				PreviousEnd:   current.ScheduledEnd,
				NewStart:      newStart,
				NewEnd:        newEnd,
				Reason:        reason,
			}, nil
		},
	})
}

// Start marks a scheduled session as in progress.
func (s *SessionService) Start(ctx context.Context, principal Principal, sessionID string) (Session, error) {
	return s.changeStatus(ctx, principal, sessionID, "start", StatusInProgress, StatusScheduled, StatusRescheduled)
}

// Complete marks an in-progress session as completed.
func (s *SessionService) Complete(ctx context.Context, principal Principal, sessionID string) (Session, error) {
	return s.changeStatus(ctx, principal, sessionID, "complete", StatusCompleted, StatusInProgress)
}

// MarkNoShow records that the client did not attend a scheduled session.
func (s *SessionService) MarkNoShow(ctx context.Context, principal Principal, sessionID string) (Session, error) {
	return s.changeStatus(ctx, principal, sessionID, "no_show", StatusNoShow, StatusScheduled, StatusRescheduled)
}

func (s *SessionService) changeStatus(ctx context.Context, principal Principal, sessionID, operation string, to SessionStatus, from ...SessionStatus) (Session, error) {
	return s.mutate(ctx, principal, sessionID, nil, transition{
		operation:  operation,
		capability: CapabilityConductSession,
		apply: func(_ context.Context, current persistence.Session, header EventHeader) (persistence.Session, LifecycleEvent, error) {
			status := SessionStatus(current.Status)
			allowed := false
			for _, candidate := range from {
				if status == candidate {
					allowed = true
					break
				}
			}
			if !allowed {
				return current, nil, conflict(ReasonInvalidState, "cannot move session from %s to %s", status, to)
			}
			next := current
			next.Status = string(to)
			return next, StatusChanged{EventHeader: header, From: status, To: to}, nil
		},
	})
}

// AvailableSlots lists slots free for both parties of the session, ignoring
// the session's own interval.
func (s *SessionService) AvailableSlots(ctx context.Context, principal Principal, input AvailableSlotsInput) ([]Slot, error) {
	if s == nil {
		return nil, fmt.Errorf("SessionService is nil")
	}
	record, err := s.sessions.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	if err := s.authorizer.Authorize(principal, CapabilityViewSession, SessionResource(record.CoachID, record.ClientID)); err != nil {
		return nil, err
	}

	vErr := &ValidationError{}
	duration := input.DurationMinutes
	if duration == 0 {
		duration = record.DurationMinutes
	}
	if duration <= 0 || duration > MaxSessionMinutes {
		vErr.add("duration", fmt.Sprintf("duration must be between 1 and %d minutes", MaxSessionMinutes))
	}
	loc, err := loadLocation(input.Timezone, nil)
	if err != nil {
		vErr.add("timezone", "unknown timezone")
	}
	if vErr.HasErrors() {
		return nil, vErr
	}
	if input.Timezone == "" {
		loc = nil
	}

	enumerate := true
	if input.Enumerate != nil {
		enumerate = *input.Enumerate
	}

	return s.availability.AvailableSlots(ctx, SlotQuery{
		CoachID:          record.CoachID,
		ClientID:         record.ClientID,
		ExcludeSessionID: record.ID,
		WindowStart:      input.From,
		WindowEnd:        input.To,
		Duration:         time.Duration(duration) * time.Minute,
		Enumerate:        enumerate,
		Location:         loc,
	})
}

type transition struct {
	operation  string
	capability Capability
	// books holds the booking locks of both parties while apply runs.
	books bool
	apply func(ctx context.Context, current persistence.Session, header EventHeader) (persistence.Session, LifecycleEvent, error)
}

func (s *SessionService) mutate(ctx context.Context, principal Principal, sessionID string, vErr *ValidationError, t transition) (Session, error) {
	if s == nil {
		return Session{}, fmt.Errorf("SessionService is nil")
	}
	ctx, span := s.tracer.Start(ctx, "SessionService."+t.operation,
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	logger := serviceLogger(ctx, s.logger, "SessionService", t.operation,
		"session_id", sessionID, "actor_id", principal.UserID)

	session, err := s.commit(ctx, principal, sessionID, vErr, t)
	s.finish(ctx, span, logger, t.operation, err)
	return session, err
}

func (s *SessionService) commit(ctx context.Context, principal Principal, sessionID string, vErr *ValidationError, t transition) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		if vErr == nil {
			vErr = &ValidationError{}
		}
		vErr.add("session_id", "session id is required")
	}
	if vErr.HasErrors() {
		return Session{}, vErr
	}

	unlock, ok, err := s.locker.TryLock(ctx, sessionKey(sessionID))
	if err != nil {
		return Session{}, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return Session{}, conflict(ReasonConcurrentModification, "another change to session %s is in progress", sessionID)
	}
	defer unlock()

	current, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, mapRepoError(err)
	}
	if err := s.authorizer.Authorize(principal, t.capability, SessionResource(current.CoachID, current.ClientID)); err != nil {
		return Session{}, err
	}

	if t.books {
		release, err := s.lockParties(ctx, current.CoachID, current.ClientID)
		if err != nil {
			return Session{}, err
		}
		defer release()
	}

	now := s.now()
	header := EventHeader{ID: s.idGenerator(), ActorID: principal.UserID, OccurredAt: now}
	next, event, err := t.apply(ctx, current, header)
	if err != nil {
		return Session{}, err
	}
	next.UpdatedAt = now

	if err := s.sessions.CommitSessionChange(ctx, persistence.SessionChange{
		Session:         next,
		ExpectedVersion: current.Version,
		Event:           encodeEvent(current.ID, event),
	}); err != nil {
		return Session{}, mapRepoError(err)
	}

	committed, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, mapRepoError(err)
	}
	return s.view(ctx, committed)
}

func (s *SessionService) ensureFree(ctx context.Context, coachID, clientID string, start, end time.Time, excludeSessionID string) error {
	if s.availability == nil {
		return nil
	}
	conflicts, err := s.availability.Conflicts(ctx, ConflictQuery{
		CoachID:          coachID,
		ClientID:         clientID,
		Start:            start,
		End:              end,
		ExcludeSessionID: excludeSessionID,
	})
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	if len(conflicts) == 0 {
		return nil
	}
	return &ConflictError{
		Reason:    ReasonSlotUnavailable,
		Message:   fmt.Sprintf("%s to %s overlaps %d busy interval(s)", start.Format(time.RFC3339), end.Format(time.RFC3339), len(conflicts)),
		Intervals: conflicts,
	}
}

func (s *SessionService) view(ctx context.Context, record persistence.Session) (Session, error) {
	views, err := sessionViews(ctx, s.sessions, []persistence.Session{record})
	if err != nil {
		return Session{}, err
	}
	return views[0], nil
}

// SessionEventLister reads the lifecycle log.
type SessionEventLister interface {
	ListSessionEvents(ctx context.Context, filter persistence.SessionEventFilter) ([]persistence.SessionEvent, error)
}

// sessionViews projects snapshots together with their histories, loading
// every log in one query.
func sessionViews(ctx context.Context, events SessionEventLister, records []persistence.Session) ([]Session, error) {
	if len(records) == 0 {
		return []Session{}, nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	stored, err := events.ListSessionEvents(ctx, persistence.SessionEventFilter{SessionIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].SessionID != stored[j].SessionID {
			return stored[i].SessionID < stored[j].SessionID
		}
		return stored[i].Sequence < stored[j].Sequence
	})

	histories := make(map[string][]LifecycleEvent, len(records))
	for _, model := range stored {
		event, err := decodeEvent(model)
		if err != nil {
			return nil, err
		}
		histories[model.SessionID] = append(histories[model.SessionID], event)
	}

	views := make([]Session, 0, len(records))
	for _, record := range records {
		history := histories[record.ID]
		if history == nil {
			history = []LifecycleEvent{}
		}
		views = append(views, projectSession(record, history))
	}
	return views, nil
}

func (s *SessionService) finish(ctx context.Context, span trace.Span, logger *slog.Logger, operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	observability.RecordSessionTransition(operation, outcome)
	logOutcome(ctx, logger, err, "session "+operation)
}

func sessionKey(id string) string {
	return "session:" + id
}

func bookingKey(userID string) string {
	return "booking:" + userID
}

// lockParties takes the booking lock of every participant in key order so two
// bookings sharing a participant cannot deadlock.
func (s *SessionService) lockParties(ctx context.Context, userIDs ...string) (func(), error) {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, bookingKey(id))
	}
	sort.Strings(keys)
	keys = slices.Compact(keys)

	releases := make([]func(), 0, len(keys))
	unlock := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := s.locker.Lock(ctx, key)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("acquire booking lock %s: %w", key, err)
		}
		releases = append(releases, release)
	}
	return unlock, nil
}
