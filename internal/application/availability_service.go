package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/calsync"
	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/recurrence"
	"github.com/example/coaching-scheduler/internal/scheduler"
)

// MaxSlotWindow bounds slot searches.
const MaxSlotWindow = 92 * 24 * time.Hour

// SessionLister lists session snapshots.
type SessionLister interface {
	ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error)
}

// IntegrationLister lists calendar integrations.
type IntegrationLister interface {
	ListIntegrations(ctx context.Context, filter persistence.IntegrationFilter) ([]persistence.CalendarIntegration, error)
}

// EventLister lists local calendar event mirrors.
type EventLister interface {
	ListEvents(ctx context.Context, filter persistence.EventFilter) ([]persistence.CalendarEvent, error)
}

// RemoteEventSource reads live provider events for an integration.
type RemoteEventSource interface {
	FetchEvents(ctx context.Context, integration persistence.CalendarIntegration, window calendar.Window) ([]calendar.Event, error)
}

// AvailabilityConfig tunes busy time resolution.
type AvailabilityConfig struct {
	// Location normalizes busy intervals and anchors all-day events without a timezone.
	Location *time.Location
	// MinGap is kept free on both sides of busy intervals when computing slots.
	MinGap time.Duration
	// Remote enables fresh pulls when a query asks for them.
	Remote RemoteEventSource
}

// AvailabilityService merges busy time from sessions and calendar mirrors and
// derives free slots. It never writes.
type AvailabilityService struct {
	sessions     SessionLister
	integrations IntegrationLister
	events       EventLister
	remote       RemoteEventSource
	location     *time.Location
	minGap       time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewAvailabilityService wires the read dependencies of the resolver.
func NewAvailabilityService(sessions SessionLister, integrations IntegrationLister, events EventLister, cfg AvailabilityConfig, now func() time.Time, logger *slog.Logger) *AvailabilityService {
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityService{
		sessions:     sessions,
		integrations: integrations,
		events:       events,
		remote:       cfg.Remote,
		location:     loc,
		minGap:       cfg.MinGap,
		now:          now,
		logger:       defaultLogger(logger),
	}
}

// BusyQuery selects the busy time of a set of users inside a window.
type BusyQuery struct {
	UserIDs          []string
	WindowStart      time.Time
	WindowEnd        time.Time
	ExcludeSessionID string
	FreshPull        bool
}

// SlotQuery describes a free slot search for a coach and client.
type SlotQuery struct {
	CoachID          string
	ClientID         string
	ExcludeSessionID string
	WindowStart      time.Time
	WindowEnd        time.Time
	Duration         time.Duration
	// Enumerate emits every back-to-back slot of each gap instead of the earliest fit.
	Enumerate bool
	Location  *time.Location
	FreshPull bool
}

// ConflictQuery checks a candidate interval for a coach and client.
type ConflictQuery struct {
	CoachID          string
	ClientID         string
	Start            time.Time
	End              time.Time
	ExcludeSessionID string
	FreshPull        bool
}

// BusyIntervals returns every busy interval of the users that overlaps the
// window, ordered by start.
func (s *AvailabilityService) BusyIntervals(ctx context.Context, q BusyQuery) ([]Interval, error) {
	busy, err := s.busy(ctx, q)
	if err != nil {
		return nil, err
	}
	window := scheduler.Interval{Start: q.WindowStart, End: q.WindowEnd}
	return toIntervals(scheduler.DetectConflicts(busy, window)), nil
}

// Conflicts returns the busy intervals of either party that overlap the
// candidate, ignoring the excluded session. Busy time closer to the candidate
// than the minimum gap counts as a conflict.
func (s *AvailabilityService) Conflicts(ctx context.Context, q ConflictQuery) ([]Interval, error) {
	candidate := scheduler.Interval{Start: q.Start, End: q.End}
	if candidate.Empty() {
		return nil, nil
	}
	if s.minGap > 0 {
		candidate.Start = candidate.Start.Add(-s.minGap)
		candidate.End = candidate.End.Add(s.minGap)
	}
	busy, err := s.busy(ctx, BusyQuery{
		UserIDs:          []string{q.CoachID, q.ClientID},
		WindowStart:      candidate.Start,
		WindowEnd:        candidate.End,
		ExcludeSessionID: q.ExcludeSessionID,
		FreshPull:        q.FreshPull,
	})
	if err != nil {
		return nil, err
	}
	return toIntervals(scheduler.DetectConflicts(busy, candidate, q.ExcludeSessionID)), nil
}

// AvailableSlots lists slots of exactly q.Duration inside the window that are
// free for both parties. An empty window yields no slots.
func (s *AvailabilityService) AvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	vErr := &ValidationError{}
	if q.Duration <= 0 {
		vErr.add("duration", "duration must be positive")
	}
	if q.WindowStart.IsZero() {
		vErr.add("from_date", "from date is required")
	}
	if q.WindowEnd.IsZero() {
		vErr.add("to_date", "to date is required")
	}
	if !q.WindowStart.IsZero() && !q.WindowEnd.IsZero() {
		if q.WindowEnd.Before(q.WindowStart) {
			vErr.add("to_date", "to date must not be before from date")
		} else if q.WindowEnd.Sub(q.WindowStart) > MaxSlotWindow {
			vErr.add("to_date", "window must not exceed 92 days")
		}
	}
	if vErr.HasErrors() {
		return nil, vErr
	}

	window := scheduler.Interval{Start: q.WindowStart, End: q.WindowEnd}
	if window.Empty() {
		return []Slot{}, nil
	}

	busy, err := s.busy(ctx, BusyQuery{
		UserIDs:          []string{q.CoachID, q.ClientID},
		WindowStart:      q.WindowStart,
		WindowEnd:        q.WindowEnd,
		ExcludeSessionID: q.ExcludeSessionID,
		FreshPull:        q.FreshPull,
	})
	if err != nil {
		return nil, err
	}

	perParty := make(map[string][]scheduler.Interval)
	for _, iv := range busy {
		perParty[iv.UserID] = append(perParty[iv.UserID], iv)
	}
	sets := make([][]scheduler.Interval, 0, len(perParty))
	for _, intervals := range perParty {
		sets = append(sets, scheduler.Merge(intervals))
	}

	loc := q.Location
	if loc == nil {
		loc = s.location
	}
	raw := scheduler.Slots(window, scheduler.Union(sets...), scheduler.SlotOptions{
		Duration:  q.Duration,
		Enumerate: q.Enumerate,
		Buffer:    s.minGap,
		Location:  loc,
	})

	slots := make([]Slot, 0, len(raw))
	for _, slot := range raw {
		slots = append(slots, Slot{Start: slot.Start, End: slot.End})
	}
	return slots, nil
}

func (s *AvailabilityService) busy(ctx context.Context, q BusyQuery) ([]scheduler.Interval, error) {
	userIDs := uniqueStrings(q.UserIDs)
	if len(userIDs) == 0 || !q.WindowEnd.After(q.WindowStart) {
		return nil, nil
	}
	windowStart, windowEnd := q.WindowStart, q.WindowEnd

	sessions, err := s.sessions.ListSessions(ctx, persistence.SessionFilter{
		ParticipantIDs: userIDs,
		EndsAfter:      &windowStart,
		StartsBefore:   &windowEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.now()
	known := map[string]struct{}{}
	if q.ExcludeSessionID != "" {
		known[q.ExcludeSessionID] = struct{}{}
	}

	var busy []scheduler.Interval
	for _, session := range sessions {
		known[session.ID] = struct{}{}
		if session.ID == q.ExcludeSessionID || !sessionBlocksTime(session, now) {
			continue
		}
		for _, userID := range userIDs {
			if session.CoachID != userID && session.ClientID != userID {
				continue
			}
			busy = append(busy, scheduler.Interval{
				Start:  session.ScheduledStart,
				End:    session.ScheduledEnd,
				UserID: userID,
				Source: scheduler.SourceSession,
				RefID:  session.ID,
			})
		}
	}

	mirrors, err := s.calendarEvents(ctx, userIDs, q)
	if err != nil {
		return nil, err
	}

	if err := s.resolveKnownSessions(ctx, mirrors, known); err != nil {
		return nil, err
	}

	engine := recurrence.NewEngine(s.location)
	for _, m := range mirrors {
		busy = append(busy, s.eventIntervals(ctx, engine, m, known, windowStart, windowEnd)...)
	}

	for i := range busy {
		busy[i] = busy[i].In(s.location)
	}
	return busy, nil
}

type ownedEvent struct {
	userID string
	event  persistence.CalendarEvent
}

// calendarEvents loads the event mirrors of the users' active integrations,
// replacing them with live provider events when a fresh pull succeeds.
func (s *AvailabilityService) calendarEvents(ctx context.Context, userIDs []string, q BusyQuery) ([]ownedEvent, error) {
	if s.integrations == nil || s.events == nil {
		return nil, nil
	}
	integrations, err := s.integrations.ListIntegrations(ctx, persistence.IntegrationFilter{UserIDs: userIDs, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	if len(integrations) == 0 {
		return nil, nil
	}

	fresh := make([][]calendar.Event, len(integrations))
	pulled := make([]bool, len(integrations))
	if q.FreshPull && s.remote != nil {
		window := calendar.Window{Start: q.WindowStart, End: q.WindowEnd}
		var g errgroup.Group
		g.SetLimit(4)
		for i, integration := range integrations {
			g.Go(func() error {
				events, err := s.remote.FetchEvents(ctx, integration, window)
				if err != nil {
					serviceLogger(ctx, s.logger, "AvailabilityService", "FreshPull",
						"integration_id", integration.ID,
					).WarnContext(ctx, "fresh pull failed; using local mirrors", "error", err)
					return nil
				}
				fresh[i] = events
				pulled[i] = true
				return nil
			})
		}
		_ = g.Wait()
	}

	var out []ownedEvent
	from, to := q.WindowStart, q.WindowEnd
	for i, integration := range integrations {
		if pulled[i] {
			for _, remote := range fresh[i] {
				mirror := calsync.Mirror(integration.ID, remote)
				mirror.ID = remote.ProviderEventID
				out = append(out, ownedEvent{userID: integration.UserID, event: mirror})
			}
			continue
		}
		events, err := s.events.ListEvents(ctx, persistence.EventFilter{
			IntegrationIDs: []string{integration.ID},
			From:           &from,
			To:             &to,
		})
		if err != nil {
			return nil, fmt.Errorf("list calendar events: %w", err)
		}
		for _, event := range events {
			out = append(out, ownedEvent{userID: integration.UserID, event: event})
		}
	}
	return out, nil
}

// resolveKnownSessions marks linked sessions that exist locally outside the
// window so their mirrors are not counted twice.
func (s *AvailabilityService) resolveKnownSessions(ctx context.Context, mirrors []ownedEvent, known map[string]struct{}) error {
	var missing []string
	for _, m := range mirrors {
		if !m.event.IsCoachingSession || m.event.SessionID == nil {
			continue
		}
		if _, ok := known[*m.event.SessionID]; !ok {
			missing = append(missing, *m.event.SessionID)
		}
	}
	missing = uniqueStrings(missing)
	if len(missing) == 0 {
		return nil
	}
	found, err := s.sessions.ListSessions(ctx, persistence.SessionFilter{IDs: missing})
	if err != nil {
		return fmt.Errorf("resolve linked sessions: %w", err)
	}
	for _, session := range found {
		known[session.ID] = struct{}{}
	}
	return nil
}

func (s *AvailabilityService) eventIntervals(ctx context.Context, engine *recurrence.Engine, m ownedEvent, known map[string]struct{}, windowStart, windowEnd time.Time) []scheduler.Interval {
	event := m.event
	if event.Status == calendar.StatusCancelled {
		return nil
	}

	source := scheduler.SourceBlockedEvent
	refID := event.ID
	switch {
	case event.IsCoachingSession && event.SessionID != nil:
		if _, ok := known[*event.SessionID]; ok {
			return nil
		}
		source = scheduler.SourceCoachingEvent
		refID = *event.SessionID
	case !event.IsBlocked:
		return nil
	}

	loc := s.location
	if event.Timezone != "" {
		if eventLoc, err := time.LoadLocation(event.Timezone); err == nil {
			loc = eventLoc
		}
	}

	spans := [][2]time.Time{{event.Start, event.End}}
	if event.RecurrenceRule != "" {
		occurrences, err := engine.GenerateOccurrences(
			recurrence.Rule{EventID: event.ID, RRule: event.RecurrenceRule},
			event.Start, event.End,
			recurrence.GenerateOptions{RangeStart: &windowStart, RangeEnd: &windowEnd},
		)
		if err != nil {
			serviceLogger(ctx, s.logger, "AvailabilityService", "ExpandRecurrence",
				"event_id", event.ID,
			).WarnContext(ctx, "treating unparsable recurring event as a single occurrence", "error", err)
		} else {
			spans = spans[:0]
			for _, o := range occurrences {
				spans = append(spans, [2]time.Time{o.Start, o.End})
			}
		}
	}

	intervals := make([]scheduler.Interval, 0, len(spans))
	for _, span := range spans {
		start, end := span[0], span[1]
		if event.IsAllDay {
			start, end = scheduler.AllDay(start, end, loc)
		}
		intervals = append(intervals, scheduler.Interval{
			Start:  start,
			End:    end,
			UserID: m.userID,
			Source: source,
			RefID:  refID,
		})
	}
	return intervals
}

// sessionBlocksTime reports whether a session occupies its interval: cancelled
// sessions never do, finished sessions only until their end has passed.
func sessionBlocksTime(session persistence.Session, now time.Time) bool {
	switch SessionStatus(session.Status) {
	case StatusCancelled:
		return false
	case StatusCompleted, StatusNoShow:
		return !session.ScheduledEnd.Before(now)
	default:
		return true
	}
}

func toIntervals(intervals []scheduler.Interval) []Interval {
	out := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		out = append(out, Interval{
			Start:  iv.Start,
			End:    iv.End,
			UserID: iv.UserID,
			Source: string(iv.Source),
			RefID:  iv.RefID,
		})
	}
	return out
}
