// Package calsync computes the reconciliation plan between a provider's
// current event set, the local event mirrors of one integration and the
// coaching sessions of its owner.
package calsync

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/coaching-scheduler/internal/calendar"
	"github.com/example/coaching-scheduler/internal/persistence"
)

// Direction selects which side a run may write to.
type Direction string

const (
	// DirectionPull only updates local mirrors.
	DirectionPull Direction = "pull"
	// DirectionPush only writes session changes to the provider.
	DirectionPush Direction = "push"
	// DirectionBidirectional does both.
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a direction, defaulting to bidirectional.
func ParseDirection(value string) (Direction, error) {
	switch d := Direction(value); d {
	case "":
		return DirectionBidirectional, nil
	case DirectionPull, DirectionPush, DirectionBidirectional:
		return d, nil
	default:
		return "", fmt.Errorf("calsync: unknown direction %q", value)
	}
}

// Pulls reports whether the direction updates local mirrors from remote changes.
func (d Direction) Pulls() bool {
	return d == DirectionPull || d == DirectionBidirectional
}

// Pushes reports whether the direction writes to the provider.
func (d Direction) Pushes() bool {
	return d == DirectionPush || d == DirectionBidirectional
}

// ActionKind names one reconciliation step.
type ActionKind string

const (
	// ImportRemote creates a local mirror for a remote-only event.
	ImportRemote ActionKind = "import_remote"
	// RefreshLocal overwrites a mirror with the remote state.
	RefreshLocal ActionKind = "refresh_local"
	// DropLocal removes a mirror whose remote event is gone.
	DropLocal ActionKind = "drop_local"
	// PushCreate creates the remote event of a session.
	PushCreate ActionKind = "push_create"
	// PushUpdate moves the remote event of a session to the session's state.
	PushUpdate ActionKind = "push_update"
	// PushDelete removes the remote event of a cancelled session.
	PushDelete ActionKind = "push_delete"
)

// Creates reports whether the action counts as a created event.
func (k ActionKind) Creates() bool { return k == ImportRemote || k == PushCreate }

// Updates reports whether the action counts as an updated event.
func (k ActionKind) Updates() bool { return k == RefreshLocal || k == PushUpdate }

// Deletes reports whether the action counts as a deleted event.
func (k ActionKind) Deletes() bool { return k == DropLocal || k == PushDelete }

// Remote reports whether executing the action calls the provider.
func (k ActionKind) Remote() bool {
	return k == PushCreate || k == PushUpdate || k == PushDelete
}

// Action is one step of a plan.
type Action struct {
	Kind ActionKind
	// Event is the remote state to mirror for local actions, or the desired
	// remote state for push actions.
	Event calendar.Event
	// Local is the existing mirror, when there is one.
	Local *persistence.CalendarEvent
	// SessionID names the coaching session the action concerns.
	SessionID string
}

// Plan is the outcome of comparing the three sets.
type Plan struct {
	Actions []Action
	// Processed counts the distinct remote events, mirrors and sessions considered.
	Processed int
}

// Input collects what the planner compares. Local must hold the mirrors of
// one integration and Sessions the sessions of its owner.
type Input struct {
	Direction Direction
	Window    calendar.Window
	Remote    []calendar.Event
	Local     []persistence.CalendarEvent
	Sessions  []persistence.Session
}

// SessionTitle is the title given to remote events created for sessions.
const SessionTitle = "Coaching session"

// SessionEvent renders the remote event a session should have.
func SessionEvent(session persistence.Session) calendar.Event {
	return calendar.Event{
		Title:       SessionTitle,
		Description: calendar.SessionMarker(session.ID),
		Start:       session.ScheduledStart,
		End:         session.ScheduledEnd,
		Timezone:    session.Timezone,
		Status:      calendar.StatusConfirmed,
		SessionID:   session.ID,
	}
}

// Mirror converts a remote event into the local record that mirrors it.
// Events carrying a session marker become coaching mirrors, everything else
// is blocked time.
func Mirror(integrationID string, remote calendar.Event) persistence.CalendarEvent {
	event := persistence.CalendarEvent{
		IntegrationID:   integrationID,
		ProviderEventID: remote.ProviderEventID,
		Title:           remote.Title,
		Description:     remote.Description,
		Start:           remote.Start,
		End:             remote.End,
		Timezone:        remote.Timezone,
		IsAllDay:        remote.AllDay,
		Location:        remote.Location,
		RecurrenceRule:  remote.RecurrenceRule,
		Status:          remote.Status,
		SyncStatus:      "synced",
	}
	if event.Status == "" {
		event.Status = calendar.StatusConfirmed
	}
	if sessionID := calendar.ResolveSessionID(remote); sessionID != "" {
		event.SessionID = &sessionID
		event.IsCoachingSession = true
	} else {
		event.IsBlocked = event.Status != calendar.StatusCancelled
	}
	return event
}

// Build compares the sets and returns the actions that bring them in line.
// Sessions are authoritative for the remote events linked to them; remote
// state is authoritative for everything else. Applying the plan and building
// again without remote changes yields an empty plan.
func Build(in Input) Plan {
	direction := in.Direction
	if direction == "" {
		direction = DirectionBidirectional
	}

	sessions := make(map[string]persistence.Session, len(in.Sessions))
	for _, s := range in.Sessions {
		sessions[s.ID] = s
	}

	locals := make(map[string]*persistence.CalendarEvent, len(in.Local))
	for i := range in.Local {
		local := &in.Local[i]
		locals[local.ProviderEventID] = local
	}

	remotes := append([]calendar.Event(nil), in.Remote...)
	sort.Slice(remotes, func(i, j int) bool {
		if !remotes[i].Start.Equal(remotes[j].Start) {
			return remotes[i].Start.Before(remotes[j].Start)
		}
		return remotes[i].ProviderEventID < remotes[j].ProviderEventID
	})

	var (
		plan     Plan
		seen     = make(map[string]struct{}, len(remotes))
		mirrored = make(map[string]struct{})
	)

	for _, remote := range remotes {
		if _, dup := seen[remote.ProviderEventID]; dup || remote.ProviderEventID == "" {
			continue
		}
		seen[remote.ProviderEventID] = struct{}{}
		plan.Processed++

		local := locals[remote.ProviderEventID]
		sessionID := calendar.ResolveSessionID(remote)
		if sessionID == "" && local != nil && local.SessionID != nil {
			sessionID = *local.SessionID
		}

		if session, ok := sessions[sessionID]; ok && sessionID != "" {
			mirrored[sessionID] = struct{}{}
			if direction.Pushes() {
				if action, ok := pushLinked(session, remote, local); ok {
					plan.Actions = append(plan.Actions, action)
					continue
				}
			}
		}

		if !direction.Pulls() {
			continue
		}
		switch {
		case local == nil:
			plan.Actions = append(plan.Actions, Action{Kind: ImportRemote, Event: remote, SessionID: sessionID})
		case differs(*local, remote):
			plan.Actions = append(plan.Actions, Action{Kind: RefreshLocal, Event: remote, Local: local, SessionID: sessionID})
		}
	}

	orphans := make([]*persistence.CalendarEvent, 0)
	for i := range in.Local {
		local := &in.Local[i]
		if _, ok := seen[local.ProviderEventID]; ok {
			continue
		}
		if !overlapsWindow(local.Start, local.End, in.Window) {
			continue
		}
		orphans = append(orphans, local)
	}
	sort.Slice(orphans, func(i, j int) bool {
		if !orphans[i].Start.Equal(orphans[j].Start) {
			return orphans[i].Start.Before(orphans[j].Start)
		}
		return orphans[i].ProviderEventID < orphans[j].ProviderEventID
	})

	for _, local := range orphans {
		plan.Processed++
		sessionID := ""
		if local.SessionID != nil {
			sessionID = *local.SessionID
		}
		session, linked := sessions[sessionID]
		if linked {
			mirrored[sessionID] = struct{}{}
		}
		if linked && direction.Pushes() && Active(session) {
			plan.Actions = append(plan.Actions, Action{Kind: PushCreate, Event: SessionEvent(session), Local: local, SessionID: sessionID})
			continue
		}
		if direction.Pulls() || linked {
			plan.Actions = append(plan.Actions, Action{Kind: DropLocal, Local: local, SessionID: sessionID})
		}
	}

	if direction.Pushes() {
		for _, session := range sortedSessions(in.Sessions) {
			if _, ok := mirrored[session.ID]; ok {
				continue
			}
			if !Active(session) || !overlapsWindow(session.ScheduledStart, session.ScheduledEnd, in.Window) {
				continue
			}
			plan.Processed++
			plan.Actions = append(plan.Actions, Action{Kind: PushCreate, Event: SessionEvent(session), SessionID: session.ID})
		}
	}

	return plan
}

// Active reports whether a session should have a remote event.
func Active(session persistence.Session) bool {
	switch session.Status {
	case "scheduled", "rescheduled", "in_progress":
		return true
	default:
		return false
	}
}

func pushLinked(session persistence.Session, remote calendar.Event, local *persistence.CalendarEvent) (Action, bool) {
	if !Active(session) {
		if session.Status == "cancelled" {
			return Action{Kind: PushDelete, Event: remote, Local: local, SessionID: session.ID}, true
		}
		return Action{}, false
	}

	desired := SessionEvent(session)
	if remote.Start.Equal(desired.Start) && remote.End.Equal(desired.End) && remote.Title == desired.Title {
		return Action{}, false
	}
	desired.ProviderEventID = remote.ProviderEventID
	desired.Description = calendar.WithSessionMarker(remote.Description, session.ID)
	desired.Location = remote.Location
	return Action{Kind: PushUpdate, Event: desired, Local: local, SessionID: session.ID}, true
}

func differs(local persistence.CalendarEvent, remote calendar.Event) bool {
	status := remote.Status
	if status == "" {
		status = calendar.StatusConfirmed
	}
	linked := calendar.ResolveSessionID(remote)
	localLink := ""
	if local.SessionID != nil {
		localLink = *local.SessionID
	}
	return !local.Start.Equal(remote.Start) ||
		!local.End.Equal(remote.End) ||
		local.Title != remote.Title ||
		local.IsAllDay != remote.AllDay ||
		local.Location != remote.Location ||
		local.RecurrenceRule != remote.RecurrenceRule ||
		local.Status != status ||
		localLink != linked
}

func overlapsWindow(start, end time.Time, window calendar.Window) bool {
	if window.Start.IsZero() && window.End.IsZero() {
		return true
	}
	return start.Before(window.End) && end.After(window.Start)
}

func sortedSessions(sessions []persistence.Session) []persistence.Session {
	out := append([]persistence.Session(nil), sessions...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ScheduledStart.Before(out[j].ScheduledStart)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
