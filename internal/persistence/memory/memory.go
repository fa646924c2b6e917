// Package memory provides an in-memory persistence backend used by tests and
// by the server when SCHEDULER_STORAGE=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

// Storage implements every repository interface over guarded maps.
type Storage struct {
	mu           sync.RWMutex
	sessions     map[string]persistence.Session
	events       map[string][]persistence.SessionEvent
	integrations map[string]persistence.CalendarIntegration
	calEvents    map[string]persistence.CalendarEvent
	syncLogs     []persistence.SyncLog
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		sessions:     make(map[string]persistence.Session),
		events:       make(map[string][]persistence.SessionEvent),
		integrations: make(map[string]persistence.CalendarIntegration),
		calEvents:    make(map[string]persistence.CalendarEvent),
	}
}

// Close releases resources held by the storage. No-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}

// Migrate initialises the storage. No-op for the in-memory implementation.
func (s *Storage) Migrate(context.Context) error {
	return nil
}

// --- SessionRepository implementation ---

// CreateSession stores a new session at version 1.
func (s *Storage) CreateSession(ctx context.Context, session persistence.Session) error {
	if session.ID == "" || session.CoachID == "" || session.ClientID == "" {
		return persistence.ErrConstraintViolation
	}
	if !session.ScheduledEnd.After(session.ScheduledStart) {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("memory: session %s: %w", session.ID, persistence.ErrDuplicate)
	}
	if session.Version == 0 {
		session.Version = 1
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID.
func (s *Storage) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return persistence.Session{}, persistence.ErrNotFound
	}
	return session, nil
}

// ListSessions returns matching sessions ordered by start time.
func (s *Storage) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]persistence.Session, 0)
	for _, session := range s.sessions {
		if filter.Matches(session) {
			sessions = append(sessions, session)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ScheduledStart.Equal(sessions[j].ScheduledStart) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ScheduledStart.Before(sessions[j].ScheduledStart)
	})
	return sessions, nil
}

// CommitSessionChange replaces the snapshot and appends the event when the
// stored version still equals change.ExpectedVersion.
func (s *Storage) CommitSessionChange(ctx context.Context, change persistence.SessionChange) error {
	if change.Event.Kind == "" || change.Event.ID == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[change.Session.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	if current.Version != change.ExpectedVersion {
		return persistence.ErrVersionConflict
	}

	next := change.Session
	next.Version = change.ExpectedVersion + 1
	next.CoachID = current.CoachID
	next.ClientID = current.ClientID
	next.CreatedAt = current.CreatedAt

	event := cloneSessionEvent(change.Event)
	event.SessionID = next.ID
	event.Sequence = next.Version

	s.sessions[next.ID] = next
	s.events[next.ID] = append(s.events[next.ID], event)
	return nil
}

// ListSessionEvents returns matching lifecycle events ordered by time.
func (s *Storage) ListSessionEvents(ctx context.Context, filter persistence.SessionEventFilter) ([]persistence.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]persistence.SessionEvent, 0)
	for _, log := range s.events {
		for _, event := range log {
			if filter.Matches(event) {
				events = append(events, cloneSessionEvent(event))
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			if events[i].SessionID == events[j].SessionID {
				return events[i].Sequence < events[j].Sequence
			}
			return events[i].SessionID < events[j].SessionID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
	return events, nil
}

// --- IntegrationRepository implementation ---

// CreateIntegration stores a new integration.
func (s *Storage) CreateIntegration(ctx context.Context, integration persistence.CalendarIntegration) error {
	if integration.ID == "" || integration.UserID == "" || integration.Provider == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[integration.ID]; ok {
		return fmt.Errorf("memory: integration %s: %w", integration.ID, persistence.ErrDuplicate)
	}
	if err := s.ensureSingleActiveLocked(integration); err != nil {
		return err
	}
	s.integrations[integration.ID] = cloneIntegration(integration)
	return nil
}

// UpdateIntegration replaces an existing integration.
func (s *Storage) UpdateIntegration(ctx context.Context, integration persistence.CalendarIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.integrations[integration.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	integration.UserID = current.UserID
	integration.Provider = current.Provider
	integration.CreatedAt = current.CreatedAt

	if err := s.ensureSingleActiveLocked(integration); err != nil {
		return err
	}
	s.integrations[integration.ID] = cloneIntegration(integration)
	return nil
}

// GetIntegration retrieves an integration by ID.
func (s *Storage) GetIntegration(ctx context.Context, id string) (persistence.CalendarIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	integration, ok := s.integrations[id]
	if !ok {
		return persistence.CalendarIntegration{}, persistence.ErrNotFound
	}
	return cloneIntegration(integration), nil
}

// ListIntegrations returns matching integrations ordered by CreatedAt.
func (s *Storage) ListIntegrations(ctx context.Context, filter persistence.IntegrationFilter) ([]persistence.CalendarIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	integrations := make([]persistence.CalendarIntegration, 0)
	for _, integration := range s.integrations {
		if filter.Matches(integration) {
			integrations = append(integrations, cloneIntegration(integration))
		}
	}

	sort.Slice(integrations, func(i, j int) bool {
		if integrations[i].CreatedAt.Equal(integrations[j].CreatedAt) {
			return integrations[i].ID < integrations[j].ID
		}
		return integrations[i].CreatedAt.Before(integrations[j].CreatedAt)
	})
	return integrations, nil
}

func (s *Storage) ensureSingleActiveLocked(integration persistence.CalendarIntegration) error {
	if !integration.IsActive {
		return nil
	}
	for id, existing := range s.integrations {
		if id == integration.ID {
			continue
		}
		if existing.IsActive && existing.UserID == integration.UserID && existing.Provider == integration.Provider {
			return fmt.Errorf("memory: active %s integration for user %s: %w", integration.Provider, integration.UserID, persistence.ErrDuplicate)
		}
	}
	return nil
}

// --- EventRepository implementation ---

// CreateEvent stores a new calendar event mirror.
func (s *Storage) CreateEvent(ctx context.Context, event persistence.CalendarEvent) error {
	if event.ID == "" || event.IntegrationID == "" || event.ProviderEventID == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[event.IntegrationID]; !ok {
		return persistence.ErrForeignKeyViolation
	}
	if _, ok := s.calEvents[event.ID]; ok {
		return fmt.Errorf("memory: event %s: %w", event.ID, persistence.ErrDuplicate)
	}
	if err := s.ensureUniqueProviderEventLocked(event); err != nil {
		return err
	}
	s.calEvents[event.ID] = cloneCalendarEvent(event)
	return nil
}

// UpdateEvent replaces an existing calendar event mirror.
func (s *Storage) UpdateEvent(ctx context.Context, event persistence.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.calEvents[event.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	event.IntegrationID = current.IntegrationID
	event.CreatedAt = current.CreatedAt

	if err := s.ensureUniqueProviderEventLocked(event); err != nil {
		return err
	}
	s.calEvents[event.ID] = cloneCalendarEvent(event)
	return nil
}

// GetEvent retrieves a calendar event by ID.
func (s *Storage) GetEvent(ctx context.Context, id string) (persistence.CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.calEvents[id]
	if !ok {
		return persistence.CalendarEvent{}, persistence.ErrNotFound
	}
	return cloneCalendarEvent(event), nil
}

// DeleteEvent removes a calendar event by ID.
func (s *Storage) DeleteEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calEvents[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.calEvents, id)
	return nil
}

// ListEvents returns matching events ordered by start time.
func (s *Storage) ListEvents(ctx context.Context, filter persistence.EventFilter) ([]persistence.CalendarEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]persistence.CalendarEvent, 0)
	for _, event := range s.calEvents {
		if filter.Matches(event) {
			events = append(events, cloneCalendarEvent(event))
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].ID < events[j].ID
		}
		return events[i].Start.Before(events[j].Start)
	})
	return events, nil
}

func (s *Storage) ensureUniqueProviderEventLocked(event persistence.CalendarEvent) error {
	for id, existing := range s.calEvents {
		if id == event.ID {
			continue
		}
		if existing.IntegrationID == event.IntegrationID && existing.ProviderEventID == event.ProviderEventID {
			return fmt.Errorf("memory: provider event %s: %w", event.ProviderEventID, persistence.ErrDuplicate)
		}
	}
	return nil
}

// --- SyncLogRepository implementation ---

// AppendSyncLog stores a completed sync run.
func (s *Storage) AppendSyncLog(ctx context.Context, log persistence.SyncLog) error {
	if log.ID == "" || log.IntegrationID == "" {
		return persistence.ErrConstraintViolation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[log.IntegrationID]; !ok {
		return persistence.ErrForeignKeyViolation
	}
	for _, existing := range s.syncLogs {
		if existing.ID == log.ID {
			return fmt.Errorf("memory: sync log %s: %w", log.ID, persistence.ErrDuplicate)
		}
	}
	s.syncLogs = append(s.syncLogs, cloneSyncLog(log))
	return nil
}

// ListSyncLogs returns the newest logs for an integration first.
func (s *Storage) ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]persistence.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]persistence.SyncLog, 0)
	for _, log := range s.syncLogs {
		if integrationID == "" || log.IntegrationID == integrationID {
			logs = append(logs, cloneSyncLog(log))
		}
	}

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].StartedAt.After(logs[j].StartedAt)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// --- Helper functions ---

func cloneSessionEvent(event persistence.SessionEvent) persistence.SessionEvent {
	clone := event
	clone.PreviousStart = cloneTimePtr(event.PreviousStart)
	clone.PreviousEnd = cloneTimePtr(event.PreviousEnd)
	clone.NewStart = cloneTimePtr(event.NewStart)
	clone.NewEnd = cloneTimePtr(event.NewEnd)
	return clone
}

func cloneIntegration(integration persistence.CalendarIntegration) persistence.CalendarIntegration {
	clone := integration
	clone.LastSyncAt = cloneTimePtr(integration.LastSyncAt)
	clone.SyncErrors = append([]persistence.SyncError(nil), integration.SyncErrors...)
	return clone
}

func cloneCalendarEvent(event persistence.CalendarEvent) persistence.CalendarEvent {
	clone := event
	if event.SessionID != nil {
		id := *event.SessionID
		clone.SessionID = &id
	}
	clone.SyncErrors = append([]string(nil), event.SyncErrors...)
	return clone
}

func cloneSyncLog(log persistence.SyncLog) persistence.SyncLog {
	clone := log
	clone.Errors = append([]persistence.SyncError(nil), log.Errors...)
	return clone
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}
