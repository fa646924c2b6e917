package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/coaching-scheduler/internal/persistence"
)

const eventColumns = `id, integration_id, provider_event_id, title, description, start_time, end_time, timezone,
	is_all_day, location, recurrence_rule, status, session_id, is_coaching_session, is_blocked,
	sync_status, sync_errors, created_at, updated_at`

// EventRepository implements persistence.EventRepository using SQLite
type EventRepository struct {
	pool *ConnectionPool
}

// NewEventRepository creates a new SQLite calendar event repository
func NewEventRepository(pool *ConnectionPool) *EventRepository {
	return &EventRepository{pool: pool}
}

// CreateEvent inserts a new event mirror.
func (r *EventRepository) CreateEvent(ctx context.Context, event persistence.CalendarEvent) error {
	if event.ID == "" || event.IntegrationID == "" || event.ProviderEventID == "" {
		return persistence.ErrConstraintViolation
	}
	syncErrors, err := encodeStrings(event.SyncErrors)
	if err != nil {
		return err
	}

	query := `INSERT INTO calendar_events (` + eventColumns + `) VALUES (` + placeholders(19) + `)`
	return withRetry(ctx, func() error {
		_, err := r.pool.DB().ExecContext(ctx, query,
			event.ID,
			event.IntegrationID,
			event.ProviderEventID,
			event.Title,
			event.Description,
			formatTime(event.Start),
			formatTime(event.End),
			event.Timezone,
			boolToInt(event.IsAllDay),
			event.Location,
			event.RecurrenceRule,
			event.Status,
			nullString(event.SessionID),
			boolToInt(event.IsCoachingSession),
			boolToInt(event.IsBlocked),
			defaultString(event.SyncStatus, "synced"),
			syncErrors,
			formatTime(event.CreatedAt),
			formatTime(event.UpdatedAt),
		)
		return mapError(err)
	})
}

// UpdateEvent replaces the mutable fields of an event mirror.
func (r *EventRepository) UpdateEvent(ctx context.Context, event persistence.CalendarEvent) error {
	syncErrors, err := encodeStrings(event.SyncErrors)
	if err != nil {
		return err
	}

	return withRetry(ctx, func() error {
		result, err := r.pool.DB().ExecContext(ctx, `
			UPDATE calendar_events
			SET provider_event_id = ?, title = ?, description = ?, start_time = ?, end_time = ?, timezone = ?,
				is_all_day = ?, location = ?, recurrence_rule = ?, status = ?, session_id = ?,
				is_coaching_session = ?, is_blocked = ?, sync_status = ?, sync_errors = ?, updated_at = ?
			WHERE id = ?`,
			event.ProviderEventID,
			event.Title,
			event.Description,
			formatTime(event.Start),
			formatTime(event.End),
			event.Timezone,
			boolToInt(event.IsAllDay),
			event.Location,
			event.RecurrenceRule,
			event.Status,
			nullString(event.SessionID),
			boolToInt(event.IsCoachingSession),
			boolToInt(event.IsBlocked),
			defaultString(event.SyncStatus, "synced"),
			syncErrors,
			formatTime(event.UpdatedAt),
			event.ID,
		)
		if err != nil {
			return mapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

// GetEvent retrieves an event mirror by ID.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (persistence.CalendarEvent, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err != nil {
		return persistence.CalendarEvent{}, mapError(err)
	}
	return event, nil
}

// DeleteEvent removes an event mirror by ID.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		result, err := r.pool.DB().ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id)
		if err != nil {
			return mapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

// ListEvents returns matching event mirrors ordered by start time. Recurring
// events are kept regardless of From because later occurrences may overlap.
func (r *EventRepository) ListEvents(ctx context.Context, filter persistence.EventFilter) ([]persistence.CalendarEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.IntegrationIDs) > 0 {
		clauses = append(clauses, "integration_id IN ("+placeholders(len(filter.IntegrationIDs))+")")
		args = append(args, stringArgs(filter.IntegrationIDs)...)
	}
	if len(filter.SessionIDs) > 0 {
		clauses = append(clauses, "session_id IN ("+placeholders(len(filter.SessionIDs))+")")
		args = append(args, stringArgs(filter.SessionIDs)...)
	}
	if filter.From != nil {
		clauses = append(clauses, "(end_time > ? OR recurrence_rule != '')")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, "start_time < ?")
		args = append(args, formatTime(*filter.To))
	}
	if filter.Coaching != nil {
		clauses = append(clauses, "is_coaching_session = ?")
		args = append(args, boolToInt(*filter.Coaching))
	}
	if filter.Blocked != nil {
		clauses = append(clauses, "is_blocked = ?")
		args = append(args, boolToInt(*filter.Blocked))
	}
	if filter.SyncStatus != "" {
		clauses = append(clauses, "sync_status = ?")
		args = append(args, filter.SyncStatus)
	}

	query := `SELECT ` + eventColumns + ` FROM calendar_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_time ASC, id ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]persistence.CalendarEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (persistence.CalendarEvent, error) {
	var (
		event                   persistence.CalendarEvent
		start, end              string
		allDay, coaching, block int
		sessionID               sql.NullString
		syncErrors              string
		createdAt, updatedAt    string
	)
	if err := row.Scan(
		&event.ID,
		&event.IntegrationID,
		&event.ProviderEventID,
		&event.Title,
		&event.Description,
		&start,
		&end,
		&event.Timezone,
		&allDay,
		&event.Location,
		&event.RecurrenceRule,
		&event.Status,
		&sessionID,
		&coaching,
		&block,
		&event.SyncStatus,
		&syncErrors,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.CalendarEvent{}, err
	}

	event.IsAllDay = allDay != 0
	event.IsCoachingSession = coaching != 0
	event.IsBlocked = block != 0
	if sessionID.Valid {
		id := sessionID.String
		event.SessionID = &id
	}

	var err error
	if event.SyncErrors, err = decodeStrings(syncErrors); err != nil {
		return persistence.CalendarEvent{}, err
	}
	if event.Start, err = parseTime(start); err != nil {
		return persistence.CalendarEvent{}, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if event.End, err = parseTime(end); err != nil {
		return persistence.CalendarEvent{}, fmt.Errorf("failed to parse end_time: %w", err)
	}
	if event.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.CalendarEvent{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if event.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.CalendarEvent{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return event, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode sync errors: %w", err)
	}
	return string(payload), nil
}

func decodeStrings(value string) ([]string, error) {
	var values []string
	if value == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(value), &values); err != nil {
		return nil, fmt.Errorf("decode sync errors: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}
