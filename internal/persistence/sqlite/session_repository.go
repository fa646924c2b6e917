package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

const sessionColumns = `id, coach_id, client_id, scheduled_start, scheduled_end, timezone, duration_minutes,
	status, confirmation_sent, reminder_sent, cancellation_sent, version, created_at, updated_at`

const sessionEventColumns = `id, session_id, sequence, kind, actor_id, occurred_at, reason, reason_text,
	previous_start, previous_end, new_start, new_end, from_status, to_status, notification_type`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SessionRepository implements persistence.SessionRepository using SQLite
type SessionRepository struct {
	pool *ConnectionPool
}

// NewSessionRepository creates a new SQLite session repository
func NewSessionRepository(pool *ConnectionPool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// CreateSession inserts a new session at version 1.
func (r *SessionRepository) CreateSession(ctx context.Context, session persistence.Session) error {
	if session.ID == "" || session.CoachID == "" || session.ClientID == "" {
		return persistence.ErrConstraintViolation
	}
	if session.Version == 0 {
		session.Version = 1
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (` + placeholders(14) + `)`
	return withRetry(ctx, func() error {
		_, err := r.pool.DB().ExecContext(ctx, query,
			session.ID,
			session.CoachID,
			session.ClientID,
			formatTime(session.ScheduledStart),
			formatTime(session.ScheduledEnd),
			session.Timezone,
			session.DurationMinutes,
			session.Status,
			boolToInt(session.ConfirmationSent),
			boolToInt(session.ReminderSent),
			boolToInt(session.CancellationSent),
			session.Version,
			formatTime(session.CreatedAt),
			formatTime(session.UpdatedAt),
		)
		return mapError(err)
	})
}

// GetSession retrieves a session by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		return persistence.Session{}, mapError(err)
	}
	return session, nil
}

// ListSessions returns matching sessions ordered by start time.
func (r *SessionRepository) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(filter.IDs))+")")
		args = append(args, stringArgs(filter.IDs)...)
	}
	if len(filter.ParticipantIDs) > 0 {
		in := placeholders(len(filter.ParticipantIDs))
		clauses = append(clauses, "(coach_id IN ("+in+") OR client_id IN ("+in+"))")
		args = append(args, stringArgs(filter.ParticipantIDs)...)
		args = append(args, stringArgs(filter.ParticipantIDs)...)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, stringArgs(filter.Statuses)...)
	}
	if filter.StartsBefore != nil {
		clauses = append(clauses, "scheduled_start < ?")
		args = append(args, formatTime(*filter.StartsBefore))
	}
	if filter.EndsAfter != nil {
		clauses = append(clauses, "scheduled_end > ?")
		args = append(args, formatTime(*filter.EndsAfter))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_start ASC, id ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	sessions := make([]persistence.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return sessions, nil
}

// CommitSessionChange updates the snapshot guarded by the expected version and
// appends the lifecycle event in the same transaction.
func (r *SessionRepository) CommitSessionChange(ctx context.Context, change persistence.SessionChange) error {
	if change.Event.ID == "" || change.Event.Kind == "" {
		return persistence.ErrConstraintViolation
	}

	next := change.Session
	next.Version = change.ExpectedVersion + 1

	event := change.Event
	event.SessionID = next.ID
	event.Sequence = next.Version

	return withRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, `
				UPDATE sessions
				SET scheduled_start = ?, scheduled_end = ?, timezone = ?, duration_minutes = ?, status = ?,
					confirmation_sent = ?, reminder_sent = ?, cancellation_sent = ?, version = ?, updated_at = ?
				WHERE id = ? AND version = ?`,
				formatTime(next.ScheduledStart),
				formatTime(next.ScheduledEnd),
				next.Timezone,
				next.DurationMinutes,
				next.Status,
				boolToInt(next.ConfirmationSent),
				boolToInt(next.ReminderSent),
				boolToInt(next.CancellationSent),
				next.Version,
				formatTime(next.UpdatedAt),
				next.ID,
				change.ExpectedVersion,
			)
			if err != nil {
				return mapError(err)
			}

			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if affected == 0 {
				var exists int
				err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, next.ID).Scan(&exists)
				if errors.Is(err, sql.ErrNoRows) {
					return persistence.ErrNotFound
				}
				if err != nil {
					return mapError(err)
				}
				return persistence.ErrVersionConflict
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO session_events (`+sessionEventColumns+`) VALUES (`+placeholders(15)+`)`,
				event.ID,
				event.SessionID,
				event.Sequence,
				event.Kind,
				event.ActorID,
				formatTime(event.OccurredAt),
				event.Reason,
				event.ReasonText,
				nullTime(event.PreviousStart),
				nullTime(event.PreviousEnd),
				nullTime(event.NewStart),
				nullTime(event.NewEnd),
				event.FromStatus,
				event.ToStatus,
				event.NotificationType,
			)
			return mapError(err)
		})
	})
}

// ListSessionEvents returns matching lifecycle events ordered by time.
func (r *SessionRepository) ListSessionEvents(ctx context.Context, filter persistence.SessionEventFilter) ([]persistence.SessionEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.SessionIDs) > 0 {
		clauses = append(clauses, "session_id IN ("+placeholders(len(filter.SessionIDs))+")")
		args = append(args, stringArgs(filter.SessionIDs)...)
	}
	if len(filter.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+placeholders(len(filter.Kinds))+")")
		args = append(args, stringArgs(filter.Kinds)...)
	}
	if filter.Since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT ` + sessionEventColumns + ` FROM session_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at ASC, session_id ASC, sequence ASC"

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	events := make([]persistence.SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
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

func scanSession(row rowScanner) (persistence.Session, error) {
	var (
		session                    persistence.Session
		start, end                 string
		createdAt, updatedAt       string
		confirmation, reminder, cx int
	)
	if err := row.Scan(
		&session.ID,
		&session.CoachID,
		&session.ClientID,
		&start,
		&end,
		&session.Timezone,
		&session.DurationMinutes,
		&session.Status,
		&confirmation,
		&reminder,
		&cx,
		&session.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.Session{}, err
	}

	session.ConfirmationSent = confirmation != 0
	session.ReminderSent = reminder != 0
	session.CancellationSent = cx != 0

	var err error
	if session.ScheduledStart, err = parseTime(start); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse scheduled_start: %w", err)
	}
	if session.ScheduledEnd, err = parseTime(end); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse scheduled_end: %w", err)
	}
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Session{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return session, nil
}

func scanSessionEvent(row rowScanner) (persistence.SessionEvent, error) {
	var (
		event      persistence.SessionEvent
		occurredAt string
	)
	var previousStart, previousEnd, newStart, newEnd sql.NullString
	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.Sequence,
		&event.Kind,
		&event.ActorID,
		&occurredAt,
		&event.Reason,
		&event.ReasonText,
		&previousStart,
		&previousEnd,
		&newStart,
		&newEnd,
		&event.FromStatus,
		&event.ToStatus,
		&event.NotificationType,
	); err != nil {
		return persistence.SessionEvent{}, err
	}

	var err error
	if event.OccurredAt, err = parseTime(occurredAt); err != nil {
		return persistence.SessionEvent{}, fmt.Errorf("failed to parse occurred_at: %w", err)
	}
	for _, field := range []struct {
		name   string
		source sql.NullString
		target **time.Time
	}{
		{"previous_start", previousStart, &event.PreviousStart},
		{"previous_end", previousEnd, &event.PreviousEnd},
		{"new_start", newStart, &event.NewStart},
		{"new_end", newEnd, &event.NewEnd},
	} {
		if *field.target, err = parseNullTime(field.source); err != nil {
			return persistence.SessionEvent{}, fmt.Errorf("failed to parse %s: %w", field.name, err)
		}
	}
	return event, nil
}
