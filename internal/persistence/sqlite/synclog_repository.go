package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/example/coaching-scheduler/internal/persistence"
)

const syncLogColumns = `id, integration_id, sync_type, direction, status, events_processed, events_created,
	events_updated, events_deleted, errors, started_at, completed_at, duration_ms`

// SyncLogRepository implements persistence.SyncLogRepository using SQLite.
// Rows are only ever inserted.
type SyncLogRepository struct {
	pool *ConnectionPool
}

// NewSyncLogRepository creates a new SQLite sync log repository
func NewSyncLogRepository(pool *ConnectionPool) *SyncLogRepository {
	return &SyncLogRepository{pool: pool}
}

// AppendSyncLog inserts a completed sync run.
func (r *SyncLogRepository) AppendSyncLog(ctx context.Context, log persistence.SyncLog) error {
	if log.ID == "" || log.IntegrationID == "" {
		return persistence.ErrConstraintViolation
	}
	errs, err := encodeSyncErrors(log.Errors)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_logs (` + syncLogColumns + `) VALUES (` + placeholders(13) + `)`
	return withRetry(ctx, func() error {
		_, err := r.pool.DB().ExecContext(ctx, query,
			log.ID,
			log.IntegrationID,
			defaultString(log.SyncType, "manual"),
			log.Direction,
			log.Status,
			log.EventsProcessed,
			log.EventsCreated,
			log.EventsUpdated,
			log.EventsDeleted,
			errs,
			formatTime(log.StartedAt),
			formatTime(log.CompletedAt),
			log.Duration.Milliseconds(),
		)
		return mapError(err)
	})
}

// ListSyncLogs returns the newest logs first. An empty integrationID lists all.
func (r *SyncLogRepository) ListSyncLogs(ctx context.Context, integrationID string, limit int) ([]persistence.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_logs`
	var args []any
	if integrationID != "" {
		query += " WHERE integration_id = ?"
		args = append(args, integrationID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	logs := make([]persistence.SyncLog, 0)
	for rows.Next() {
		var (
			log                    persistence.SyncLog
			errs                   string
			startedAt, completedAt string
			durationMs             int64
		)
		if err := rows.Scan(
			&log.ID,
			&log.IntegrationID,
			&log.SyncType,
			&log.Direction,
			&log.Status,
			&log.EventsProcessed,
			&log.EventsCreated,
			&log.EventsUpdated,
			&log.EventsDeleted,
			&errs,
			&startedAt,
			&completedAt,
			&durationMs,
		); err != nil {
			return nil, mapError(err)
		}

		if log.Errors, err = decodeSyncErrors(errs); err != nil {
			return nil, err
		}
		if log.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if log.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return logs, nil
}
