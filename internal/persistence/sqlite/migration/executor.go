package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Executor runs migrations against a SQLite database and tracks them in the
// schema_migrations table.
type Executor struct {
	db *sql.DB
}

// NewExecutor creates a new SQLite migration executor
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// InitializeVersionTable creates the schema_migrations table if it doesn't exist
func (e *Executor) InitializeVersionTable(ctx context.Context) error {
	const createTableSQL = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			execution_time_ms INTEGER NOT NULL DEFAULT 0
		)`

	if _, err := e.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

// Apply runs every statement of the migration and records it in one
// transaction.
func (e *Executor) Apply(ctx context.Context, migration Migration) (err error) {
	started := time.Now()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return stepError(migration, "begin transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	for i, stmt := range splitStatements(migration.SQL) {
		if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
			return stepError(migration,
				fmt.Sprintf("execute statement %d", i+1), fmt.Errorf("%w: %v", ErrMigrationFailed, execErr))
		}
	}

	const insertSQL = `
		INSERT INTO schema_migrations (version, applied_at, checksum, execution_time_ms)
		VALUES (?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insertSQL,
		migration.Version,
		time.Now().UTC().Format(time.RFC3339),
		migration.Checksum,
		time.Since(started).Milliseconds(),
	); err != nil {
		return stepError(migration, "record migration", err)
	}

	if err = tx.Commit(); err != nil {
		return stepError(migration, "commit transaction", err)
	}
	return nil
}

// Applied returns all applied migrations ordered by version.
func (e *Executor) Applied(ctx context.Context) ([]AppliedMigration, error) {
	const querySQL = `
		SELECT version, applied_at, checksum, execution_time_ms
		FROM schema_migrations
		ORDER BY CAST(version AS INTEGER) ASC`

	rows, err := e.db.QueryContext(ctx, querySQL)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var (
			record       AppliedMigration
			appliedAtStr string
			executionMs  int64
		)
		if err := rows.Scan(&record.Version, &appliedAtStr, &record.Checksum, &executionMs); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		if record.AppliedAt, err = time.Parse(time.RFC3339, appliedAtStr); err != nil {
			return nil, fmt.Errorf("parse applied_at for %s: %w", record.Version, err)
		}
		record.ExecutionTime = time.Duration(executionMs) * time.Millisecond
		applied = append(applied, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}
