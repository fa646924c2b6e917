package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Manager applies pending migrations in version order.
type Manager struct {
	scanner  *Scanner
	executor *Executor
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(scanner *Scanner, executor *Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{scanner: scanner, executor: executor, logger: logger.With("component", "migration")}
}

// Run applies every pending migration. It stops at the first failure.
func (m *Manager) Run(ctx context.Context) error {
	started := time.Now()

	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.Pending) == 0 {
		m.logger.Info("database schema up to date", "version", status.CurrentVersion)
		return nil
	}

	m.logger.Info("applying migrations", "current_version", status.CurrentVersion, "pending", len(status.Pending))
	for i, migration := range status.Pending {
		applyStarted := time.Now()
		if err := m.executor.Apply(ctx, migration); err != nil {
			m.logger.Error("migration failed", "version", migration.Version, "file", migration.FilePath, "error", err)
			return err
		}
		m.logger.Info("migration applied",
			"version", migration.Version,
			"description", migration.Description,
			"position", fmt.Sprintf("%d/%d", i+1, len(status.Pending)),
			"duration", time.Since(applyStarted),
		)
	}

	m.logger.Info("migrations complete", "count", len(status.Pending), "duration", time.Since(started))
	return nil
}

// Status compares the files with the applied versions.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, err
	}

	available, err := m.scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("scan migrations: %w", err)
	}
	applied, err := m.executor.Applied(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSequence(available, applied); err != nil {
		return nil, err
	}

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, record := range applied {
		appliedByVersion[versionNumber(record.Version)] = record
	}

	status := &Status{Applied: applied}
	for _, migration := range available {
		if _, ok := appliedByVersion[versionNumber(migration.Version)]; !ok {
			status.Pending = append(status.Pending, migration)
		}
	}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1].Version
	}
	return status, nil
}

// validateSequence rejects gaps in the available versions, applied versions
// with no file and files that changed after they were applied.
func validateSequence(available []Migration, applied []AppliedMigration) error {
	byVersion := make(map[int]Migration, len(available))
	for i, migration := range available {
		number := versionNumber(migration.Version)
		if i > 0 && number != versionNumber(available[i-1].Version)+1 {
			return fmt.Errorf("%w: missing migration version %03d in sequence", ErrVersionConflict, versionNumber(available[i-1].Version)+1)
		}
		byVersion[number] = migration
	}

	for _, record := range applied {
		migration, ok := byVersion[versionNumber(record.Version)]
		if !ok {
			return fmt.Errorf("%w: applied migration %s not found in available migrations", ErrVersionConflict, record.Version)
		}
		if record.Checksum != "" && record.Checksum != migration.Checksum {
			return stepError(migration, "verify checksum", ErrChecksumMismatch)
		}
	}
	return nil
}
