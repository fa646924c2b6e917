// Package sqlite implements the persistence repositories over SQLite using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/example/coaching-scheduler/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Storage bundles every SQLite repository over one connection pool.
type Storage struct {
	*SessionRepository
	*IntegrationRepository
	*EventRepository
	*SyncLogRepository

	pool   *ConnectionPool
	logger *slog.Logger
}

// Option customizes Storage.
type Option func(*options)

type options struct {
	sealer CredentialSealer
	logger *slog.Logger
}

// WithSealer encrypts integration credentials at rest.
func WithSealer(sealer CredentialSealer) Option {
	return func(o *options) { o.sealer = sealer }
}

// WithLogger sets the logger used by migrations.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open connects to the database described by config. Call Migrate before use.
func Open(ctx context.Context, config Config, opts ...Option) (*Storage, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{
		SessionRepository:     NewSessionRepository(pool),
		IntegrationRepository: NewIntegrationRepository(pool, o.sealer),
		EventRepository:       NewEventRepository(pool),
		SyncLogRepository:     NewSyncLogRepository(pool),
		pool:                  pool,
		logger:                o.logger,
	}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Storage) Migrate(ctx context.Context) error {
	manager := migration.NewManager(
		migration.NewScanner(migrationFiles, "migrations"),
		migration.NewExecutor(s.pool.DB()),
		s.logger,
	)
	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}
