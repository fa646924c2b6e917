package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/coaching-scheduler/internal/persistence"
	"github.com/example/coaching-scheduler/internal/persistence/memory"
	"github.com/example/coaching-scheduler/internal/persistence/sqlite"
	"github.com/example/coaching-scheduler/internal/secrets"
)

// StorageHarness provides repository access over one storage backend for
// integration-style persistence tests.
type StorageHarness struct {
	Name         string
	Sessions     persistence.SessionRepository
	Integrations persistence.IntegrationRepository
	Events       persistence.EventRepository
	SyncLogs     persistence.SyncLogRepository

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *StorageHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// NewMemoryHarness constructs a harness over the in-memory backend.
func NewMemoryHarness(tb testing.TB) *StorageHarness {
	tb.Helper()

	storage := memory.New()
	return &StorageHarness{
		Name:         "memory",
		Sessions:     storage,
		Integrations: storage,
		Events:       storage,
		SyncLogs:     storage,
	}
}

// NewSQLiteHarness constructs a harness using a temporary SQLite file that is
// migrated automatically, with credential sealing enabled. The helper
// registers a cleanup callback with the provided testing.TB.
func NewSQLiteHarness(tb testing.TB) *StorageHarness {
	tb.Helper()

	sealer, err := secrets.NewSealer("testfixtures-credentials-key")
	if err != nil {
		tb.Fatalf("failed to create sealer: %v", err)
	}

	path := filepath.Join(tb.TempDir(), "scheduler.db")
	storage, err := sqlite.Open(context.Background(), sqlite.DefaultConfig(path), sqlite.WithSealer(sealer))
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}

	if err := storage.Migrate(context.Background()); err != nil {
		_ = storage.Close()
		tb.Fatalf("failed to migrate storage: %v", err)
	}

	harness := &StorageHarness{
		Name:         "sqlite",
		Sessions:     storage,
		Integrations: storage,
		Events:       storage,
		SyncLogs:     storage,
		cleanup: func() {
			_ = storage.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// Harnesses returns one harness per backend so contract tests can run
// against each of them.
func Harnesses(tb testing.TB) []*StorageHarness {
	tb.Helper()
	return []*StorageHarness{NewMemoryHarness(tb), NewSQLiteHarness(tb)}
}
