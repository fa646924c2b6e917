package migration

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_initial.sql": {Data: []byte("CREATE TABLE a (id TEXT PRIMARY KEY);\nCREATE TABLE b (id TEXT PRIMARY KEY);")},
		"migrations/002_add_column.sql": {Data: []byte("ALTER TABLE a ADD COLUMN name TEXT NOT NULL DEFAULT '';")},
	}
}

func TestManager_RunAppliesPendingOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	manager := NewManager(NewScanner(testFiles(), "migrations"), NewExecutor(db), nil)

	if err := manager.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := manager.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.CurrentVersion != "002" {
		t.Errorf("expected current version 002, got %q", status.CurrentVersion)
	}
	if len(status.Pending) != 0 || len(status.Applied) != 2 {
		t.Errorf("unexpected status %+v", status)
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO a (id, name) VALUES ('x', 'y')"); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestManager_FailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	files := fstest.MapFS{
		"m/001_ok.sql":     {Data: []byte("CREATE TABLE a (id TEXT PRIMARY KEY);")},
		"m/002_broken.sql": {Data: []byte("CREATE TABLE c (id TEXT);\nINSERT INTO missing VALUES (1);")},
	}
	manager := NewManager(NewScanner(files, "m"), NewExecutor(db), nil)

	err := manager.Run(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}

	var migrationErr *StepError
	if !errors.As(err, &migrationErr) || migrationErr.Version != "002" {
		t.Fatalf("expected StepError for 002, got %v", err)
	}

	if _, err := db.ExecContext(ctx, "SELECT 1 FROM c"); err == nil {
		t.Fatalf("expected table c to be rolled back")
	}
	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.CurrentVersion != "001" || len(status.Pending) != 1 {
		t.Errorf("unexpected status after failure: %+v", status)
	}
}

func TestManager_DetectsGapsAndEdits(t *testing.T) {
	ctx := context.Background()

	t.Run("gap in sequence", func(t *testing.T) {
		files := fstest.MapFS{
			"m/001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
			"m/003_c.sql": {Data: []byte("CREATE TABLE c (id TEXT);")},
		}
		manager := NewManager(NewScanner(files, "m"), NewExecutor(openTestDB(t)), nil)
		if err := manager.Run(ctx); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
	})

	t.Run("edited after apply", func(t *testing.T) {
		db := openTestDB(t)
		files := testFiles()
		if err := NewManager(NewScanner(files, "migrations"), NewExecutor(db), nil).Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}

		files["migrations/001_initial.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT PRIMARY KEY, extra TEXT);")}
		_, err := NewManager(NewScanner(files, "migrations"), NewExecutor(db), nil).Status(ctx)
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})
}
