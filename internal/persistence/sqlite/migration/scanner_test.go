package migration

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestScanner_Scan(t *testing.T) {
	tests := []struct {
		name          string
		files         map[string]string // filename -> content
		expectedOrder []string
		expectError   error
		errorContains string
	}{
		{
			name: "valid migration directory with multiple files",
			files: map[string]string{
				"001_initial_schema.sql": "CREATE TABLE sessions (id TEXT PRIMARY KEY);",
				"010_add_indexes.sql":    "CREATE INDEX idx_sessions ON sessions(id);",
				"002_add_events.sql":     "CREATE TABLE events (id TEXT PRIMARY KEY);",
			},
			expectedOrder: []string{"001", "002", "010"},
		},
		{
			name:          "empty migration directory",
			files:         map[string]string{},
			expectedOrder: nil,
		},
		{
			name: "non-SQL files are ignored",
			files: map[string]string{
				"001_initial_schema.sql": "CREATE TABLE sessions (id TEXT PRIMARY KEY);",
				"README.md":              "# Migrations",
			},
			expectedOrder: []string{"001"},
		},
		{
			name: "invalid filename",
			files: map[string]string{
				"initial.sql": "CREATE TABLE sessions (id TEXT PRIMARY KEY);",
			},
			expectError:   ErrInvalidMigrationFile,
			errorContains: "does not match pattern",
		},
		{
			name: "duplicate versions",
			files: map[string]string{
				"001_initial.sql": "CREATE TABLE a (id TEXT);",
				"1_again.sql":     "CREATE TABLE b (id TEXT);",
			},
			expectError: ErrDuplicateVersion,
		},
		{
			name: "comment-only file",
			files: map[string]string{
				"001_empty.sql": "-- nothing here\n",
			},
			expectError: ErrInvalidMigrationFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"migrations": &fstest.MapFile{Mode: fs.ModeDir | 0o755}}
			for name, content := range tt.files {
				fsys["migrations/"+name] = &fstest.MapFile{Data: []byte(content)}
			}

			migrations, err := NewScanner(fsys, "migrations").Scan()
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Fatalf("expected %v, got %v", tt.expectError, err)
				}
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Fatalf("expected error containing %q, got %v", tt.errorContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(migrations) != len(tt.expectedOrder) {
				t.Fatalf("expected %d migrations, got %d", len(tt.expectedOrder), len(migrations))
			}
			for i, version := range tt.expectedOrder {
				if migrations[i].Version != version {
					t.Errorf("position %d: expected version %s, got %s", i, version, migrations[i].Version)
				}
				if migrations[i].Checksum == "" {
					t.Errorf("version %s: expected checksum", version)
				}
			}
		})
	}
}

func TestScanner_Description(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_initial_schema.sql": {Data: []byte("-- Description: Create coaching tables\nCREATE TABLE a (id TEXT);")},
		"m/002_add_index.sql":      {Data: []byte("CREATE INDEX i ON a(id);")},
	}

	migrations, err := NewScanner(fsys, "m").Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := migrations[0].Description; got != "Create coaching tables" {
		t.Errorf("expected description from content, got %q", got)
	}
	if got := migrations[1].Description; got != "add index" {
		t.Errorf("expected description from filename, got %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	sql := `-- header
CREATE TABLE a (id TEXT);

-- comment between
CREATE INDEX i ON a(id);
`
	statements := splitStatements(sql)
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(statements), statements)
	}
	if statements[1] != "CREATE INDEX i ON a(id)" {
		t.Errorf("unexpected second statement %q", statements[1])
	}
}

func TestSplitStatements_KeepsTriggerBodies(t *testing.T) {
	sql := `CREATE TABLE log (id TEXT);
CREATE TRIGGER log_no_delete BEFORE DELETE ON log
BEGIN
    SELECT RAISE(ABORT, 'append-only');
END;
CREATE INDEX i ON log(id);`

	statements := splitStatements(sql)
	if len(statements) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(statements), statements)
	}
	want := "CREATE TRIGGER log_no_delete BEFORE DELETE ON log\nBEGIN\nSELECT RAISE(ABORT, 'append-only');\nEND"
	if statements[1] != want {
		t.Errorf("unexpected trigger statement:\n%s", statements[1])
	}
}
