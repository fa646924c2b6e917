package migration

import (
	"errors"
	"fmt"
)

var (
	ErrMigrationFailed      = errors.New("migration execution failed")
	ErrInvalidMigrationFile = errors.New("invalid migration file format")
	// ErrVersionConflict covers a gap in the numbered sequence and an applied
	// version whose file has disappeared.
	ErrVersionConflict  = errors.New("migration version conflict")
	ErrDuplicateVersion = errors.New("duplicate migration version")
	// ErrChecksumMismatch means an applied file was edited after it ran.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

// StepError records which file and which step of the run failed.
type StepError struct {
	Version string
	File    string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("migration %s: %s: %v", e.File, e.Step, e.Err)
	}
	return fmt.Sprintf("migration %s (%s): %s: %v", e.Version, e.File, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepError(m Migration, step string, err error) *StepError {
	return &StepError{Version: m.Version, File: m.FilePath, Step: step, Err: err}
}
