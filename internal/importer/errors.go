package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotImportable means the run is unknown or not completed.
	ErrRunNotImportable = errors.New("run is not importable")
	// ErrImportInProgress rejects a second import of a run that is already importing.
	ErrImportInProgress = errors.New("import already in progress")
	// ErrRecordSkipped marks a record with neither title nor company.
	ErrRecordSkipped = errors.New("record has no title or company")
)

// ImportAbortedError is a failed import that left the store untouched.
type ImportAbortedError struct {
	RunID string
	Phase string
	Err   error
}

func (e *ImportAbortedError) Error() string {
	return fmt.Sprintf("import of run %s aborted during %s: %v", e.RunID, e.Phase, e.Err)
}

func (e *ImportAbortedError) Unwrap() error { return e.Err }
