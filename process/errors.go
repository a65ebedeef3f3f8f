package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotAlive is returned when writing to a process that has exited.
	ErrNotAlive = errors.New("process is not alive")
	// ErrEmptyCommand is returned when no command was configured.
	ErrEmptyCommand = errors.New("no command configured")
)

// SpawnError reports that the child could not be started, either because
// required configuration is missing or because the OS refused to launch it.
type SpawnError struct {
	Command string
	// Missing lists required environment variables that were absent.
	Missing []string
	Err     error
}

func (e *SpawnError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("spawn %s: missing required environment: %s", e.Command, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the child's stdin.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to child stdin: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
