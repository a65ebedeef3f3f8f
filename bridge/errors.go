package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-stdio-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-bridge/internal/outbound"
	"github.com/ggoodman/mcp-stdio-bridge/process"
	"github.com/ggoodman/mcp-stdio-bridge/readiness"
)

// Errors produced by the components the session drives.
type (
	// SpawnError reports missing configuration or an OS launch failure.
	SpawnError = process.SpawnError
	// WriteError reports a failed write to the child's stdin.
	WriteError = process.WriteError
	// InitTimeoutError reports that the child never signalled readiness.
	InitTimeoutError = readiness.InitTimeoutError
	// TimeoutError reports that a request got no response in time.
	TimeoutError = outbound.TimeoutError
	// DuplicateIDError reports a caller id that is already in flight.
	DuplicateIDError = outbound.DuplicateIDError
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("session already started")

// NotReadyError is returned for calls made before readiness or after the
// session became terminal.
type NotReadyError struct {
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("bridge not ready (state %s)", e.State)
}

// ProcessClosedError resolves requests that were pending when the child
// exited or the session was shut down.
type ProcessClosedError struct {
	// Status is set when the child exited on its own.
	Status *process.ExitStatus
	// Reason is set when the bridge closed the session.
	Reason string
}

func (e *ProcessClosedError) Error() string {
	if e.Status != nil {
		return fmt.Sprintf("child process exited (%s)", e.Status)
	}
	if e.Reason != "" {
		return "child process closed: " + e.Reason
	}
	return "child process closed"
}

// ExecutionError carries a JSON-RPC error reply from the child.
type ExecutionError struct {
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("child returned error %d (%s): %s", e.Code, e.Code, e.Message)
}

// Kind is the coarse category of a bridge error.
type Kind string

const (
	KindNotReady        Kind = "not_ready"
	KindTimeout         Kind = "timeout"
	KindExecutionFailed Kind = "execution_failed"
	KindClosed          Kind = "closed"
	KindWriteFailed     Kind = "write_failed"
	KindDuplicateID     Kind = "duplicate_id"
	KindInternal        Kind = "internal"
)

// Classify maps err to its Kind. A nil error has no kind.
func Classify(err error) Kind {
	var (
		notReady  *NotReadyError
		timeout   *TimeoutError
		exec      *ExecutionError
		closed    *ProcessClosedError
		duplicate *DuplicateIDError
		write     *WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notReady):
		return KindNotReady
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &exec):
		return KindExecutionFailed
	case errors.As(err, &closed):
		return KindClosed
	case errors.As(err, &write):
		return KindWriteFailed
	case errors.As(err, &duplicate):
		return KindDuplicateID
	default:
		return KindInternal
	}
}

// Retryable reports whether the same call may succeed later.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNotReady, KindTimeout, KindWriteFailed:
		return true
	default:
		return false
	}
}
