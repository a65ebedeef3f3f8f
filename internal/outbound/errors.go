package outbound

import (
	"errors"
	"fmt"
	"time"
)

// ErrDispatcherClosed is returned by Call after Close(nil).
var ErrDispatcherClosed = errors.New("dispatcher closed")

// TimeoutError reports that no response arrived within the request timeout.
type TimeoutError struct {
	ID     string
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q (%s) timed out after %s", e.ID, e.Method, e.After)
}

// DuplicateIDError reports that a caller-supplied id is already pending.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request id %q is already pending", e.ID)
}
