package process

import (
	"log/slog"
	"time"
)

// Callbacks contains optional callback functions for process events.
type Callbacks struct {
	// OnStart is called once the process has started.
	OnStart func(pid int)

	// OnExit is called exactly once when the process exits.
	OnExit func(status ExitStatus)
}

// Option customizes Spawn.
type Option func(*Process)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) {
		if l != nil {
			p.log = l
		}
	}
}

// WithCallbacks registers lifecycle callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(p *Process) {
		p.callbacks = cb
	}
}

// WithTerminateGrace sets how long Terminate waits before killing a child
// that ignored the signal.
func WithTerminateGrace(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithDrainTimeout bounds how long the output pipes stay open after exit so
// readers can drain trailing output. Descendants holding the pipes open
// cannot keep readers blocked past this.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.drain = d
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
