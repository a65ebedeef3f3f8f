// Package readiness decides when a freshly spawned child has finished
// booting by watching its early output on both stdout and stderr.
//
// Servers do not announce readiness uniformly: some log a banner, some send a
// notification, some only answer the initialize request. The Detector
// therefore accepts any of an ordered list of Matchers and falls back to
// failure when none fires before the timeout.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxBootLog bounds the early output kept for diagnostics.
const maxBootLog = 64 << 10

// State is the detector state.
type State int

const (
	StateBooting State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InitTimeoutError reports that no readiness signal arrived in time.
type InitTimeoutError struct {
	Timeout time.Duration
	// BootLog holds the early output seen while booting.
	BootLog string
}

func (e *InitTimeoutError) Error() string {
	return fmt.Sprintf("child not ready after %s", e.Timeout)
}

// Detector implements the Booting -> Ready | Failed state machine. All
// methods are safe for concurrent use.
type Detector struct {
	log      *slog.Logger
	timeout  time.Duration
	matchers []Matcher

	mu      sync.Mutex
	state   State
	err     error
	bootLog strings.Builder
	matched string
	timer   *time.Timer
	done    chan struct{}
}

// New constructs a detector. With no matchers, DefaultMatchers is used.
func New(timeout time.Duration, log *slog.Logger, matchers ...Matcher) *Detector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Detector{
		log:      log,
		timeout:  timeout,
		matchers: matchers,
		done:     make(chan struct{}),
	}
}

// Start arms the timeout. Calling it more than once has no effect.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil || d.state != StateBooting {
		return
	}
	d.timer = time.AfterFunc(d.timeout, d.expire)
}

func (d *Detector) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateBooting {
		return
	}
	d.log.Error("readiness.timeout", slog.Duration("timeout", d.timeout))
	d.finishLocked(StateFailed, &InitTimeoutError{Timeout: d.timeout, BootLog: d.bootLog.String()})
}

// Observe inspects one line of early output. The first matching observation
// transitions the detector to Ready; later observations are ignored. It
// reports whether this observation caused the transition.
func (d *Detector) Observe(o Observation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateBooting {
		return false
	}

	if d.bootLog.Len() < maxBootLog {
		fmt.Fprintf(&d.bootLog, "[%s] %s\n", o.Stream, o.Text)
	}

	for _, m := range d.matchers {
		if m.Match(o) {
			d.matched = m.String()
			d.log.Info("readiness.ready", slog.String("matcher", d.matched), slog.String("stream", string(o.Stream)))
			d.finishLocked(StateReady, nil)
			return true
		}
	}
	return false
}

// Fail aborts booting with err, e.g. when the child exits before it is ready.
func (d *Detector) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateBooting {
		return
	}
	d.log.Error("readiness.fail", slog.String("err", err.Error()))
	d.finishLocked(StateFailed, err)
}

func (d *Detector) finishLocked(s State, err error) {
	d.state = s
	d.err = err
	if d.timer != nil {
		d.timer.Stop()
	}
	d.bootLog.Reset()
	close(d.done)
}

// Wait blocks until the detector leaves Booting or ctx is done. It returns
// nil once Ready, the failure error once Failed.
func (d *Detector) Wait(ctx context.Context) error {
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done is closed when the detector reaches a terminal state.
func (d *Detector) Done() <-chan struct{} { return d.done }

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Ready reports whether the detector reached Ready.
func (d *Detector) Ready() bool { return d.State() == StateReady }

// Matched returns the name of the matcher that fired, if any.
func (d *Detector) Matched() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.matched
}
