package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultTerminateGrace = 5 * time.Second
	defaultDrainTimeout   = 2 * time.Second
)

// Config describes how to launch the child.
type Config struct {
	// Command is the executable to run.
	Command string
	// Args are passed to Command.
	Args []string
	// Env holds variables set for the child on top of the inherited
	// environment (if InheritEnv) or alone.
	Env map[string]string
	// RequiredEnv lists variables that must be present and non-empty in the
	// final child environment. They are checked before anything is spawned.
	RequiredEnv []string
	// InheritEnv starts the child environment from os.Environ().
	InheritEnv bool
	// Dir is the working directory; empty means the current one.
	Dir string
}

// ExitStatus describes how the child exited.
type ExitStatus struct {
	Code   int
	Signal string
	Uptime time.Duration
	// Err is the error returned by Wait, if any beyond a non-zero exit.
	Err error
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Process is a running child. Its zero value is not usable; use Spawn.
type Process struct {
	log       *slog.Logger
	callbacks Callbacks
	grace     time.Duration
	drain     time.Duration

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *os.File
	started time.Time

	writeSem chan struct{}
	statusMu sync.Mutex

	alive       atomic.Bool
	state       atomic.Int32
	done        chan struct{}
	exit        ExitStatus
	termOnce    sync.Once
	readersOnce sync.Once
}

// Spawn validates cfg and launches the child with piped stdio. Missing
// required environment is reported as a *SpawnError before any process is
// created.
func Spawn(ctx context.Context, cfg Config, opts ...Option) (*Process, error) {
	p := &Process{
		log:   discardLogger(),
		grace: defaultTerminateGrace,
		drain: defaultDrainTimeout,
		done:  make(chan struct{}),

		writeSem: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}

	if cfg.Command == "" {
		return nil, &SpawnError{Err: ErrEmptyCommand}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	env := BuildEnv(cfg)
	if missing := MissingEnv(env, cfg.RequiredEnv); len(missing) > 0 {
		p.log.Error("process.spawn.missing_env", slog.String("command", cfg.Command), slog.Any("missing", missing))
		return nil, &SpawnError{Command: cfg.Command, Missing: missing}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	// Own the read ends so that Wait does not close them before readers
	// have drained trailing output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		p.log.Error("process.spawn.fail", slog.String("command", cfg.Command), slog.String("err", err.Error()))
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdoutR
	p.stderr = stderrR
	p.started = time.Now()
	p.alive.Store(true)
	p.state.Store(int32(StateRunning))

	pid := cmd.Process.Pid
	p.log.Info("process.spawn", slog.String("command", cfg.Command), slog.Any("args", cfg.Args), slog.Int("pid", pid))
	if p.callbacks.OnStart != nil {
		p.callbacks.OnStart(pid)
	}

	go p.wait()

	return p, nil
}

// wait observes process exit. It is the only place liveness flips to false.
func (p *Process) wait() {
	err := p.cmd.Wait()

	status := ExitStatus{Code: -1, Uptime: time.Since(p.started)}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}

	p.statusMu.Lock()
	p.exit = status
	p.statusMu.Unlock()
	p.alive.Store(false)
	p.state.Store(int32(StateExited))

	attrs := []any{
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Int("code", status.Code),
		slog.Duration("uptime", status.Uptime),
	}
	if status.Signal != "" {
		attrs = append(attrs, slog.String("signal", status.Signal))
	}
	if status.Err != nil {
		attrs = append(attrs, slog.String("err", status.Err.Error()))
	}
	p.log.Info("process.exit", attrs...)

	close(p.done)
	time.AfterFunc(p.drain, p.closeReaders)

	if p.callbacks.OnExit != nil {
		p.callbacks.OnExit(status)
	}
}

func (p *Process) closeReaders() {
	p.readersOnce.Do(func() {
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}

// Write appends a newline to b and writes the line to the child's stdin as a
// single write. Concurrent writers are serialized; a writer still waiting
// for its turn gives up when ctx is done. A write already in progress is
// only interrupted by the child reading, exiting, or Terminate.
func (p *Process) Write(ctx context.Context, b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(line, b...)
	line = append(line, '\n')

	select {
	case p.writeSem <- struct{}{}:
	case <-ctx.Done():
		return &WriteError{Err: ctx.Err()}
	case <-p.done:
		return &WriteError{Err: ErrNotAlive}
	}
	defer func() { <-p.writeSem }()

	if !p.alive.Load() {
		return &WriteError{Err: ErrNotAlive}
	}
	if _, err := p.stdin.Write(line); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Terminate sends sig to the child and kills it if it is still running after
// the grace period. Terminating an exited process is a no-op.
func (p *Process) Terminate(sig os.Signal) error {
	if !p.alive.Load() {
		return nil
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}

	p.log.Info("process.terminate", slog.Int("pid", p.PID()), slog.String("signal", sig.String()))

	// Closing stdin lets well-behaved stdio servers exit on EOF. It also
	// unblocks a writer stuck on a child that stopped reading.
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal %s: %w", sig, err)
	}

	p.termOnce.Do(func() {
		go func() {
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.log.Warn("process.terminate.kill", slog.Int("pid", p.PID()), slog.Duration("grace", p.grace))
				_ = p.cmd.Process.Kill()
			}
		}()
	})
	return nil
}

// Stdout returns the child's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the child's standard error.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool { return p.alive.Load() }

// State returns the lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus returns the exit status. It is only meaningful after Done is
// closed.
func (p *Process) ExitStatus() ExitStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.exit
}

// BuildEnv assembles the child environment from cfg.
func BuildEnv(cfg Config) []string {
	env := []string{}
	if cfg.InheritEnv {
		env = os.Environ()
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = setEnv(env, k, cfg.Env[k])
	}
	return env
}

// MissingEnv returns the required keys that are unset or empty in env.
func MissingEnv(env []string, required []string) []string {
	var missing []string
	for _, key := range required {
		if key == "" {
			continue
		}
		if v, ok := lookupEnv(env, key); !ok || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func lookupEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
