// Package bridge drives one long-lived stdio JSON-RPC child and exposes it as
// a concurrent request/response API.
//
// A Session spawns the child, frames its stdout and stderr into protocol
// messages and diagnostics, waits for the child to signal readiness, and
// correlates every forwarded request with the response carrying the same id.
// When the child exits, every pending request fails with a
// ProcessClosedError and the session refuses further calls; there is no
// automatic restart.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-stdio-bridge/broker"
	"github.com/ggoodman/mcp-stdio-bridge/framing"
	"github.com/ggoodman/mcp-stdio-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-bridge/internal/logctx"
	"github.com/ggoodman/mcp-stdio-bridge/internal/metrics"
	"github.com/ggoodman/mcp-stdio-bridge/internal/outbound"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
	"github.com/ggoodman/mcp-stdio-bridge/process"
	"github.com/ggoodman/mcp-stdio-bridge/readiness"
)

const (
	DefaultReadyTimeout   = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultHandshakeDelay = 500 * time.Millisecond

	publishTimeout = 2 * time.Second
)

// Config describes the child and the session timeouts.
type Config struct {
	Process process.Config

	// ReadyTimeout bounds the wait for a readiness signal.
	ReadyTimeout time.Duration
	// RequestTimeout is the default per-request timeout.
	RequestTimeout time.Duration
	// HandshakeDelay is how long after spawning the initialize handshake is
	// sent. Zero sends it immediately.
	HandshakeDelay time.Duration
	// Matchers replaces readiness.DefaultMatchers. A matcher for the
	// handshake reply is always added.
	Matchers []readiness.Matcher
	// TerminateGrace is how long Shutdown waits before killing the child.
	TerminateGrace time.Duration
	// MaxLineSize bounds a single line of child output.
	MaxLineSize int
}

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one child process. All methods are safe for concurrent use.
type Session struct {
	cfg        Config
	log        *slog.Logger
	broker     broker.Broker
	metrics    *metrics.Collector
	clientInfo mcp.ImplementationInfo

	disp        *outbound.Dispatcher
	detector    *readiness.Detector
	handshakeID string
	spawn       func(context.Context, process.Config, ...process.Option) (*process.Process, error)

	mu             sync.Mutex
	state          State
	proc           *process.Process
	shutdownSig    os.Signal
	handshakeTimer *time.Timer
	serverInfo     *mcp.InitializeResult

	stdoutDone   chan struct{}
	stderrDone   chan struct{}
	done         chan struct{}
	doneOnce     sync.Once
	shutdownOnce sync.Once
}

// New constructs an idle session. Call Start to spawn the child.
func New(cfg Config, opts ...Option) *Session {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HandshakeDelay < 0 {
		cfg.HandshakeDelay = DefaultHandshakeDelay
	}

	s := &Session{
		cfg:         cfg,
		log:         slog.New(slog.DiscardHandler),
		clientInfo:  mcp.ImplementationInfo{Name: "mcp-stdio-bridge", Version: "dev"},
		handshakeID: "bridge-init-" + uuid.NewString(),
		spawn:       process.Spawn,
		stdoutDone:  make(chan struct{}),
		stderrDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	matchers := cfg.Matchers
	if len(matchers) == 0 {
		matchers = readiness.DefaultMatchers()
	}
	matchers = append(matchers[:len(matchers):len(matchers)], readiness.ResponseTo(s.handshakeID))
	s.detector = readiness.New(cfg.ReadyTimeout, s.log, matchers...)

	s.disp = outbound.New(outbound.TransportFunc(s.send), outbound.WithLogger(s.log))
	s.metrics.TrackPending(s.disp.Pending)
	return s
}

// Start spawns the child and blocks until it is ready, readiness times out,
// the child exits, or ctx is done. It may be called once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	procOpts := []process.Option{
		process.WithLogger(s.log),
		process.WithCallbacks(process.Callbacks{OnExit: s.onExit}),
	}
	if s.cfg.TerminateGrace > 0 {
		procOpts = append(procOpts, process.WithTerminateGrace(s.cfg.TerminateGrace))
	}

	proc, err := s.spawn(ctx, s.cfg.Process, procOpts...)
	if err != nil {
		s.transition(StateStarting, StateFailed)
		s.detector.Fail(err)
		s.disp.Close(&ProcessClosedError{Reason: "spawn failed"})
		s.publish(broker.Event{Type: broker.EventInitFailed, Detail: err.Error()})
		close(s.stdoutDone)
		close(s.stderrDone)
		s.finish()
		return err
	}

	s.mu.Lock()
	s.proc = proc
	sig := s.shutdownSig
	closed := s.state == StateClosed
	s.mu.Unlock()
	s.metrics.ChildStarted()
	if !closed {
		s.publish(broker.Event{Type: broker.EventSpawned, PID: proc.PID()})
	}

	fopts := []framing.Option{}
	if s.cfg.MaxLineSize > 0 {
		fopts = append(fopts, framing.WithMaxLineSize(s.cfg.MaxLineSize))
	}
	go s.readLoop(proc.Stdout(), readiness.StreamStdout, s.stdoutDone, fopts)
	go s.readLoop(proc.Stderr(), readiness.StreamStderr, s.stderrDone, fopts)

	if closed {
		// Shutdown ran while the child was being spawned and could not
		// signal it.
		s.log.Info("bridge.shutdown", slog.Int("pid", proc.PID()), slog.String("signal", sig.String()))
		_ = proc.Terminate(sig)
		return &ProcessClosedError{Reason: "shutdown"}
	}

	s.detector.Start()
	s.mu.Lock()
	if s.state == StateStarting {
		s.handshakeTimer = time.AfterFunc(s.cfg.HandshakeDelay, s.handshake)
	}
	s.mu.Unlock()

	if err := s.detector.Wait(ctx); err != nil {
		s.detector.Fail(err)
		s.log.Error("bridge.start.fail", slog.String("err", err.Error()))
		if s.transition(StateStarting, StateFailed) {
			s.metrics.SetReady(false)
			s.publish(broker.Event{Type: broker.EventInitFailed, PID: proc.PID(), Detail: err.Error()})
			s.stopHandshake()
			_ = proc.Terminate(syscall.SIGTERM)
		}
		return err
	}

	if !s.transition(StateStarting, StateReady) {
		return &NotReadyError{State: s.State()}
	}
	s.metrics.SetReady(true)
	s.log.Info("bridge.ready", slog.Int("pid", proc.PID()), slog.String("matcher", s.detector.Matched()))
	s.publish(broker.Event{Type: broker.EventReady, PID: proc.PID(), Detail: s.detector.Matched()})
	return nil
}

// Invoke forwards method with params to the child and returns the raw
// result. A JSON-RPC error reply is returned as *ExecutionError.
func (s *Session) Invoke(ctx context.Context, method string, params any, opts ...InvokeOption) (json.RawMessage, error) {
	o := invokeOptions{timeout: s.cfg.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if !s.IsReady() {
		err := &NotReadyError{State: s.State()}
		s.metrics.RecordRequest(method, metrics.OutcomeNotReady, 0)
		return nil, err
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: o.id})
	start := time.Now()
	resp, err := s.disp.Call(ctx, outbound.CallOptions{
		ID:      o.id,
		Method:  method,
		Params:  params,
		Timeout: o.timeout,
	})
	elapsed := time.Since(start)
	if err == nil && resp.Error != nil {
		err = &ExecutionError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}
	if err != nil {
		s.metrics.RecordRequest(method, outcome(err), elapsed)
		s.log.DebugContext(ctx, "rpc.fail", slog.String("kind", string(Classify(err))), slog.String("err", err.Error()))
		return nil, err
	}

	s.metrics.RecordRequest(method, metrics.OutcomeOK, elapsed)
	s.log.DebugContext(ctx, "rpc.ok", slog.Duration("elapsed", elapsed))
	return resp.Result, nil
}

func outcome(err error) string {
	switch Classify(err) {
	case KindNotReady:
		return metrics.OutcomeNotReady
	case KindTimeout:
		return metrics.OutcomeTimeout
	case KindExecutionFailed:
		return metrics.OutcomeError
	case KindClosed:
		return metrics.OutcomeClosed
	case KindWriteFailed:
		return metrics.OutcomeWrite
	default:
		return metrics.OutcomeOther
	}
}

// Shutdown terminates the child with sig (SIGTERM when nil) and fails every
// pending request with a ProcessClosedError. It is idempotent.
func (s *Session) Shutdown(sig os.Signal) error {
	if sig == nil {
		sig = syscall.SIGTERM
	}
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.shutdownSig = sig
		proc := s.proc
		s.mu.Unlock()

		s.stopHandshake()
		closed := &ProcessClosedError{Reason: "shutdown"}
		s.detector.Fail(closed)
		s.disp.Close(closed)
		s.metrics.SetReady(false)

		ev := broker.Event{Type: broker.EventShutdown, Signal: sig.String()}
		if proc == nil {
			s.publish(ev)
			// A Start still inside Spawn terminates the child it gets
			// back and finishes the session through the usual exit path.
			if prev == StateIdle {
				close(s.stdoutDone)
				close(s.stderrDone)
				s.finish()
			}
			return
		}
		ev.PID = proc.PID()
		s.publish(ev)
		s.log.Info("bridge.shutdown", slog.Int("pid", proc.PID()), slog.String("signal", sig.String()))
		err = proc.Terminate(sig)
	})
	return err
}

// Done is closed once the child has exited and its output was drained, or
// immediately after Shutdown of a session that never spawned.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsReady reports whether calls are accepted.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.proc != nil && s.proc.Alive()
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of in-flight requests.
func (s *Session) Pending() int { return s.disp.Pending() }

// PID returns the child pid, or zero before spawn.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// ServerInfo returns the child's reply to the initialize handshake, if any.
func (s *Session) ServerInfo() (*mcp.InitializeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo, s.serverInfo != nil
}

// Stats is a point-in-time view of the session.
type Stats struct {
	State      string                  `json:"state"`
	PID        int                     `json:"pid,omitzero"`
	Requests   outbound.Stats          `json:"requests"`
	Latency    metrics.LatencySummary  `json:"latency"`
	ServerInfo *mcp.ImplementationInfo `json:"serverInfo,omitempty"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		State:    s.State().String(),
		PID:      s.PID(),
		Requests: s.disp.Stats(),
		Latency:  s.metrics.Latency(),
	}
	if info, ok := s.ServerInfo(); ok {
		st.ServerInfo = &info.ServerInfo
	}
	return st
}

// transition moves from -> to and reports whether the session was in from.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// send is the dispatcher transport.
func (s *Session) send(ctx context.Context, req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return s.write(ctx, b)
}

func (s *Session) write(ctx context.Context, b []byte) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return &WriteError{Err: process.ErrNotAlive}
	}
	return proc.Write(ctx, b)
}

func (s *Session) onExit(status process.ExitStatus) {
	s.metrics.ChildExited(status.Code, status.Signal)
	s.stopHandshake()
	go s.afterExit(status)
}

func (s *Session) afterExit(status process.ExitStatus) {
	closed := &ProcessClosedError{Status: &status}

	// Let responses written just before exit reach their callers.
	<-s.stdoutDone
	s.detector.Fail(closed)
	s.disp.Close(closed)

	// A child that dies while booting is reported as failed by Start.
	s.transition(StateReady, StateClosed)
	s.metrics.SetReady(false)

	ev := broker.Event{Type: broker.EventExited, Signal: status.Signal, Detail: status.String()}
	code := status.Code
	ev.ExitCode = &code
	s.publish(ev)

	<-s.stderrDone
	s.finish()
}

func (s *Session) readLoop(r io.Reader, stream readiness.Stream, done chan struct{}, opts []framing.Option) {
	defer close(done)
	handle := s.handleStderr
	if stream == readiness.StreamStdout {
		handle = s.handleStdout
	}
	if err := framing.Run(context.Background(), r, handle, opts...); err != nil {
		s.log.Warn("child.read.fail", slog.String("stream", string(stream)), slog.String("err", err.Error()))
	}
}

func (s *Session) handleStdout(fr framing.Frame) {
	s.detector.Observe(readiness.Observation{Stream: readiness.StreamStdout, Text: fr.Text, Message: fr.Message})

	if fr.Kind == framing.KindDiagnostic {
		s.diagnostic(readiness.StreamStdout, fr)
		return
	}

	msg := fr.Message
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		resp := msg.AsResponse()
		if msg.ID.String() == s.handshakeID {
			s.handshakeReply(resp)
			return
		}
		if !s.disp.Deliver(resp) {
			s.metrics.FrameDropped(metrics.DropUnknownID)
		}
	case jsonrpc.TypeNotification:
		s.metrics.FrameDropped(metrics.DropNotification)
		s.notification(msg)
	case jsonrpc.TypeRequest:
		// Replies are written off the read loop so stdout keeps draining
		// while stdin is backed up.
		go s.childRequest(msg.AsRequest())
	}
}

func (s *Session) handleStderr(fr framing.Frame) {
	s.detector.Observe(readiness.Observation{Stream: readiness.StreamStderr, Text: fr.Text, Message: fr.Message})

	if fr.Kind == framing.KindDiagnostic {
		s.diagnostic(readiness.StreamStderr, fr)
		return
	}
	// Protocol messages are only routed from stdout.
	s.log.Debug("child.stderr.message", slog.String("type", fr.Message.Type()), slog.String("id", fr.Message.ID.String()))
}

func (s *Session) diagnostic(stream readiness.Stream, fr framing.Frame) {
	s.metrics.DiagnosticLine(string(stream))
	if fr.Truncated {
		s.metrics.FrameDropped(metrics.DropTruncated)
		s.log.Warn("child.line.truncated", slog.String("stream", string(stream)), slog.Int("size", len(fr.Text)))
		return
	}
	if stream == readiness.StreamStderr {
		s.log.Info("child.stderr", slog.String("line", fr.Text))
		return
	}
	s.log.Debug("child.stdout", slog.String("line", fr.Text))
}

func (s *Session) notification(msg *jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.LoggingMessageNotificationMethod) {
		s.log.Debug("child.notification", slog.String("method", msg.Method))
		return
	}
	var lm mcp.LoggingMessageNotification
	if err := json.Unmarshal(msg.Params, &lm); err != nil {
		s.log.Debug("child.notification.invalid", slog.String("method", msg.Method), slog.String("err", err.Error()))
		return
	}
	s.log.Info("child.log", slog.String("level", lm.Level), slog.String("logger", lm.Logger), slog.Any("data", lm.Data))
}

// childRequest answers requests the child sends to its client. Only ping is
// supported; everything else gets method-not-found so the child does not
// wait forever.
func (s *Session) childRequest(req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	if req.Method == string(mcp.PingMethod) {
		resp, _ = jsonrpc.NewResultResponse(req.ID, struct{}{})
	} else {
		s.metrics.FrameDropped(metrics.DropRequest)
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported by bridge: "+req.Method, nil)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.write(context.Background(), b); err != nil {
		s.log.Warn("child.request.reply.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
	}
}

// handshake writes the initialize request outside the dispatcher; its reply
// is recognized by id in handleStdout.
func (s *Session) handshake() {
	s.mu.Lock()
	starting := s.state == StateStarting || s.state == StateReady
	s.mu.Unlock()
	if !starting {
		return
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(s.handshakeID), string(mcp.InitializeMethod), s.initializeParams())
	if err != nil {
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		return
	}
	if err := s.write(context.Background(), b); err != nil {
		s.log.Warn("bridge.handshake.fail", slog.String("err", err.Error()))
		return
	}
	s.log.Debug("bridge.handshake.sent", slog.String("id", s.handshakeID))
}

func (s *Session) handshakeReply(resp *jsonrpc.Response) {
	if resp.Error != nil {
		s.log.Warn("bridge.handshake.error", slog.Int("code", int(resp.Error.Code)), slog.String("message", resp.Error.Message))
		return
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		s.log.Warn("bridge.handshake.invalid", slog.String("err", err.Error()))
	} else {
		s.mu.Lock()
		s.serverInfo = &res
		s.mu.Unlock()
		s.log.Info("bridge.handshake.ok",
			slog.String("server", res.ServerInfo.Name),
			slog.String("version", res.ServerInfo.Version),
			slog.String("protocol_version", res.ProtocolVersion))
	}

	n, err := jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	go func() {
		if err := s.write(context.Background(), b); err != nil {
			s.log.Warn("bridge.handshake.notify.fail", slog.String("err", err.Error()))
		}
	}()
}

func (s *Session) stopHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
}

func (s *Session) initializeParams() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      s.clientInfo,
	}
}

func (s *Session) publish(ev broker.Event) {
	if s.broker == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := s.broker.Publish(ctx, broker.TopicLifecycle, ev); err != nil {
		s.log.Warn("bridge.publish.fail", slog.String("event", string(ev.Type)), slog.String("err", err.Error()))
	}
}
