// Package outbound correlates JSON-RPC requests written to a peer with the
// responses read back from it.
package outbound

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-stdio-bridge/internal/jsonrpc"
)

// Transport abstracts how requests reach the peer.
type Transport interface {
	Send(ctx context.Context, req *jsonrpc.Request) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *jsonrpc.Request) error

func (f TransportFunc) Send(ctx context.Context, req *jsonrpc.Request) error { return f(ctx, req) }

// CallOptions describes one outbound request.
type CallOptions struct {
	// ID is the correlation id. A random UUID is generated when empty.
	ID     string
	Method string
	Params any
	// Timeout bounds the wait for a response. Zero waits until ctx is done
	// or the dispatcher is closed.
	Timeout time.Duration
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	TimedOut  uint64 `json:"timedOut"`
	Dropped   uint64 `json:"dropped"`
	Closed    uint64 `json:"closed"`
}

type outcome struct {
	resp *jsonrpc.Response
	err  error
}

type pendingCall struct {
	id      string
	method  string
	created time.Time
	timer   *time.Timer
	ch      chan outcome
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for correlation events.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher tracks in-flight requests keyed by the canonical id string.
// Every pending entry is resolved exactly once: by a response, by its
// timeout, or by Close. Whoever removes the entry from the map resolves it.
type Dispatcher struct {
	t   Transport
	log *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error

	sent      atomic.Uint64
	delivered atomic.Uint64
	timedOut  atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{t: t, pending: make(map[string]*pendingCall)}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	return d
}

// Call sends a request and waits for its response, its timeout, the
// dispatcher closing, or ctx cancellation. A JSON-RPC error reply is
// returned as a Response with Error set and a nil error.
func (d *Dispatcher) Call(ctx context.Context, opts CallOptions) (*jsonrpc.Response, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), opts.Method, opts.Params)
	if err != nil {
		return nil, err
	}
	// Keys must match what the peer echoes back.
	key := req.ID.String()

	pc := &pendingCall{
		id:      key,
		method:  opts.Method,
		created: time.Now(),
		ch:      make(chan outcome, 1),
	}

	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		return nil, &DuplicateIDError{ID: key}
	}
	d.pending[key] = pc
	if opts.Timeout > 0 {
		timeout := opts.Timeout
		pc.timer = time.AfterFunc(timeout, func() { d.expire(pc, timeout) })
	}
	d.mu.Unlock()

	// The write runs beside the wait so a peer that stops reading cannot
	// hold the caller past its timeout. sendCtx ends once the call resolves,
	// releasing a write still queued behind others.
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	go d.send(sendCtx, pc, req)

	select {
	case out := <-pc.ch:
		return out.resp, out.err
	case <-ctx.Done():
		// A resolution may race with cancellation; remove is a no-op then.
		if d.remove(pc) {
			d.log.DebugContext(ctx, "rpc.abandon", slog.String("id", key), slog.String("method", opts.Method))
			return nil, ctx.Err()
		}
		out := <-pc.ch
		return out.resp, out.err
	}
}

func (d *Dispatcher) send(ctx context.Context, pc *pendingCall, req *jsonrpc.Request) {
	if err := d.t.Send(ctx, req); err != nil {
		if !d.remove(pc) {
			return
		}
		d.log.Debug("rpc.send.fail", slog.String("id", pc.id), slog.String("method", pc.method), slog.String("err", err.Error()))
		pc.ch <- outcome{err: err}
		return
	}
	d.sent.Add(1)
}

// remove deletes pc if it is still the pending entry for its id.
func (d *Dispatcher) remove(pc *pendingCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[pc.id]; !ok || cur != pc {
		return false
	}
	delete(d.pending, pc.id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return true
}

func (d *Dispatcher) expire(pc *pendingCall, after time.Duration) {
	if !d.remove(pc) {
		return
	}
	d.timedOut.Add(1)
	d.log.Warn("rpc.timeout", slog.String("id", pc.id), slog.String("method", pc.method), slog.Duration("after", after))
	pc.ch <- outcome{err: &TimeoutError{ID: pc.id, Method: pc.method, After: after}}
}

// Deliver routes a response to its waiting caller. Responses whose id is
// unknown, already resolved or missing are dropped; Deliver reports whether
// the response was matched.
func (d *Dispatcher) Deliver(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		d.dropped.Add(1)
		return false
	}
	key := resp.ID.String()

	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	d.mu.Unlock()

	if !ok {
		d.dropped.Add(1)
		d.log.Debug("rpc.drop", slog.String("id", key))
		return false
	}
	d.delivered.Add(1)
	pc.ch <- outcome{resp: resp}
	return true
}

// Close resolves every pending call with err and makes later calls fail
// with err immediately. Only the first Close has an effect.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	victims := make([]*pendingCall, 0, len(d.pending))
	for key, pc := range d.pending {
		delete(d.pending, key)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		victims = append(victims, pc)
	}
	d.mu.Unlock()

	if len(victims) > 0 {
		d.log.Warn("rpc.close", slog.Int("pending", len(victims)), slog.String("err", err.Error()))
	}
	for _, pc := range victims {
		d.failed.Add(1)
		pc.ch <- outcome{err: err}
	}
}

// Pending returns the number of in-flight requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Pending:   d.Pending(),
		Sent:      d.sent.Load(),
		Delivered: d.delivered.Load(),
		TimedOut:  d.timedOut.Load(),
		Dropped:   d.dropped.Load(),
		Closed:    d.failed.Load(),
	}
}
