// Package httpbridge exposes a bridge session over plain HTTP and JSON.
package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-stdio-bridge/bridge"
	"github.com/ggoodman/mcp-stdio-bridge/broker"
	"github.com/ggoodman/mcp-stdio-bridge/internal/logctx"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

const (
	requestIDHeader   = "X-Request-Id"
	lastEventIDHeader = "Last-Event-ID"

	defaultMaxBodyBytes = 4 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Invoker is the slice of *bridge.Session the handler needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, params any, opts ...bridge.InvokeOption) (json.RawMessage, error)
	Initialize(ctx context.Context, opts ...bridge.InvokeOption) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, cursor string, opts ...bridge.InvokeOption) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, name string, args map[string]any, opts ...bridge.InvokeOption) (*mcp.CallToolResult, error)
	IsReady() bool
	Stats() bridge.Stats
}

// RPCRequest is the body of POST /v1/rpc.
type RPCRequest struct {
	Method    string          `json:"method" jsonschema:"minLength=1,description=JSON-RPC method forwarded to the child"`
	Params    json.RawMessage `json:"params,omitempty" jsonschema:"description=Method parameters passed through unchanged"`
	ID        string          `json:"id,omitempty" jsonschema:"description=Request id to use instead of a generated one"`
	TimeoutMS int             `json:"timeoutMs,omitempty" jsonschema:"minimum=0,description=Per-request timeout in milliseconds"`
}

func (r RPCRequest) options() []bridge.InvokeOption {
	var opts []bridge.InvokeOption
	if r.ID != "" {
		opts = append(opts, bridge.WithID(r.ID))
	}
	if r.TimeoutMS > 0 {
		opts = append(opts, bridge.WithTimeout(time.Duration(r.TimeoutMS)*time.Millisecond))
	}
	return opts
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Detail    any    `json:"detail,omitempty"`
}

// Envelope wraps every JSON response.
type Envelope struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

const kindBadRequest = "bad_request"

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the handler logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetricsHandler serves m on GET /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithEvents streams the lifecycle topic of b on GET /v1/events.
func WithEvents(b broker.Broker) Option {
	return func(h *Handler) { h.events = b }
}

// WithMaxBodyBytes limits request bodies to n bytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler routes HTTP requests to an Invoker.
type Handler struct {
	inv     Invoker
	log     *slog.Logger
	metrics http.Handler
	events  broker.Broker
	maxBody int64
	schema  []byte
	mux     *http.ServeMux
}

// New returns a Handler serving inv.
func New(inv Invoker, opts ...Option) (*Handler, error) {
	h := &Handler{
		inv:     inv,
		log:     slog.New(slog.DiscardHandler),
		maxBody: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema, err := json.Marshal(r.Reflect(new(RPCRequest)))
	if err != nil {
		return nil, fmt.Errorf("reflect rpc schema: %w", err)
	}
	h.schema = schema

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/schema", h.handleSchema)
	mux.HandleFunc("POST /v1/rpc", h.handleRPC)
	mux.HandleFunc("POST /v1/initialize", h.handleInitialize)
	mux.HandleFunc("GET /v1/tools", h.handleListTools)
	mux.HandleFunc("POST /v1/tools/{name}", h.handleCallTool)
	if h.events != nil {
		mux.HandleFunc("GET /v1/events", h.handleEvents)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	w.Header().Set(requestIDHeader, reqID)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader+", "+lastEventIDHeader)
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(sw, r.WithContext(ctx))
	h.log.DebugContext(ctx, "http.done", slog.Int("status", sw.status), slog.Duration("elapsed", time.Since(start)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.inv.Stats()
	if !h.inv.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Error: &ErrorBody{
			Kind:      string(bridge.KindNotReady),
			Message:   "bridge not ready (state " + st.State + ")",
			Retryable: true,
		}})
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"state": st.State})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, h.inv.Stats())
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RPCRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		h.badRequest(ctx, w, "method is required")
		return
	}
	if req.TimeoutMS < 0 {
		h.badRequest(ctx, w, "timeoutMs must not be negative")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	res, err := h.inv.Invoke(ctx, req.Method, params, req.options()...)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.inv.Initialize(ctx, callOptions(r)...)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.inv.ListTools(ctx, r.URL.Query().Get("cursor"), callOptions(r)...)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

func (h *Handler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	var args map[string]any
	if !h.decodeBody(w, r, &args, false) {
		return
	}
	res, err := h.inv.CallTool(ctx, name, args, callOptions(r)...)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// handleEvents streams lifecycle events as server-sent events. A client
// resumes after the id in Last-Event-ID (or the lastEventId query parameter)
// when the broker still holds it.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.events.unacceptable")
		writeJSON(w, http.StatusNotAcceptable, Envelope{Error: &ErrorBody{
			Kind:    kindBadRequest,
			Message: "accept must allow text/event-stream",
		}})
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}

	st, err := h.events.Subscribe(ctx, broker.TopicLifecycle, lastEventID)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, Envelope{Error: &ErrorBody{
			Kind:    string(bridge.KindInternal),
			Message: "subscribe to lifecycle events failed",
		}})
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	for {
		env, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				h.log.InfoContext(ctx, "sse.stream.done")
			} else {
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		payload, err := broker.Encode(env.Event)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("id", env.ID), slog.String("err", err.Error()))
			continue
		}
		if err := writeSSEEvent(w, f, env.ID, string(env.Event.Type), payload); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// writeSSEEvent writes one server-sent event frame and flushes it.
func writeSSEEvent(w io.Writer, f http.Flusher, id, event string, payload []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("write event type: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	f.Flush()
	return nil
}

// callOptions reads per-call overrides from the query string.
func callOptions(r *http.Request) []bridge.InvokeOption {
	q := r.URL.Query()
	req := RPCRequest{ID: q.Get("id")}
	if ms, err := strconv.Atoi(q.Get("timeoutMs")); err == nil {
		req.TimeoutMS = ms
	}
	return req.options()
}

// decodeBody decodes a JSON body into v. An empty body is accepted unless
// required is set. It reports false after writing an error response.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	ctx := r.Context()
	if !required && r.ContentLength == 0 {
		return true
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSON(w, http.StatusUnsupportedMediaType, Envelope{Error: &ErrorBody{
			Kind:    kindBadRequest,
			Message: "content-type must be application/json",
		}})
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return true
		}
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Envelope{Error: &ErrorBody{
				Kind:    kindBadRequest,
				Message: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
			}})
			return false
		}
		h.badRequest(ctx, w, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) badRequest(ctx context.Context, w http.ResponseWriter, msg string) {
	h.log.DebugContext(ctx, "http.bad_request", slog.String("reason", msg))
	writeJSON(w, http.StatusBadRequest, Envelope{Error: &ErrorBody{Kind: kindBadRequest, Message: msg}})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := bridge.Classify(err)
	status := statusFor(kind)
	body := &ErrorBody{
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: bridge.Retryable(err),
		Detail:    detailFor(err),
	}
	if status >= http.StatusInternalServerError && kind == bridge.KindInternal {
		h.log.ErrorContext(ctx, "http.call.fail", slog.String("kind", body.Kind), slog.String("err", err.Error()))
	} else {
		h.log.InfoContext(ctx, "http.call.fail", slog.String("kind", body.Kind), slog.String("err", err.Error()))
	}
	writeJSON(w, status, Envelope{Error: body})
}

func statusFor(kind bridge.Kind) int {
	switch kind {
	case bridge.KindNotReady, bridge.KindClosed, bridge.KindWriteFailed:
		return http.StatusServiceUnavailable
	case bridge.KindTimeout:
		return http.StatusGatewayTimeout
	case bridge.KindExecutionFailed:
		return http.StatusBadGateway
	case bridge.KindDuplicateID:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func detailFor(err error) any {
	var (
		exec   *bridge.ExecutionError
		closed *bridge.ProcessClosedError
	)
	switch {
	case errors.As(err, &exec):
		return map[string]any{"code": int(exec.Code), "data": exec.Data}
	case errors.As(err, &closed) && closed.Status != nil:
		d := map[string]any{"exitCode": closed.Status.Code}
		if closed.Status.Signal != "" {
			d["signal"] = closed.Status.Signal
		}
		return d
	}
	return nil
}

func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, Envelope{OK: true, Result: result})
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
