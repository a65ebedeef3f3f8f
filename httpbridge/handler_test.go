package httpbridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-stdio-bridge/bridge"
	"github.com/ggoodman/mcp-stdio-bridge/httpbridge"
	"github.com/ggoodman/mcp-stdio-bridge/internal/metrics"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
	"github.com/ggoodman/mcp-stdio-bridge/process"
)

type invokeCall struct {
	method string
	params any
	nopts  int
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invokeCall
	ready bool
	err   error
	tool  string
	args  map[string]any
}

func (f *fakeInvoker) record(method string, params any, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invokeCall{method: method, params: params, nopts: n})
}

func (f *fakeInvoker) last(t *testing.T) invokeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("invoker was not called")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeInvoker) Invoke(ctx context.Context, method string, params any, opts ...bridge.InvokeOption) (json.RawMessage, error) {
	f.record(method, params, len(opts))
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"echo":true}`), nil
}

func (f *fakeInvoker) Initialize(ctx context.Context, opts ...bridge.InvokeOption) (*mcp.InitializeResult, error) {
	f.record(string(mcp.InitializeMethod), nil, len(opts))
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.InitializeResult{ProtocolVersion: "2025-06-18", ServerInfo: mcp.ImplementationInfo{Name: "fake", Version: "1"}}, nil
}

func (f *fakeInvoker) ListTools(ctx context.Context, cursor string, opts ...bridge.InvokeOption) (*mcp.ListToolsResult, error) {
	f.record(string(mcp.ToolsListMethod), cursor, len(opts))
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}}, nil
}

func (f *fakeInvoker) CallTool(ctx context.Context, name string, args map[string]any, opts ...bridge.InvokeOption) (*mcp.CallToolResult, error) {
	f.record(string(mcp.ToolsCallMethod), args, len(opts))
	f.mu.Lock()
	f.tool, f.args = name, args
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "hi"}}}, nil
}

func (f *fakeInvoker) IsReady() bool { return f.ready }

func (f *fakeInvoker) Stats() bridge.Stats {
	st := bridge.Stats{State: bridge.StateStarting.String()}
	if f.ready {
		st.State = bridge.StateReady.String()
		st.PID = 42
	}
	return st
}

func mustHandler(t *testing.T, inv httpbridge.Invoker, opts ...httpbridge.Option) *httpbridge.Handler {
	t.Helper()
	h, err := httpbridge.New(inv, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, httpbridge.Envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env httpbridge.Envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func TestRPC(t *testing.T) {
	inv := &fakeInvoker{ready: true}
	h := mustHandler(t, inv)

	rec, env := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"tools/list","params":{"cursor":"c1"},"id":"abc","timeoutMs":250}`)
	if rec.Code != http.StatusOK || !env.OK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if got, _ := env.Result.(map[string]any)["echo"].(bool); !got {
		t.Errorf("unexpected result %#v", env.Result)
	}
	call := inv.last(t)
	if call.method != "tools/list" || call.nopts != 2 {
		t.Errorf("unexpected call %+v", call)
	}
	if raw, ok := call.params.(json.RawMessage); !ok || string(raw) != `{"cursor":"c1"}` {
		t.Errorf("params = %#v", call.params)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}

func TestRPC_NoParams(t *testing.T) {
	inv := &fakeInvoker{ready: true}
	h := mustHandler(t, inv)

	rec, _ := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if call := inv.last(t); call.params != nil || call.nopts != 0 {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestRPC_BadRequests(t *testing.T) {
	h := mustHandler(t, &fakeInvoker{ready: true})

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
	}{
		{name: "missing method", body: `{"params":{}}`, ctype: "application/json", status: http.StatusBadRequest},
		{name: "blank method", body: `{"method":"  "}`, ctype: "application/json", status: http.StatusBadRequest},
		{name: "negative timeout", body: `{"method":"ping","timeoutMs":-1}`, ctype: "application/json", status: http.StatusBadRequest},
		{name: "invalid json", body: `{"method":`, ctype: "application/json", status: http.StatusBadRequest},
		{name: "empty body", body: ``, ctype: "application/json", status: http.StatusBadRequest},
		{name: "wrong content type", body: `{"method":"ping"}`, ctype: "text/plain", status: http.StatusUnsupportedMediaType},
		{name: "missing content type", body: `{"method":"ping"}`, status: http.StatusUnsupportedMediaType},
		{name: "json with charset", body: `{"method":"ping"}`, ctype: "application/json; charset=utf-8", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/rpc", strings.NewReader(tt.body))
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusOK {
				return
			}
			var env httpbridge.Envelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.OK || env.Error == nil || env.Error.Kind != "bad_request" {
				t.Errorf("unexpected envelope %+v", env)
			}
		})
	}
}

func TestRPC_BodyTooLarge(t *testing.T) {
	h := mustHandler(t, &fakeInvoker{ready: true}, httpbridge.WithMaxBodyBytes(16))
	rec, env := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"ping","params":{"padding":"xxxxxxxxxxxxxxxx"}}`)
	if rec.Code != http.StatusRequestEntityTooLarge || env.OK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		kind      string
		retryable bool
	}{
		{"not ready", &bridge.NotReadyError{State: bridge.StateStarting}, http.StatusServiceUnavailable, "not_ready", true},
		{"timeout", &bridge.TimeoutError{ID: "1", Method: "ping"}, http.StatusGatewayTimeout, "timeout", true},
		{"execution", &bridge.ExecutionError{Code: -32602, Message: "bad"}, http.StatusBadGateway, "execution_failed", false},
		{"closed", &bridge.ProcessClosedError{Status: &process.ExitStatus{Code: 3}}, http.StatusServiceUnavailable, "closed", false},
		{"write failed", &bridge.WriteError{Err: process.ErrNotAlive}, http.StatusServiceUnavailable, "write_failed", true},
		{"duplicate", &bridge.DuplicateIDError{ID: "x"}, http.StatusConflict, "duplicate_id", false},
		{"internal", context.Canceled, http.StatusInternalServerError, "internal", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mustHandler(t, &fakeInvoker{ready: true, err: tt.err})
			rec, env := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"ping"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if env.OK || env.Error == nil {
				t.Fatalf("expected error envelope, got %s", rec.Body.String())
			}
			if env.Error.Kind != tt.kind || env.Error.Retryable != tt.retryable {
				t.Errorf("error = %+v", env.Error)
			}
			if env.Error.Message != tt.err.Error() {
				t.Errorf("message = %q", env.Error.Message)
			}
		})
	}
}

func TestErrorDetail(t *testing.T) {
	t.Run("execution error keeps code and data", func(t *testing.T) {
		err := &bridge.ExecutionError{Code: -32602, Message: "bad", Data: map[string]any{"hint": "x"}}
		h := mustHandler(t, &fakeInvoker{ready: true, err: err})
		_, env := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"ping"}`)
		d, ok := env.Error.Detail.(map[string]any)
		if !ok {
			t.Fatalf("detail = %#v", env.Error.Detail)
		}
		if d["code"] != float64(-32602) {
			t.Errorf("code = %v", d["code"])
		}
		if data, _ := d["data"].(map[string]any); data["hint"] != "x" {
			t.Errorf("data = %#v", d["data"])
		}
	})

	t.Run("closed error carries exit status", func(t *testing.T) {
		err := &bridge.ProcessClosedError{Status: &process.ExitStatus{Code: -1, Signal: "killed"}}
		h := mustHandler(t, &fakeInvoker{ready: true, err: err})
		_, env := do(t, h, http.MethodPost, "/v1/rpc", `{"method":"ping"}`)
		d, _ := env.Error.Detail.(map[string]any)
		if d["signal"] != "killed" || d["exitCode"] != float64(-1) {
			t.Errorf("detail = %#v", env.Error.Detail)
		}
	})
}

func TestTypedRoutes(t *testing.T) {
	inv := &fakeInvoker{ready: true}
	h := mustHandler(t, inv)

	t.Run("initialize", func(t *testing.T) {
		rec, env := do(t, h, http.MethodPost, "/v1/initialize", "")
		if rec.Code != http.StatusOK || !env.OK {
			t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
		}
		if call := inv.last(t); call.method != "initialize" {
			t.Errorf("method = %s", call.method)
		}
	})

	t.Run("list tools with cursor", func(t *testing.T) {
		rec, env := do(t, h, http.MethodGet, "/v1/tools?cursor=next&timeoutMs=100", "")
		if rec.Code != http.StatusOK || !env.OK {
			t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
		}
		call := inv.last(t)
		if call.params != "next" || call.nopts != 1 {
			t.Errorf("unexpected call %+v", call)
		}
	})

	t.Run("call tool", func(t *testing.T) {
		rec, env := do(t, h, http.MethodPost, "/v1/tools/echo?id=req-1", `{"text":"hello"}`)
		if rec.Code != http.StatusOK || !env.OK {
			t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
		}
		if inv.tool != "echo" || inv.args["text"] != "hello" {
			t.Errorf("tool = %s args = %v", inv.tool, inv.args)
		}
		if call := inv.last(t); call.nopts != 1 {
			t.Errorf("nopts = %d, want 1", call.nopts)
		}
	})

	t.Run("call tool without body", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPost, "/v1/tools/echo", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if inv.args != nil {
			t.Errorf("args = %v, want nil", inv.args)
		}
	})

	t.Run("call tool with non-object body", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPost, "/v1/tools/echo", `[1,2]`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestProbes(t *testing.T) {
	inv := &fakeInvoker{}
	h := mustHandler(t, inv)

	if rec, _ := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec, env := do(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable || env.Error == nil || !env.Error.Retryable {
		t.Errorf("readyz before ready = %d %s", rec.Code, rec.Body.String())
	}

	inv.ready = true
	if rec, _ := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz after ready = %d", rec.Code)
	}

	rec, env = do(t, h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	st, _ := env.Result.(map[string]any)
	if st["state"] != "ready" || st["pid"] != float64(42) {
		t.Errorf("stats = %#v", env.Result)
	}
}

func TestSchema(t *testing.T) {
	h := mustHandler(t, &fakeInvoker{})
	rec, _ := do(t, h, http.MethodGet, "/v1/schema", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q", schema.Type)
	}
	for _, p := range []string{"method", "params", "id", "timeoutMs"} {
		if _, ok := schema.Properties[p]; !ok {
			t.Errorf("schema missing property %q", p)
		}
	}
	if len(schema.Required) != 1 || schema.Required[0] != "method" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.RecordRequest("ping", metrics.OutcomeOK, 0)

	h := mustHandler(t, &fakeInvoker{}, httpbridge.WithMetricsHandler(m.Handler()))
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `bridge_requests_total{method="ping",outcome="ok"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", rec.Body.String())
	}

	plain := mustHandler(t, &fakeInvoker{})
	if rec, _ := do(t, plain, http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without handler = %d, want 404", rec.Code)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	h := mustHandler(t, &fakeInvoker{ready: true})

	req := httptest.NewRequest(http.MethodOptions, "/v1/rpc", nil)
	req.Header.Set("Origin", "https://example.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("allow-methods = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-chosen" {
		t.Errorf("request id = %q, want caller-chosen", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
