package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// The test binary doubles as a scripted stdio server. When fakeChildEnv is
// set, TestMain runs the fake instead of the tests.
const (
	fakeChildEnv = "BRIDGE_FAKE_CHILD"
	fakeModeEnv  = "BRIDGE_FAKE_MODE"
)

// Fake child modes.
const (
	modeNormal    = "normal"    // banner on stderr, answers everything
	modeQuiet     = "quiet"     // no banner, still answers initialize
	modeSilent    = "silent"    // no banner, never answers initialize
	modeExitEarly = "exitearly" // writes to stderr and exits 2 at once
)

func TestMain(m *testing.M) {
	if os.Getenv(fakeChildEnv) == "1" {
		os.Exit(runFakeChild(os.Getenv(fakeModeEnv)))
	}
	os.Exit(m.Run())
}

type fakeRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type fakeChild struct {
	mode  string
	outMu sync.Mutex
	held  []fakeRequest
	holdM sync.Mutex

	// waiters receive responses to requests the fake sends to the bridge.
	waiters sync.Map
	pings   atomic.Int64
}

func runFakeChild(mode string) int {
	c := &fakeChild{mode: mode}

	c.println("booting fake server")
	switch mode {
	case modeExitEarly:
		fmt.Fprintln(os.Stderr, "fatal: missing API_KEY")
		return 2
	case modeNormal, "":
		fmt.Fprintln(os.Stderr, "Fake MCP Server running on stdio")
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad input: %v\n", err)
			continue
		}
		if len(req.ID) == 0 {
			continue
		}
		if req.Method == "" {
			if ch, ok := c.waiters.LoadAndDelete(string(req.ID)); ok {
				ch.(chan json.RawMessage) <- append(json.RawMessage(nil), sc.Bytes()...)
			}
			continue
		}
		go c.handle(req)
	}
	return 0
}

func (c *fakeChild) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(os.Stdout, s)
}

func (c *fakeChild) reply(id json.RawMessage, result any) {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	c.println(string(b))
}

func (c *fakeChild) replyError(id json.RawMessage, code int, msg string) {
	b, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg, "data": map[string]string{"hint": "check arguments"}},
	})
	c.println(string(b))
}

func textResult(text string) map[string]any {
	return map[string]any{"content": []map[string]string{{"type": "text", "text": text}}}
}

func (c *fakeChild) handle(req fakeRequest) {
	c.println("handling " + req.Method)

	switch req.Method {
	case "initialize":
		if c.mode == modeSilent {
			return
		}
		c.reply(req.ID, map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]string{"name": "fake", "version": "1.0.0"},
		})
	case "ping":
		c.reply(req.ID, map[string]any{})
	case "tools/list":
		c.reply(req.ID, map[string]any{"tools": []map[string]any{
			{"name": "echo", "description": "Echo text", "inputSchema": map[string]any{"type": "object"}},
			{"name": "sleep", "description": "Sleep", "inputSchema": map[string]any{"type": "object"}},
		}})
	case "tools/call":
		c.callTool(req)
	default:
		c.replyError(req.ID, -32601, "method not found")
	}
}

func (c *fakeChild) callTool(req fakeRequest) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	_ = json.Unmarshal(req.Params, &p)

	switch p.Name {
	case "echo":
		// A stray response for nobody precedes the real one.
		c.println(`{"jsonrpc":"2.0","id":"stray-response","result":{}}`)
		text, _ := p.Arguments["text"].(string)
		c.reply(req.ID, textResult(text))
	case "sleep":
		ms, _ := p.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		c.reply(req.ID, textResult("slept"))
	case "fail":
		c.replyError(req.ID, -32602, "invalid arguments")
	case "hold":
		c.holdM.Lock()
		c.held = append(c.held, req)
		c.holdM.Unlock()
	case "release":
		c.holdM.Lock()
		held := c.held
		c.held = nil
		c.holdM.Unlock()
		for i := len(held) - 1; i >= 0; i-- {
			c.reply(held[i].ID, textResult(string(held[i].ID)))
		}
		c.reply(req.ID, textResult(fmt.Sprintf("released %d", len(held))))
	case "askping":
		// Ping the bridge and answer only once the pong arrives.
		id := fmt.Sprintf(`"child-ping-%d"`, c.pings.Add(1))
		ch := make(chan json.RawMessage, 1)
		c.waiters.Store(id, ch)
		c.println(`{"jsonrpc":"2.0","id":` + id + `,"method":"ping"}`)
		select {
		case raw := <-ch:
			c.reply(req.ID, textResult(string(raw)))
		case <-time.After(2 * time.Second):
			c.replyError(req.ID, -32000, "no pong from bridge")
		}
	case "crash":
		c.println("about to crash")
		os.Exit(3)
	default:
		c.reply(req.ID, map[string]any{"content": []any{}, "isError": true})
	}
}
