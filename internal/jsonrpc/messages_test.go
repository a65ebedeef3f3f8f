package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAnyMessage_Classification(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantID   string
	}{
		{"request", `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`, TypeRequest, "a"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, TypeNotification, ""},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"notifications/message"}`, TypeNotification, ""},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":{}}`, TypeResponse, "7"},
		{"error response", `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"nope"}}`, TypeResponse, "x"},
		{"missing version", `{"id":"a","result":[1,2]}`, TypeResponse, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tt.input), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Type(); got != tt.wantType {
				t.Errorf("Type() = %q, want %q", got, tt.wantType)
			}
			if got := msg.ID.String(); got != tt.wantID {
				t.Errorf("ID = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestAnyMessage_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"method with result", `{"jsonrpc":"2.0","id":1,"method":"m","result":{}}`},
		{"empty object", `{}`},
		{"bad id", `{"jsonrpc":"2.0","id":{},"result":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg AnyMessage
			err := json.Unmarshal([]byte(tt.input), &msg)
			if err == nil {
				t.Fatalf("expected error for %s", tt.input)
			}
		})
	}
}

func TestAnyMessage_InvalidWrapsSentinel(t *testing.T) {
	var msg AnyMessage
	err := msg.UnmarshalJSON([]byte(`{"jsonrpc":"2.0"}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestRequestID_CanonicalKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"abc"`, "abc"},
		{`7`, "7"},
		{`7.0`, "7"},
		{`1.5`, "1.5"},
		{`"7"`, "7"},
		{`12345678901234`, "12345678901234"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(tt.raw), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := id.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequest_Envelope(t *testing.T) {
	req, err := NewRequest(NewRequestID("a"), "tools/call", map[string]any{"name": "echo"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo"}}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}

	n, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	b, _ = json.Marshal(n)
	if want := `{"jsonrpc":"2.0","method":"notifications/initialized"}`; string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestError_ImplementsError(t *testing.T) {
	var err error = &Error{Code: ErrorCodeMethodNotFound, Message: "unknown"}
	if got, want := err.Error(), "jsonrpc error -32601: unknown"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := ErrorCodeMethodNotFound.String(); got != "method_not_found" {
		t.Errorf("String() = %q", got)
	}
}
