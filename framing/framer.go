// Package framing splits the byte stream written by a child process into
// newline-delimited lines and classifies every line as either a JSON-RPC
// protocol message or human-readable diagnostic text.
//
// Servers launched over stdio routinely interleave log output with protocol
// frames on both stdout and stderr, and a single read may return half a line
// or several lines at once. The Framer buffers across reads and never treats
// diagnostic text as a protocol failure.
package framing

import (
	"bytes"
	"encoding/json"

	"github.com/ggoodman/mcp-stdio-bridge/internal/jsonrpc"
)

// DefaultMaxLineSize bounds the buffered size of a single unterminated line.
const DefaultMaxLineSize = 4 << 20

// Kind classifies a framed line.
type Kind int

const (
	// KindDiagnostic is free-form text (logs, banners, non JSON-RPC JSON).
	KindDiagnostic Kind = iota
	// KindMessage is a structurally valid JSON-RPC message.
	KindMessage
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Frame is one complete line read from a stream.
type Frame struct {
	Kind Kind
	// Text is the trimmed line as received.
	Text string
	// Message is set for KindMessage frames.
	Message *jsonrpc.AnyMessage
	// Truncated is set when the line exceeded the maximum line size and was
	// cut before a newline was seen.
	Truncated bool
}

// HasID reports whether the frame is a protocol message carrying an id.
func (f Frame) HasID() bool {
	return f.Kind == KindMessage && !f.Message.ID.IsNil()
}

// Framer incrementally turns chunks into frames. It is not safe for
// concurrent use; each stream gets its own Framer.
type Framer struct {
	buf     []byte
	maxLine int
}

// Option customizes a Framer.
type Option func(*Framer)

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.maxLine = n
		}
	}
}

// New constructs a Framer.
func New(opts ...Option) *Framer {
	f := &Framer{maxLine: DefaultMaxLineSize}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Feed appends chunk to the internal buffer and returns every line completed
// by it, in order. A trailing partial line stays buffered for the next call.
func (f *Framer) Feed(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		if fr, ok := classify(line); ok {
			frames = append(frames, fr)
		}
	}

	if len(f.buf) > f.maxLine {
		fr := Frame{Kind: KindDiagnostic, Text: string(bytes.TrimSpace(f.buf[:f.maxLine])), Truncated: true}
		frames = append(frames, fr)
		f.buf = nil
	}

	// Release the backing array once it is fully consumed.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered partial line, if any, as a final frame. It is
// used once the stream reaches EOF.
func (f *Framer) Flush() []Frame {
	line := f.buf
	f.buf = nil
	if fr, ok := classify(line); ok {
		return []Frame{fr}
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Classify classifies a single line without buffering. Blank lines yield
// ok == false.
func Classify(line []byte) (Frame, bool) {
	return classify(line)
}

func classify(line []byte) (Frame, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Frame{}, false
	}
	fr := Frame{Kind: KindDiagnostic, Text: string(trimmed)}

	// Only a syntactically valid JSON object is a candidate protocol frame.
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return fr, true
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return fr, true
	}
	fr.Kind = KindMessage
	fr.Message = &msg
	return fr, true
}
