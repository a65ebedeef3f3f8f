package readiness

import (
	"regexp"
	"strings"

	"github.com/ggoodman/mcp-stdio-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
)

// Stream identifies which child stream produced an observation.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Observation is one line of early child output.
type Observation struct {
	Stream Stream
	Text   string
	// Message is set when the line is a JSON-RPC message.
	Message *jsonrpc.AnyMessage
}

// Matcher decides whether an observation signals that the child is ready.
type Matcher interface {
	Match(o Observation) bool
	String() string
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc struct {
	Name string
	Fn   func(o Observation) bool
}

func (m MatcherFunc) Match(o Observation) bool { return m.Fn(o) }
func (m MatcherFunc) String() string           { return m.Name }

type substring string

// Substring matches diagnostic text containing s, case-insensitively.
func Substring(s string) Matcher { return substring(strings.ToLower(s)) }

func (m substring) Match(o Observation) bool {
	return o.Message == nil && strings.Contains(strings.ToLower(o.Text), string(m))
}

func (m substring) String() string { return "substring(" + string(m) + ")" }

type pattern struct{ re *regexp.Regexp }

// Regexp matches diagnostic text against re.
func Regexp(re *regexp.Regexp) Matcher { return pattern{re: re} }

func (m pattern) Match(o Observation) bool {
	return o.Message == nil && m.re.MatchString(o.Text)
}

func (m pattern) String() string { return "regexp(" + m.re.String() + ")" }

type notification string

// Notification matches a JSON-RPC notification with the given method.
func Notification(method string) Matcher { return notification(method) }

func (m notification) Match(o Observation) bool {
	return o.Message != nil && o.Message.Type() == jsonrpc.TypeNotification && o.Message.Method == string(m)
}

func (m notification) String() string { return "notification(" + string(m) + ")" }

type responseTo string

// ResponseTo matches a successful response carrying the given id. It lets a
// reply to the initialize handshake count as a readiness signal.
func ResponseTo(id string) Matcher { return responseTo(id) }

func (m responseTo) Match(o Observation) bool {
	return o.Message != nil && o.Message.Type() == jsonrpc.TypeResponse &&
		o.Message.Error == nil && o.Message.ID.String() == string(m)
}

func (m responseTo) String() string { return "response(" + string(m) + ")" }

type phrase struct {
	text string
	re   *regexp.Regexp
}

// negation finds a negating word ahead of a phrase in the same clause.
var negation = regexp.MustCompile(`\b(not|no|never|cannot|can't|isn't|aren't|wasn't|won't|yet to)\b`)

// Phrase matches diagnostic text containing s as whole words,
// case-insensitively. An occurrence preceded by a negation in the same
// clause, as in "server not ready", does not count.
func Phrase(s string) Matcher {
	text := strings.ToLower(strings.TrimSpace(s))
	return phrase{text: text, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(text) + `\b`)}
}

func (m phrase) Match(o Observation) bool {
	if o.Message != nil {
		return false
	}
	line := strings.ToLower(o.Text)
	for _, loc := range m.re.FindAllStringIndex(line, -1) {
		clause := line[:loc[0]]
		if i := strings.LastIndexAny(clause, ".,;:!?"); i >= 0 {
			clause = clause[i+1:]
		}
		if !negation.MatchString(clause) {
			return true
		}
	}
	return false
}

func (m phrase) String() string { return "phrase(" + m.text + ")" }

// DefaultMarkers are phrases that stdio MCP servers commonly log once they
// are accepting requests.
var DefaultMarkers = []string{
	"running on stdio",
	"server started",
	"server running",
	"listening on",
	"is ready",
	"now ready",
	"ready to accept",
}

// DefaultMatchers returns the default ordered matcher list: a Phrase per
// DefaultMarkers entry followed by the initialized notification matcher.
func DefaultMatchers() []Matcher {
	out := make([]Matcher, 0, len(DefaultMarkers)+1)
	for _, m := range DefaultMarkers {
		out = append(out, Phrase(m))
	}
	return append(out, Notification(string(mcp.InitializedNotificationMethod)))
}

// MarkerMatchers builds substring matchers for operator-supplied markers
// followed by the initialized notification matcher.
func MarkerMatchers(markers []string) []Matcher {
	out := make([]Matcher, 0, len(markers)+1)
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, Substring(m))
		}
	}
	return append(out, Notification(string(mcp.InitializedNotificationMethod)))
}
