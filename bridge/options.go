package bridge

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-stdio-bridge/broker"
	"github.com/ggoodman/mcp-stdio-bridge/internal/metrics"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Child output is logged through it.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBroker publishes lifecycle events to b.
func WithBroker(b broker.Broker) Option {
	return func(s *Session) { s.broker = b }
}

// WithMetrics records session metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithClientInfo sets the client identity sent in initialize requests.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(s *Session) { s.clientInfo = info }
}

// InvokeOption configures one Invoke call.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	id      string
	timeout time.Duration
}

// WithID uses id as the JSON-RPC request id instead of a generated one.
func WithID(id string) InvokeOption {
	return func(o *invokeOptions) { o.id = id }
}

// WithTimeout overrides the session request timeout for one call.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
