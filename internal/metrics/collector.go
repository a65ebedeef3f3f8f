// Package metrics provides Prometheus metrics and latency quantiles for the
// bridge. All Collector methods are safe on a nil receiver so components can
// record unconditionally.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes used as the outcome label.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "execution_failed"
	OutcomeTimeout  = "timeout"
	OutcomeClosed   = "closed"
	OutcomeWrite    = "write_failed"
	OutcomeNotReady = "not_ready"
	OutcomeOther    = "internal"
)

// Dropped frame reasons used as the reason label.
const (
	DropUnknownID    = "unknown_id"
	DropNotification = "notification"
	DropRequest      = "request"
	DropTruncated    = "truncated"
)

// Collector owns the bridge metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	pendingRequests    prometheus.GaugeFunc
	requestDuration    *prometheus.HistogramVec
	childUp            prometheus.Gauge
	ready              prometheus.Gauge
	childExitsTotal    *prometheus.CounterVec
	droppedFramesTotal *prometheus.CounterVec
	diagnosticLines    *prometheus.CounterVec

	pendingFn atomic.Pointer[func() int]

	mu      sync.Mutex
	latency *tdigest.TDigest
	count   uint64
}

// New creates a collector registered on a fresh registry together with the
// Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a collector with a custom registry.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		latency:  tdigest.NewWithCompression(100),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_requests_total",
				Help: "Requests forwarded to the child, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_request_duration_seconds",
				Help:    "Time from write to resolution of forwarded requests",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		childUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_child_up",
				Help: "1 while the child process is alive",
			},
		),
		ready: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_ready",
				Help: "1 once the child has signalled readiness and is still alive",
			},
		),
		childExitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_child_exits_total",
				Help: "Child process exits by category",
			},
			[]string{"category"},
		),
		droppedFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_dropped_frames_total",
				Help: "Frames from the child that were not routed to a caller",
			},
			[]string{"reason"},
		),
		diagnosticLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_diagnostic_lines_total",
				Help: "Non-protocol lines read from the child",
			},
			[]string{"stream"},
		),
	}
	c.pendingRequests = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bridge_pending_requests",
			Help: "Requests awaiting a response from the child",
		},
		func() float64 {
			if fn := c.pendingFn.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	)

	reg.MustRegister(
		c.requestsTotal,
		c.pendingRequests,
		c.requestDuration,
		c.childUp,
		c.ready,
		c.childExitsTotal,
		c.droppedFramesTotal,
		c.diagnosticLines,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one resolved request.
func (c *Collector) RecordRequest(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, outcome).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())

	c.mu.Lock()
	c.latency.Add(float64(d.Nanoseconds()), 1)
	c.count++
	c.mu.Unlock()
}

// TrackPending makes the pending gauge report fn at scrape time.
func (c *Collector) TrackPending(fn func() int) {
	if c == nil || fn == nil {
		return
	}
	c.pendingFn.Store(&fn)
}

// ChildStarted marks the child as alive.
func (c *Collector) ChildStarted() {
	if c == nil {
		return
	}
	c.childUp.Set(1)
}

// ChildExited marks the child as gone and records the exit category.
func (c *Collector) ChildExited(code int, signal string) {
	if c == nil {
		return
	}
	category := "error"
	switch {
	case signal != "":
		category = "signal"
	case code == 0:
		category = "success"
	}
	c.childExitsTotal.WithLabelValues(category).Inc()
	c.childUp.Set(0)
	c.ready.Set(0)
}

// SetReady updates the readiness gauge.
func (c *Collector) SetReady(ready bool) {
	if c == nil {
		return
	}
	if ready {
		c.ready.Set(1)
	} else {
		c.ready.Set(0)
	}
}

// FrameDropped counts a frame that was not routed to a caller.
func (c *Collector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.droppedFramesTotal.WithLabelValues(reason).Inc()
}

// DiagnosticLine counts a non-protocol line read from stream.
func (c *Collector) DiagnosticLine(stream string) {
	if c == nil {
		return
	}
	c.diagnosticLines.WithLabelValues(stream).Inc()
}

// LatencySummary holds request latency quantiles.
type LatencySummary struct {
	Count uint64        `json:"count"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
}

// Latency returns quantiles over every recorded request.
func (c *Collector) Latency() LatencySummary {
	if c == nil {
		return LatencySummary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return LatencySummary{}
	}
	return LatencySummary{
		Count: c.count,
		P50:   time.Duration(c.latency.Quantile(0.50)),
		P90:   time.Duration(c.latency.Quantile(0.90)),
		P99:   time.Duration(c.latency.Quantile(0.99)),
	}
}
