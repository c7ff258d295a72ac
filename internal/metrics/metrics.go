// Package metrics collects and exposes the gateway's operational
// signals: session counts, connection churn, frame throughput and
// command delivery outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus instruments.
type Collector struct {
	// Session state
	sessionsActive prometheus.Gauge
	sessionsPeak   prometheus.Gauge

	// Connection churn
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter

	// Frame throughput
	framesReceived  prometheus.Counter
	framesMalformed prometheus.Counter
	bytesReceived   prometheus.Counter

	// Command delivery
	commandsQueued    prometheus.Counter
	commandsSent      prometheus.Counter
	commandsSucceeded prometheus.Counter
	commandsFailed    prometheus.Counter
	commandLatency    prometheus.Histogram
}

// NewCollector creates and registers the gateway collectors.
func NewCollector() *Collector {
	c := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of live device sessions",
		}),
		sessionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_peak",
			Help: "Highest number of simultaneous sessions since start",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of accepted TCP connections",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "Total number of connections rejected at capacity",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "Total number of protocol frames processed",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_frames_malformed_total",
			Help: "Total number of frames that failed validation",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_received_total",
			Help: "Total bytes read from device connections",
		}),
		commandsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_commands_queued_total",
			Help: "Total number of commands queued for offline devices",
		}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_commands_sent_total",
			Help: "Total number of command frames written to devices",
		}),
		commandsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_commands_succeeded_total",
			Help: "Total number of commands acknowledged as successful",
		}),
		commandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_commands_failed_total",
			Help: "Total number of commands that reached FAILED or TIMEOUT",
		}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_command_latency_seconds",
			Help:    "Time between command send and device acknowledgement",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		c.sessionsActive, c.sessionsPeak,
		c.connectionsTotal, c.connectionsRejected,
		c.framesReceived, c.framesMalformed, c.bytesReceived,
		c.commandsQueued, c.commandsSent, c.commandsSucceeded, c.commandsFailed,
		c.commandLatency,
	)

	return c
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

func (c *Collector) SetPeakSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsPeak.Set(float64(n))
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsTotal.Inc()
}

func (c *Collector) ConnectionRejected() {
	if c == nil {
		return
	}
	c.connectionsRejected.Inc()
}

func (c *Collector) FrameReceived(bytes int) {
	if c == nil {
		return
	}
	c.framesReceived.Inc()
	c.bytesReceived.Add(float64(bytes))
}

func (c *Collector) FrameMalformed() {
	if c == nil {
		return
	}
	c.framesMalformed.Inc()
}

func (c *Collector) CommandQueued() {
	if c == nil {
		return
	}
	c.commandsQueued.Inc()
}

func (c *Collector) CommandSent() {
	if c == nil {
		return
	}
	c.commandsSent.Inc()
}

func (c *Collector) CommandSucceeded(latencySeconds float64) {
	if c == nil {
		return
	}
	c.commandsSucceeded.Inc()
	c.commandLatency.Observe(latencySeconds)
}

func (c *Collector) CommandFailed() {
	if c == nil {
		return
	}
	c.commandsFailed.Inc()
}
