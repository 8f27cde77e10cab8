package mcpmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpconn"
)

const metricsNamespace = "mcp_orchestrator"

const outcomeSuccess = "success"

// Metrics holds the Prometheus collectors updated by a Manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Connects     *prometheus.CounterVec
	Connections  prometheus.Gauge
	ToolCalls    *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backend_connects_total",
			Help:      "Backend process spawn and handshake attempts by outcome.",
		}, []string{"backend", "outcome"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backend_connections",
			Help:      "Backend connections currently held in the pool.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched to backends by outcome.",
		}, []string{"backend", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of tool calls dispatched to backends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connects, m.Connections, m.ToolCalls, m.CallDuration)
	}
	return m
}

func (m *Metrics) connectAttempt(backend string, err error) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(backend, outcome(err)).Inc()
}

func (m *Metrics) connectionAdded() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connectionRemoved() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) observeCall(backend string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(backend, outcome(err)).Inc()
	m.CallDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// outcome maps an error to a low-cardinality label value.
func outcome(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	if kind := mcpconn.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
