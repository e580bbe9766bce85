package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for turns, tools and peers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	Turns          *prometheus.CounterVec
	TurnIterations prometheus.Histogram
	ToolCalls      *prometheus.CounterVec
	ModelErrors    *prometheus.CounterVec
	ActiveTurns    prometheus.Gauge
	PeerRequests   *prometheus.CounterVec
	PeerEvents     *prometheus.CounterVec
}

// NewMetrics constructs a private registry holding every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_turns_total",
		Help: "Turns finished, by outcome",
	}, []string{"outcome"})

	iterations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "codexbridge_turn_iterations",
		Help:    "Model round trips per turn",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 25},
	})

	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_tool_calls_total",
		Help: "Tool executions by tool and status",
	}, []string{"tool", "status"})

	modelErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_model_errors_total",
		Help: "Model client failures by kind",
	}, []string{"kind"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codexbridge_active_turns",
		Help: "Turns currently running",
	})

	peerRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_peer_requests_total",
		Help: "Requests sent to peers, by method and outcome",
	}, []string{"method", "outcome"})

	peerEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codexbridge_peer_events_total",
		Help: "Events forwarded from peers, by kind",
	}, []string{"kind"})

	reg.MustRegister(turns, iterations, toolCalls, modelErrors, active, peerRequests, peerEvents)

	return &Metrics{
		registry:       reg,
		Turns:          turns,
		TurnIterations: iterations,
		ToolCalls:      toolCalls,
		ModelErrors:    modelErrors,
		ActiveTurns:    active,
		PeerRequests:   peerRequests,
		PeerEvents:     peerEvents,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnStarted increments the active turn gauge.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnFinished records the outcome of a turn and releases the active gauge.
func (m *Metrics) TurnFinished(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.Turns.WithLabelValues(label(outcome)).Inc()
	m.TurnIterations.Observe(float64(iterations))
}

// RecordToolCall counts one tool execution.
func (m *Metrics) RecordToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(label(tool), status).Inc()
}

// RecordModelError counts a classified model failure.
func (m *Metrics) RecordModelError(kind string) {
	if m == nil {
		return
	}
	m.ModelErrors.WithLabelValues(label(kind)).Inc()
}

// RecordPeerRequest counts a request sent to a peer and how it ended.
func (m *Metrics) RecordPeerRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.PeerRequests.WithLabelValues(label(method), label(outcome)).Inc()
}

// RecordPeerEvent counts an event forwarded from a peer.
func (m *Metrics) RecordPeerEvent(kind string) {
	if m == nil {
		return
	}
	m.PeerEvents.WithLabelValues(label(kind)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
