package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible collection for engine execution.
//
// Metrics exposed (namespaced "stategraph_"):
//
//   - inflight_nodes (gauge): nodes currently executing, labeled by graph_id.
//   - step_latency_ms (histogram): node execution duration in milliseconds,
//     labeled by graph_id, node_id, status (success/error).
//   - node_errors_total (counter): contained node failures, labeled by
//     graph_id, node_id, kind.
//   - fallbacks_total (counter): runs terminated by the error budget,
//     labeled by graph_id.
//   - checkpoint_failures_total (counter): checkpoint saves abandoned after
//     bounded retries, labeled by graph_id.
//
// Expose via promhttp in the host application:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	engine := graph.NewEngine(store, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightNodes      *prometheus.GaugeVec
	stepLatency        *prometheus.HistogramVec
	nodeErrors         *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics with the given registry.
// Pass prometheus.DefaultRegisterer to use the process-global registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		inflightNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stategraph",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing.",
		}, []string{"graph_id"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stategraph",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"graph_id", "node_id", "status"}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "node_errors_total",
			Help:      "Contained node failures by kind.",
		}, []string{"graph_id", "node_id", "kind"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "fallbacks_total",
			Help:      "Runs terminated by error budget exhaustion.",
		}, []string{"graph_id"}),
		checkpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint saves abandoned after bounded retries.",
		}, []string{"graph_id"}),
	}
}

func (m *Metrics) nodeStarted(graphID string) {
	if m == nil {
		return
	}
	m.inflightNodes.WithLabelValues(graphID).Inc()
}

func (m *Metrics) nodeFinished(graphID, nodeID string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.inflightNodes.WithLabelValues(graphID).Dec()
	status := "success"
	if failed {
		status = "error"
	}
	m.stepLatency.WithLabelValues(graphID, nodeID, status).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) nodeError(graphID, nodeID, kind string) {
	if m == nil {
		return
	}
	m.nodeErrors.WithLabelValues(graphID, nodeID, kind).Inc()
}

func (m *Metrics) fallbackTriggered(graphID string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(graphID).Inc()
}

func (m *Metrics) checkpointFailed(graphID string) {
	if m == nil {
		return
	}
	m.checkpointFailures.WithLabelValues(graphID).Inc()
}
