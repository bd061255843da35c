// Package observability exposes the core's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized set of Prometheus collectors for orchestration
// behavior: dispatch latency, confidence, broker backpressure, tool
// outcomes, and node reputation.
type Metrics struct {
	// DispatchDuration measures end-to-end tool dispatch latency, including
	// retries. Labels: tool, outcome (success|failure).
	DispatchDuration *prometheus.HistogramVec

	// DispatchRetries counts reselect-and-retry attempts. Labels: tool.
	DispatchRetries *prometheus.CounterVec

	// ToolExecutions counts tool invocations. Labels: tool, outcome.
	ToolExecutions *prometheus.CounterVec

	// Confidence is the current per-topic confidence gauge. Labels: topic.
	Confidence *prometheus.GaugeVec

	// LearningRounds counts completed learning rounds. Labels: topic, outcome.
	LearningRounds *prometheus.CounterVec

	// BrokerDrops counts events dropped by the broker under backpressure.
	// Labels: subscriber.
	BrokerDrops *prometheus.CounterVec

	// BrokerPublished counts events published, by type.
	BrokerPublished *prometheus.CounterVec

	// NodeReputation mirrors each known node's current reputation. Labels:
	// node_id.
	NodeReputation *prometheus.GaugeVec

	// NodesOnline is the count of nodes the registry currently tracks,
	// Healthy and Stale alike.
	NodesOnline prometheus.Gauge

	// StorageErrors counts persistence failures surfaced as StorageUnavailable.
	// Labels: operation.
	StorageErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors against reg. Call once at
// startup with prometheus.DefaultRegisterer, or with a private
// *prometheus.Registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autarch",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Tool dispatch latency in seconds, including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool", "outcome"}),

		DispatchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Reselect-and-retry attempts during tool dispatch.",
		}, []string{"tool"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "tools",
			Name:      "executions_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "outcome"}),

		Confidence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autarch",
			Subsystem: "metacognitive",
			Name:      "confidence",
			Help:      "Current confidence per topic.",
		}, []string{"topic"}),

		LearningRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "metacognitive",
			Name:      "learning_rounds_total",
			Help:      "Completed learning rounds by topic and outcome.",
		}, []string{"topic", "outcome"}),

		BrokerDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped under subscriber backpressure.",
		}, []string{"subscriber"}),

		BrokerPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by type.",
		}, []string{"type"}),

		NodeReputation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autarch",
			Subsystem: "nodes",
			Name:      "reputation",
			Help:      "Current reputation score per node.",
		}, []string{"node_id"}),

		NodesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "autarch",
			Subsystem: "nodes",
			Name:      "online",
			Help:      "Count of nodes currently tracked by the registry (Healthy or Stale).",
		}),

		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autarch",
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Persistence operations that surfaced StorageUnavailable.",
		}, []string{"operation"}),
	}
}

// RecordDispatch records the outcome and latency of a completed dispatch.
func (m *Metrics) RecordDispatch(tool, outcome string, durationSeconds float64) {
	m.DispatchDuration.WithLabelValues(tool, outcome).Observe(durationSeconds)
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}

// RecordRetry records a reselect-and-retry attempt for a tool.
func (m *Metrics) RecordRetry(tool string) {
	m.DispatchRetries.WithLabelValues(tool).Inc()
}

// SetConfidence updates the confidence gauge for a topic.
func (m *Metrics) SetConfidence(topic string, value float64) {
	m.Confidence.WithLabelValues(topic).Set(value)
}

// RecordLearningRound records a completed learning round's outcome.
func (m *Metrics) RecordLearningRound(topic, outcome string) {
	m.LearningRounds.WithLabelValues(topic, outcome).Inc()
}

// RecordBrokerDrop records an event dropped for a subscriber.
func (m *Metrics) RecordBrokerDrop(subscriberID string) {
	m.BrokerDrops.WithLabelValues(subscriberID).Inc()
}

// RecordBrokerPublish records a successful publish by event type.
func (m *Metrics) RecordBrokerPublish(eventType string) {
	m.BrokerPublished.WithLabelValues(eventType).Inc()
}

// SetNodeReputation updates the reputation gauge for a node.
func (m *Metrics) SetNodeReputation(nodeID string, reputation float64) {
	m.NodeReputation.WithLabelValues(nodeID).Set(reputation)
}

// SetNodesOnline updates the tracked-node count gauge.
func (m *Metrics) SetNodesOnline(count int) {
	m.NodesOnline.Set(float64(count))
}

// RecordStorageError records a persistence failure for an operation.
func (m *Metrics) RecordStorageError(operation string) {
	m.StorageErrors.WithLabelValues(operation).Inc()
}
