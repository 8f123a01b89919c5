// Package metric provides the substrate's observability surface: a
// Prometheus registry carrying the core platform metrics, and a windowed
// sample collector feeding throughput and latency queries for alerting.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all substrate-level Prometheus metrics.
type Metrics struct {
	// Bus metrics
	BusConnected      prometheus.Gauge
	BusReconnects     prometheus.Counter
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec

	// Task metrics
	TasksCreated  *prometheus.CounterVec
	TasksTerminal *prometheus.CounterVec
	TaskRetries   *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec

	// Registry metrics
	ServicesOnline prometheus.Gauge

	// Storage metrics
	StorageOps *prometheus.CounterVec

	// Circuit metrics
	CircuitState *prometheus.GaugeVec

	// Health and alert metrics
	ComponentHealth *prometheus.GaugeVec
	AlertsActive    prometheus.Gauge
}

// NewMetrics creates all substrate metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2a",
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Bus connection status (0=disconnected, 1=connected)",
		}),
		BusReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total number of bus reconnections",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Total messages published, by subject and type",
		}, []string{"subject", "type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total messages received, by subject and type",
		}, []string{"subject", "type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "messages",
			Name:      "rejected_total",
			Help:      "Messages rejected at the transport boundary, by reason",
		}, []string{"reason"}),
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "tasks",
			Name:      "created_total",
			Help:      "Tasks created, by task type",
		}, []string{"type"}),
		TasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "tasks",
			Name:      "terminal_total",
			Help:      "Tasks reaching a terminal state, by type and outcome",
		}, []string{"type", "outcome"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Task retry attempts, by task type",
		}, []string{"type"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "a2a",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task handler execution duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ServicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2a",
			Subsystem: "registry",
			Name:      "services_online",
			Help:      "Number of peers currently marked online",
		}),
		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2a",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Storage operations, by operation and result",
		}, []string{"operation", "result"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "a2a",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ComponentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "a2a",
			Subsystem: "health",
			Name:      "component_status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),
		AlertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2a",
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Number of currently active alerts",
		}),
	}
}

// RecordBusStatus updates the bus connection gauge.
func (m *Metrics) RecordBusStatus(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.BusConnected.Set(v)
}

// RecordBusReconnect counts a restored bus connection.
func (m *Metrics) RecordBusReconnect() {
	m.BusReconnects.Inc()
}

// RecordPublished increments the published counter.
func (m *Metrics) RecordPublished(subject, msgType string) {
	m.MessagesPublished.WithLabelValues(subject, msgType).Inc()
}

// RecordReceived increments the received counter.
func (m *Metrics) RecordReceived(subject, msgType string) {
	m.MessagesReceived.WithLabelValues(subject, msgType).Inc()
}

// RecordRejected counts a message rejected at the transport boundary.
func (m *Metrics) RecordRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordTaskCreated counts a task creation.
func (m *Metrics) RecordTaskCreated(taskType string) {
	m.TasksCreated.WithLabelValues(taskType).Inc()
}

// RecordTaskTerminal counts a task reaching COMPLETED or FAILED.
func (m *Metrics) RecordTaskTerminal(taskType, outcome string) {
	m.TasksTerminal.WithLabelValues(taskType, outcome).Inc()
}

// RecordTaskRetry counts a retry re-enqueue.
func (m *Metrics) RecordTaskRetry(taskType string) {
	m.TaskRetries.WithLabelValues(taskType).Inc()
}

// RecordTaskDuration observes handler execution time.
func (m *Metrics) RecordTaskDuration(taskType string, d time.Duration) {
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordServicesOnline sets the online peer gauge.
func (m *Metrics) RecordServicesOnline(n int) {
	m.ServicesOnline.Set(float64(n))
}

// RecordStorageOp counts a storage operation.
func (m *Metrics) RecordStorageOp(operation, result string) {
	m.StorageOps.WithLabelValues(operation, result).Inc()
}

// RecordCircuitState sets a named breaker's state gauge.
func (m *Metrics) RecordCircuitState(name string, state int) {
	m.CircuitState.WithLabelValues(name).Set(float64(state))
}

// RecordComponentHealth sets a component's health gauge.
func (m *Metrics) RecordComponentHealth(component string, level int) {
	m.ComponentHealth.WithLabelValues(component).Set(float64(level))
}

// RecordActiveAlerts sets the active alert gauge.
func (m *Metrics) RecordActiveAlerts(n int) {
	m.AlertsActive.Set(float64(n))
}
