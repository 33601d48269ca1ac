package metrics

import (
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	SetGauge(name string, value float64, labels map[string]string)
	IncrementGauge(name string, labels map[string]string)
	DecrementGauge(name string, labels map[string]string)

	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	Register(metric Metric) error
	Unregister(name string) error
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Standard loom metrics
var (
	// Resilience metrics
	CircuitBreakerState = Metric{
		Name:   "loom_circuit_breaker_state",
		Type:   GaugeType,
		Help:   "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		Labels: []string{"breaker"},
	}

	CircuitBreakerRejections = Metric{
		Name:   "loom_circuit_breaker_rejections_total",
		Type:   CounterType,
		Help:   "Total calls rejected while the circuit was open",
		Labels: []string{"breaker"},
	}

	RetryAttempts = Metric{
		Name:   "loom_retry_attempts_total",
		Type:   CounterType,
		Help:   "Total retry attempts by outcome",
		Labels: []string{"operation", "outcome"},
	}

	// Health metrics
	AgentsOnline = Metric{
		Name:   "loom_agents_online",
		Type:   GaugeType,
		Help:   "Number of agents currently online",
		Labels: []string{},
	}

	AgentsOffline = Metric{
		Name:   "loom_agents_offline",
		Type:   GaugeType,
		Help:   "Number of agents currently offline",
		Labels: []string{},
	}

	HeartbeatsReceived = Metric{
		Name:   "loom_heartbeats_received_total",
		Type:   CounterType,
		Help:   "Total heartbeats received",
		Labels: []string{"kind"},
	}

	HeartbeatsRejected = Metric{
		Name:   "loom_heartbeats_rejected_total",
		Type:   CounterType,
		Help:   "Heartbeats rejected by the admission filter",
		Labels: []string{},
	}

	// Recovery metrics
	LocksReleased = Metric{
		Name:   "loom_locks_released_total",
		Type:   CounterType,
		Help:   "Locks released by recovery or cleanup",
		Labels: []string{"reason"},
	}

	TasksReassigned = Metric{
		Name:   "loom_tasks_reassigned_total",
		Type:   CounterType,
		Help:   "Tasks returned to the queue by recovery or cleanup",
		Labels: []string{"reason"},
	}

	// Store metrics
	StoreOperations = Metric{
		Name:   "loom_store_operations_total",
		Type:   CounterType,
		Help:   "Total state store operations",
		Labels: []string{"operation", "status"},
	}

	StoreOperationDuration = Metric{
		Name:    "loom_store_operation_duration_seconds",
		Type:    HistogramType,
		Help:    "State store operation latency in seconds",
		Labels:  []string{"operation"},
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}
)

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}
