package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"viewport-engine/src/internal/constants"
)

// Metrics holds the engine's Prometheus metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	// Timing metrics
	OperationDuration *prometheus.HistogramVec

	// Materialization metrics
	Materializations *prometheus.CounterVec
	InFlight         prometheus.Gauge
	CircuitState     prometheus.Gauge

	// Scheduling metrics
	BatchSize  prometheus.Gauge
	BatchDelay prometheus.Gauge
	QueueDepth prometheus.Gauge

	// Resource metrics
	PerformanceStatus prometheus.Gauge
	MemoryPressure    prometheus.Gauge
	MemoryRatio       prometheus.Gauge
	CleanupRuns       prometheus.Counter
	PooledHandles     *prometheus.GaugeVec
	DisabledFeatures  prometheus.Gauge
}

// NewMetrics registers engine metrics on reg (prometheus.DefaultRegisterer when nil)
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = constants.DefaultMetricsNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
			},
			[]string{"operation"},
		),
		Materializations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "materializations_total",
				Help:      "Materialization attempts by outcome",
			},
			[]string{"outcome"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "materializations_in_flight",
				Help:      "Items currently being prepared or awaiting finalization",
			},
		),
		CircuitState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Materialization circuit state (0 closed, 1 open, 2 half-open)",
			},
		),
		BatchSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Current adaptive batch size",
			},
		),
		BatchDelay: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_delay_seconds",
				Help:      "Current inter-batch delay",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_queue_depth",
				Help:      "Items waiting for materialization",
			},
		),
		PerformanceStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "performance_status",
				Help:      "Performance status (0 healthy, 1 degraded, 2 critical)",
			},
		),
		MemoryPressure: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_pressure_level",
				Help:      "Memory pressure level (0 normal, 1 warning, 2 critical)",
			},
		),
		MemoryRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_ratio",
				Help:      "Sampled memory usage relative to the limit",
			},
		),
		CleanupRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_cleanups_total",
				Help:      "Times critical-pressure cleanup ran",
			},
		),
		PooledHandles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pooled_handles",
				Help:      "Free render handles per shape",
			},
			[]string{"shape"},
		),
		DisabledFeatures: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "disabled_features",
				Help:      "Number of features currently disabled by degradation",
			},
		),
	}
}

// Handler serves metrics gathered from g
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics and /health on address. Blocks until the server exits.
func StartServer(address string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// ObserveOperation records an operation duration
func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// IncMaterialization counts a materialization outcome
func (m *Metrics) IncMaterialization(outcome string) {
	if m == nil {
		return
	}
	m.Materializations.WithLabelValues(outcome).Inc()
}

// SetInFlight sets the in-flight materialization count
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// SetCircuitState sets the numeric circuit state
func (m *Metrics) SetCircuitState(state int32) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}

// SetBatch sets the current batch plan
func (m *Metrics) SetBatch(size int, delay time.Duration) {
	if m == nil {
		return
	}
	m.BatchSize.Set(float64(size))
	m.BatchDelay.Set(delay.Seconds())
}

// SetQueueDepth sets the pending queue depth
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetPerformanceStatus sets the performance status gauge
func (m *Metrics) SetPerformanceStatus(s Status) {
	if m == nil {
		return
	}
	m.PerformanceStatus.Set(float64(s))
}

// SetMemoryPressure sets the pressure gauges
func (m *Metrics) SetMemoryPressure(level PressureLevel, ratio float64) {
	if m == nil {
		return
	}
	m.MemoryPressure.Set(float64(level))
	m.MemoryRatio.Set(ratio)
}

// IncCleanups counts a critical-pressure cleanup
func (m *Metrics) IncCleanups() {
	if m == nil {
		return
	}
	m.CleanupRuns.Inc()
}

// SetPooledHandles sets the free handle count of a shape
func (m *Metrics) SetPooledHandles(shape string, n int) {
	if m == nil {
		return
	}
	m.PooledHandles.WithLabelValues(shape).Set(float64(n))
}

// SetDisabledFeatures sets the disabled feature count
func (m *Metrics) SetDisabledFeatures(n int) {
	if m == nil {
		return
	}
	m.DisabledFeatures.Set(float64(n))
}
