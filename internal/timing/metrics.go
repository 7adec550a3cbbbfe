package timing

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orblab/orblab/internal/orbstack"
)

// Metrics collects Prometheus counters and histograms for orbctl
// invocations. A nil *Metrics is a valid no-op collector.
type Metrics struct {
	registry                *prometheus.Registry
	executionsTotal         *prometheus.CounterVec
	executionDurationSecond *prometheus.HistogramVec
	retriesTotal            prometheus.Counter
	machines                *prometheus.GaugeVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	executionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orblab",
			Subsystem: "exec",
			Name:      "invocations_total",
			Help:      "Total orbctl invocations by operation and result.",
		},
		[]string{"operation", "result"},
	)
	executionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orblab",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Wall time per orbctl invocation, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)
	retriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orblab",
			Subsystem: "exec",
			Name:      "retries_total",
			Help:      "Total retry attempts across all invocations.",
		},
	)

	machines := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orblab",
			Subsystem: "vm",
			Name:      "machines",
			Help:      "Machines known to OrbStack by state.",
		},
		[]string{"state"},
	)

	registry.MustRegister(
		executionsTotal,
		executionDurationSeconds,
		retriesTotal,
		machines,
	)

	return &Metrics{
		registry:                registry,
		executionsTotal:         executionsTotal,
		executionDurationSecond: executionDurationSeconds,
		retriesTotal:            retriesTotal,
		machines:                machines,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExecution implements orbstack.ExecutionObserver.
func (m *Metrics) ObserveExecution(_ context.Context, rec orbstack.ExecutionRecord) {
	if m == nil {
		return
	}
	result := "failure"
	if rec.Success {
		result = "success"
	}
	if rec.Error != "" {
		result = "error"
	}
	m.executionsTotal.WithLabelValues(rec.Operation, result).Inc()
	seconds := rec.Duration.Seconds()
	if seconds >= 0 {
		m.executionDurationSecond.WithLabelValues(rec.Operation).Observe(seconds)
	}
}

// IncRetry counts one retry attempt. Wire it to the connector's OnRetry
// hook.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// SetMachineStates replaces the per-state machine gauge with counts from
// the latest discovery poll.
func (m *Metrics) SetMachineStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.machines.Reset()
	for state, count := range counts {
		m.machines.WithLabelValues(state).Set(float64(count))
	}
}

