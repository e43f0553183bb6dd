// Package metrics exposes Prometheus instrumentation for the orchestration
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by the orchestrator.
type Metrics struct {
	Operations       *prometheus.CounterVec
	InstancesTotal   prometheus.Gauge
	InstancesRunning prometheus.Gauge
	SwitchDuration   prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pbfleet_operations_total",
			Help: "Orchestrator operations by name and outcome.",
		}, []string{"op", "outcome"}),
		InstancesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pbfleet_instances_total",
			Help: "Number of registered instances.",
		}),
		InstancesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pbfleet_instances_running",
			Help: "Number of instances with a live process.",
		}),
		SwitchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbfleet_version_switch_seconds",
			Help:    "Duration of executable version switches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Record counts one operation outcome.
func (m *Metrics) Record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}
