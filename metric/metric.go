// Package metric provides prometheus instrumentation of pipelines.
//
// A nil *Metric is valid and measures nothing, so components don't need
// to check if metrics are enabled.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flow"

// Metric holds pipeline collectors. It implements prometheus.Collector.
type Metric struct {
	calls    *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	state    *prometheus.GaugeVec
	failures *prometheus.CounterVec
}

// New returns metric collectors. Register them with prometheus registry
// to expose.
func New() *Metric {
	return &Metric{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_calls_total",
			Help:      "Number of element process calls by returned status.",
		}, []string{"element", "status"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_bytes_total",
			Help:      "Number of bytes received by element.",
		}, []string{"element"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_latency_seconds",
			Help:      "Time between consequent process calls of element.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"element"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Current state of pipeline.",
		}, []string{"pipeline"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Number of failed element jobs.",
		}, []string{"element", "job"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metric) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metric) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metric) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.calls, m.bytes, m.latency, m.state, m.failures}
}

// ResetFunc returns new Measure closure. This closure is needed to postpone
// latency capture until element is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when process call returns.
type MeasureFunc func(status string, bytes int)

// Meter returns closure to capture element counters.
func (m *Metric) Meter(element string) ResetFunc {
	if m == nil {
		return func() MeasureFunc {
			return func(string, int) {}
		}
	}
	latency := m.latency.WithLabelValues(element)
	received := m.bytes.WithLabelValues(element)
	return func() MeasureFunc {
		calledAt := time.Now()
		return func(status string, bytes int) {
			latency.Observe(time.Since(calledAt).Seconds())
			m.calls.WithLabelValues(element, status).Inc()
			received.Add(float64(bytes))
			calledAt = time.Now()
		}
	}
}

// State sets the state of pipeline.
func (m *Metric) State(pipeline string, state int) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(pipeline).Set(float64(state))
}

// Failure counts failed job of element.
func (m *Metric) Failure(element, job string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(element, job).Inc()
}
