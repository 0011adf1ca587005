/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dial outcome label values.
const (
	metricsDialStatusOK    = "ok"
	metricsDialStatusError = "error"
)

// MetricsCollector represents a collector of metrics about backend dials and slot waits.
type MetricsCollector interface {
	// ObserveDial observes the duration of a complete dial sequence (including retries)
	// with its outcome.
	ObserveDial(ok bool, elapsed time.Duration)

	// ObserveSlotWait observes the time a request spent waiting for a connection slot
	// before being promoted.
	ObserveSlotWait(elapsed time.Duration)

	// IncAbandonedWaits increments the total number of requests that gave up waiting
	// for a connection slot.
	IncAbandonedWaits()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// DialDurationBuckets defines buckets for the dial duration histogram.
	// Default buckets are used if not set.
	DialDurationBuckets []float64

	// SlotWaitDurationBuckets defines buckets for the slot wait duration histogram.
	// Default buckets are used if not set.
	SlotWaitDurationBuckets []float64
}

// PrometheusMetrics represents a Prometheus metrics for the Forwarder.
type PrometheusMetrics struct {
	DialDurationSeconds     *prometheus.HistogramVec
	SlotWaitDurationSeconds prometheus.Histogram
	AbandonedWaitsTotal     prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	dialBuckets := opts.DialDurationBuckets
	if dialBuckets == nil {
		dialBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}
	}
	waitBuckets := opts.SlotWaitDurationBuckets
	if waitBuckets == nil {
		waitBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30}
	}

	dialDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "relay_backend_dial_duration_seconds",
			Help:        "Duration of backend dial sequences including retries.",
			ConstLabels: opts.ConstLabels,
			Buckets:     dialBuckets,
		},
		[]string{"status"},
	)

	slotWaitDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "relay_slot_wait_duration_seconds",
			Help:        "Time requests spent waiting for a backend connection slot.",
			ConstLabels: opts.ConstLabels,
			Buckets:     waitBuckets,
		},
	)

	abandonedWaits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "relay_abandoned_waits_total",
			Help:        "Number of requests that gave up waiting for a backend connection slot.",
			ConstLabels: opts.ConstLabels,
		},
	)

	return &PrometheusMetrics{
		DialDurationSeconds:     dialDuration,
		SlotWaitDurationSeconds: slotWaitDuration,
		AbandonedWaitsTotal:     abandonedWaits,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.DialDurationSeconds,
		pm.SlotWaitDurationSeconds,
		pm.AbandonedWaitsTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.DialDurationSeconds)
	prometheus.Unregister(pm.SlotWaitDurationSeconds)
	prometheus.Unregister(pm.AbandonedWaitsTotal)
}

// ObserveDial observes the duration of a complete dial sequence with its outcome.
func (pm *PrometheusMetrics) ObserveDial(ok bool, elapsed time.Duration) {
	status := metricsDialStatusOK
	if !ok {
		status = metricsDialStatusError
	}
	pm.DialDurationSeconds.With(prometheus.Labels{"status": status}).Observe(elapsed.Seconds())
}

// ObserveSlotWait observes the time a request spent waiting for a connection slot.
func (pm *PrometheusMetrics) ObserveSlotWait(elapsed time.Duration) {
	pm.SlotWaitDurationSeconds.Observe(elapsed.Seconds())
}

// IncAbandonedWaits increments the total number of abandoned slot waits.
func (pm *PrometheusMetrics) IncAbandonedWaits() {
	pm.AbandonedWaitsTotal.Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveDial(bool, time.Duration) {}
func (disabledMetrics) ObserveSlotWait(time.Duration)   {}
func (disabledMetrics) IncAbandonedWaits()              {}

var disabledMetricsCollector = disabledMetrics{}
