/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents a collector of metrics about queue occupancy and dispatch outcomes.
type MetricsCollector interface {
	// SetHandlesAmount sets the total number of live handles in the queue.
	SetHandlesAmount(int)

	// SetActiveConnsAmount sets the total number of active backend connections.
	SetActiveConnsAmount(int)

	// SetBlockedAmount sets the total number of handles waiting for a connection slot.
	SetBlockedAmount(int)

	// SetHostEntriesAmount sets the number of destinations with live bookkeeping.
	SetHostEntriesAmount(int)

	// IncPromotions increments the total number of blocked handles promoted to active.
	IncPromotions()

	// IncFailures increments the total number of handles marked as failed.
	IncFailures()

	// IncPurgedStaleLinks increments the total number of stale wait-list links
	// purged during promotion scans.
	IncPurgedStaleLinks()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents a Prometheus metrics for the queue.
type PrometheusMetrics struct {
	HandlesAmount         *prometheus.GaugeVec
	ActiveConnsAmount     *prometheus.GaugeVec
	BlockedAmount         *prometheus.GaugeVec
	HostEntriesAmount     *prometheus.GaugeVec
	PromotionsTotal       *prometheus.CounterVec
	FailuresTotal         *prometheus.CounterVec
	PurgedStaleLinksTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	makeGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   opts.Namespace,
				Name:        name,
				Help:        help,
				ConstLabels: opts.ConstLabels,
			},
			opts.CurriedLabelNames,
		)
	}
	makeCounter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   opts.Namespace,
				Name:        name,
				Help:        help,
				ConstLabels: opts.ConstLabels,
			},
			opts.CurriedLabelNames,
		)
	}

	return &PrometheusMetrics{
		HandlesAmount:         makeGauge("dispatch_queue_handles_amount", "Total number of live handles in the dispatch queue."),
		ActiveConnsAmount:     makeGauge("dispatch_queue_active_conns_amount", "Number of active backend connections."),
		BlockedAmount:         makeGauge("dispatch_queue_blocked_amount", "Number of handles waiting for a backend connection slot."),
		HostEntriesAmount:     makeGauge("dispatch_queue_host_entries_amount", "Number of destinations with live bookkeeping."),
		PromotionsTotal:       makeCounter("dispatch_queue_promotions_total", "Number of blocked handles promoted to active."),
		FailuresTotal:         makeCounter("dispatch_queue_failures_total", "Number of handles marked as failed."),
		PurgedStaleLinksTotal: makeCounter("dispatch_queue_purged_stale_links_total", "Number of stale wait-list links purged during promotion scans."),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		HandlesAmount:         pm.HandlesAmount.MustCurryWith(labels),
		ActiveConnsAmount:     pm.ActiveConnsAmount.MustCurryWith(labels),
		BlockedAmount:         pm.BlockedAmount.MustCurryWith(labels),
		HostEntriesAmount:     pm.HostEntriesAmount.MustCurryWith(labels),
		PromotionsTotal:       pm.PromotionsTotal.MustCurryWith(labels),
		FailuresTotal:         pm.FailuresTotal.MustCurryWith(labels),
		PurgedStaleLinksTotal: pm.PurgedStaleLinksTotal.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.HandlesAmount,
		pm.ActiveConnsAmount,
		pm.BlockedAmount,
		pm.HostEntriesAmount,
		pm.PromotionsTotal,
		pm.FailuresTotal,
		pm.PurgedStaleLinksTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.HandlesAmount)
	prometheus.Unregister(pm.ActiveConnsAmount)
	prometheus.Unregister(pm.BlockedAmount)
	prometheus.Unregister(pm.HostEntriesAmount)
	prometheus.Unregister(pm.PromotionsTotal)
	prometheus.Unregister(pm.FailuresTotal)
	prometheus.Unregister(pm.PurgedStaleLinksTotal)
}

// SetHandlesAmount sets the total number of live handles in the queue.
func (pm *PrometheusMetrics) SetHandlesAmount(amount int) {
	pm.HandlesAmount.With(nil).Set(float64(amount))
}

// SetActiveConnsAmount sets the total number of active backend connections.
func (pm *PrometheusMetrics) SetActiveConnsAmount(amount int) {
	pm.ActiveConnsAmount.With(nil).Set(float64(amount))
}

// SetBlockedAmount sets the total number of handles waiting for a connection slot.
func (pm *PrometheusMetrics) SetBlockedAmount(amount int) {
	pm.BlockedAmount.With(nil).Set(float64(amount))
}

// SetHostEntriesAmount sets the number of destinations with live bookkeeping.
func (pm *PrometheusMetrics) SetHostEntriesAmount(amount int) {
	pm.HostEntriesAmount.With(nil).Set(float64(amount))
}

// IncPromotions increments the total number of blocked handles promoted to active.
func (pm *PrometheusMetrics) IncPromotions() {
	pm.PromotionsTotal.With(nil).Inc()
}

// IncFailures increments the total number of handles marked as failed.
func (pm *PrometheusMetrics) IncFailures() {
	pm.FailuresTotal.With(nil).Inc()
}

// IncPurgedStaleLinks increments the total number of purged stale wait-list links.
func (pm *PrometheusMetrics) IncPurgedStaleLinks() {
	pm.PurgedStaleLinksTotal.With(nil).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetHandlesAmount(int)     {}
func (disabledMetrics) SetActiveConnsAmount(int) {}
func (disabledMetrics) SetBlockedAmount(int)     {}
func (disabledMetrics) SetHostEntriesAmount(int) {}
func (disabledMetrics) IncPromotions()           {}
func (disabledMetrics) IncFailures()             {}
func (disabledMetrics) IncPurgedStaleLinks()     {}

var disabledMetricsCollector = disabledMetrics{}
