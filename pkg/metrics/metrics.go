// Package metrics provides Prometheus metrics describing the cost engine itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lookup results recorded by the pricing resolver.
const (
	LookupHit         = "hit"
	LookupMiss        = "miss"
	LookupStale       = "stale"
	LookupUnavailable = "unavailable"
	LookupError       = "error"
)

// Metrics holds the engine metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Collector metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	PodsSkipped   *prometheus.CounterVec
	RecordsTotal  *prometheus.CounterVec

	// Pricing metrics
	PriceLookups *prometheus.CounterVec

	// Aggregator metrics
	Series *prometheus.GaugeVec

	// Node cost gauges
	NodeActualCost  *prometheus.GaugeVec
	NodeUsageCost   *prometheus.GaugeVec
	NodeWastageCost *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	nodeLabels := []string{"eks_cluster_name", "node_name", "instance_type"}
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubecost",
			Subsystem: "collector",
			Name:      "cycles_total",
			Help:      "Poll cycles by result.",
		}, []string{"cluster", "result"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kubecost",
			Subsystem: "collector",
			Name:      "cycle_duration_seconds",
			Help:      "Poll cycle duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"cluster"}),
		PodsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubecost",
			Subsystem: "collector",
			Name:      "pods_skipped_total",
			Help:      "Pods excluded from a cycle, by reason.",
		}, []string{"cluster", "reason"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubecost",
			Name:      "cost_records_total",
			Help:      "Cost records committed to the ledger.",
		}, []string{"cluster"}),
		PriceLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubecost",
			Subsystem: "pricing",
			Name:      "lookups_total",
			Help:      "Price lookups by result.",
		}, []string{"result"}),
		Series: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kubecost",
			Subsystem: "aggregator",
			Name:      "series",
			Help:      "Accumulated cost series held in memory.",
		}, []string{"scope"}),
		NodeActualCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_actual_cost",
			Help: "Hourly list price of the node.",
		}, nodeLabels),
		NodeUsageCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_usage_cost",
			Help: "Hourly cost of the node capacity currently in use.",
		}, nodeLabels),
		NodeWastageCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_wastage_cost",
			Help: "Hourly cost of the node capacity currently unused.",
		}, nodeLabels),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.PodsSkipped,
		m.RecordsTotal,
		m.PriceLookups,
		m.Series,
		m.NodeActualCost,
		m.NodeUsageCost,
		m.NodeWastageCost,
	)

	return m
}

// RecordCycle records the outcome of one poll cycle.
func (m *Metrics) RecordCycle(cluster, result string, seconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(cluster, result).Inc()
	m.CycleDuration.WithLabelValues(cluster).Observe(seconds)
}

// RecordSkip counts a pod left out of a cycle.
func (m *Metrics) RecordSkip(cluster, reason string) {
	if m == nil {
		return
	}
	m.PodsSkipped.WithLabelValues(cluster, reason).Inc()
}

// RecordRecords counts committed cost records.
func (m *Metrics) RecordRecords(cluster string, n int) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(cluster).Add(float64(n))
}

// RecordPriceLookup counts a resolver lookup by result.
func (m *Metrics) RecordPriceLookup(result string) {
	if m == nil {
		return
	}
	m.PriceLookups.WithLabelValues(result).Inc()
}

// SetSeries sets the number of ledger series per scope.
func (m *Metrics) SetSeries(namespaces, pods int) {
	if m == nil {
		return
	}
	m.Series.WithLabelValues("namespace").Set(float64(namespaces))
	m.Series.WithLabelValues("pod").Set(float64(pods))
}

// SetNodeCost publishes the hourly cost split of a node.
func (m *Metrics) SetNodeCost(cluster, node, instanceType string, hourly, usage, wastage float64) {
	if m == nil {
		return
	}
	m.NodeActualCost.WithLabelValues(cluster, node, instanceType).Set(hourly)
	m.NodeUsageCost.WithLabelValues(cluster, node, instanceType).Set(usage)
	m.NodeWastageCost.WithLabelValues(cluster, node, instanceType).Set(wastage)
}

// ResetNodeCost drops node gauges for a cluster before a cycle republishes them.
func (m *Metrics) ResetNodeCost(cluster string) {
	if m == nil {
		return
	}
	match := prometheus.Labels{"eks_cluster_name": cluster}
	m.NodeActualCost.DeletePartialMatch(match)
	m.NodeUsageCost.DeletePartialMatch(match)
	m.NodeWastageCost.DeletePartialMatch(match)
}
