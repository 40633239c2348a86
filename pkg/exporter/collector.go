// Package exporter publishes the cost ledger as Prometheus counters and as
// JSON or CSV snapshots.
package exporter

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opscart/kube-cost/pkg/models"
)

// Snapshotter returns a point-in-time copy of the ledger.
type Snapshotter interface {
	Snapshot() []models.AggregateCounter
}

// Round rounds a cost to 6 decimal places. Only export surfaces round.
func Round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// CostCollector exposes ledger counters on a Prometheus registry. Every
// scrape works on a single snapshot.
type CostCollector struct {
	ledger    Snapshotter
	podLabels bool

	podUsage         *prometheus.Desc
	podWastage       *prometheus.Desc
	namespaceUsage   *prometheus.Desc
	namespaceWastage *prometheus.Desc
}

// NewCostCollector creates the collector. Without podLabels the pod_*
// counters carry only cluster and namespace labels.
func NewCostCollector(ledger Snapshotter, podLabels bool) *CostCollector {
	podLabelNames := []string{"eks_cluster_name", "pod_namespace"}
	if podLabels {
		podLabelNames = append(podLabelNames, "deployment_name", "pod", "pod_uid")
	}
	nsLabelNames := []string{"eks_cluster_name", "pod_namespace"}

	return &CostCollector{
		ledger:    ledger,
		podLabels: podLabels,
		podUsage: prometheus.NewDesc("pod_usage_cost",
			"Accumulated cost of resources used by pods, in USD.", podLabelNames, nil),
		podWastage: prometheus.NewDesc("pod_wastage_cost",
			"Accumulated cost of requested but unused resources, in USD.", podLabelNames, nil),
		namespaceUsage: prometheus.NewDesc("namespace_usage_cost",
			"Accumulated cost of resources used in a namespace, in USD.", nsLabelNames, nil),
		namespaceWastage: prometheus.NewDesc("namespace_wastage_cost",
			"Accumulated cost of requested but unused resources in a namespace, in USD.", nsLabelNames, nil),
	}
}

func (c *CostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.podUsage
	ch <- c.podWastage
	ch <- c.namespaceUsage
	ch <- c.namespaceWastage
}

func (c *CostCollector) Collect(ch chan<- prometheus.Metric) {
	for _, counter := range c.ledger.Snapshot() {
		if counter.IsPodScope() {
			if c.podLabels {
				labels := []string{counter.Cluster, counter.Namespace, counter.Owner, counter.Pod, counter.PodUID}
				c.emit(ch, c.podUsage, c.podWastage, counter, labels)
			}
			continue
		}

		labels := []string{counter.Cluster, counter.Namespace}
		c.emit(ch, c.namespaceUsage, c.namespaceWastage, counter, labels)
		if !c.podLabels {
			c.emit(ch, c.podUsage, c.podWastage, counter, labels)
		}
	}
}

func (c *CostCollector) emit(ch chan<- prometheus.Metric, usage, wastage *prometheus.Desc, counter models.AggregateCounter, labels []string) {
	ch <- prometheus.MustNewConstMetric(usage, prometheus.CounterValue, Round(counter.UsageCost), labels...)
	ch <- prometheus.MustNewConstMetric(wastage, prometheus.CounterValue, Round(counter.WastageCost), labels...)
}
