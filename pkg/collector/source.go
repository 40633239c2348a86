// Package collector polls clusters and turns pod observations into cost records.
package collector

import (
	"context"
	"errors"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

// ErrClusterAPI means the cluster could not be observed; the cycle is skipped.
var ErrClusterAPI = errors.New("cluster API error")

// Observation is one consistent view of a cluster.
type Observation struct {
	Time  time.Time
	Nodes map[string]models.NodeProfile
	Pods  []models.WorkloadSample
}

// ClusterSource observes a cluster.
type ClusterSource interface {
	Observe(ctx context.Context) (Observation, error)
}

// PodKey identifies a pod in usage data, which does not carry UIDs.
type PodKey struct {
	Namespace string
	Name      string
}

// Usage is the current consumption of a pod summed over its containers.
type Usage struct {
	CPU    float64 // cores
	Memory int64   // bytes
	// Since is the start of the measurement window, zero when unknown.
	Since time.Time
}

// UsageSource reports pod usage for the whole cluster.
type UsageSource interface {
	PodUsage(ctx context.Context) (map[PodKey]Usage, error)
	Name() string
}

// Ledger receives committed cycles.
type Ledger interface {
	IngestAll(records []models.CostRecord) int
	EndCycle(cluster string) int
}

// Sink receives committed records for export. Failures never affect the ledger.
type Sink interface {
	Write(ctx context.Context, records []models.CostRecord) error
}
