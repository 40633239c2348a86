package models

import "time"

// UsageBasis records which values a usage cost was computed from.
type UsageBasis string

const (
	BasisUsage    UsageBasis = "usage"
	BasisRequests UsageBasis = "requests"
)

// CostRecord is the cost of one pod over one completed window.
type CostRecord struct {
	Pod         PodID      `json:"pod"`
	Owner       string     `json:"owner,omitempty"`
	Namespace   string     `json:"namespace"`
	ClusterName string     `json:"cluster"`
	NodeID      string     `json:"node"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	UsageCost   float64    `json:"usage_cost"`
	WastageCost float64    `json:"wastage_cost"`
	UsageBasis  UsageBasis `json:"usage_basis"`
	PriceStale  bool       `json:"price_stale"`
}

// Window returns the duration covered by the record.
func (r CostRecord) Window() time.Duration {
	return r.WindowEnd.Sub(r.WindowStart)
}

// AggregateCounter is an accumulated cost series. Pod is empty for namespace totals.
type AggregateCounter struct {
	Cluster     string    `json:"cluster"`
	Namespace   string    `json:"namespace"`
	Pod         string    `json:"pod,omitempty"`
	PodUID      string    `json:"pod_uid,omitempty"`
	Owner       string    `json:"deployment,omitempty"`
	UsageCost   float64   `json:"usage_cost"`
	WastageCost float64   `json:"wastage_cost"`
	UpdatedAt   time.Time `json:"as_of"`
}

// IsPodScope reports whether the counter tracks a single pod.
func (c AggregateCounter) IsPodScope() bool {
	return c.Pod != ""
}
