package models

import (
	"fmt"
	"time"
)

// PodID identifies one incarnation of a pod. Two pods with the same
// namespace/name but different UIDs are different pods.
type PodID struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	UID       string `json:"uid"`
}

func (p PodID) String() string {
	return fmt.Sprintf("%s/%s (%s)", p.Namespace, p.Name, p.UID)
}

// NodeProfile describes the priced capacity of a node for one poll cycle.
type NodeProfile struct {
	NodeID           string
	InstanceType     string
	Region           string
	OperatingSystem  string
	TotalCPUUnits    float64 // cores
	TotalMemoryBytes int64

	// Usage reported by the metrics API for the whole node, if any.
	UsedCPUUnits    float64
	UsedMemoryBytes int64
	HasUsage        bool
}

// Priceable reports whether the node carries enough information to look up a price.
func (n NodeProfile) Priceable() bool {
	return n.InstanceType != "" && n.Region != "" && n.TotalCPUUnits > 0 && n.TotalMemoryBytes > 0
}

// WorkloadSample is one observation of a pod at a point in time.
type WorkloadSample struct {
	Pod    PodID
	Owner  string // top-level controller name (Deployment, StatefulSet, ...)
	NodeID string

	// CPU in cores, memory in bytes
	RequestedCPU    float64
	RequestedMemory int64
	UsedCPU         float64
	UsedMemory      int64
	HasUsage        bool

	SampleTime time.Time
	StartedAt  time.Time
	// DeletingAt is the deletion deadline of a terminating pod (zero otherwise).
	DeletingAt time.Time
}
