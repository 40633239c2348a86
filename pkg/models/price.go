package models

import "time"

// ResourceKind is a priced capacity unit.
type ResourceKind string

const (
	ResourceCPU    ResourceKind = "cpu"    // one vCPU core
	ResourceMemory ResourceKind = "memory" // one GiB
)

// CapacityPrice is the hourly list price of one unit of capacity on an instance type.
// Values are never mutated; a fresher fetch replaces the whole entry.
type CapacityPrice struct {
	Kind             ResourceKind `json:"resource_kind"`
	InstanceType     string       `json:"instance_type"`
	Region           string       `json:"region"`
	PricePerUnitHour float64      `json:"price_per_unit_hour"`
	FetchedAt        time.Time    `json:"fetched_at"`
	// Stale is set when a refresh failed and an expired entry was served instead.
	Stale bool `json:"stale"`
}

// Age returns how old the price is relative to now.
func (p CapacityPrice) Age(now time.Time) time.Duration {
	return now.Sub(p.FetchedAt)
}
