// Package calculator turns one workload sample into a cost record.
package calculator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

var (
	// ErrSampleIncomplete means the sample cannot be priced under the active policy.
	ErrSampleIncomplete = errors.New("sample incomplete")
	// ErrPriceMismatch means a price does not belong to the node it would be applied to.
	ErrPriceMismatch = errors.New("price does not match node")
)

const bytesPerGiB = 1024 * 1024 * 1024

// Usage fallback policies for pods without usage data.
const (
	FallbackRequests = "requests"
	FallbackSkip     = "skip"
)

// Policy controls how incomplete samples are priced.
type Policy struct {
	UsageFallback string // "requests" (default) or "skip"
}

// ParsePolicy validates a usage fallback name.
func ParsePolicy(fallback string) (Policy, error) {
	switch fallback {
	case "", FallbackRequests:
		return Policy{UsageFallback: FallbackRequests}, nil
	case FallbackSkip:
		return Policy{UsageFallback: FallbackSkip}, nil
	default:
		return Policy{}, fmt.Errorf("unknown usage fallback %q", fallback)
	}
}

// Prices are the unit prices of the node a sample ran on.
type Prices struct {
	CPU    models.CapacityPrice
	Memory models.CapacityPrice
}

// Stale reports whether either price was served stale.
func (p Prices) Stale() bool {
	return p.CPU.Stale || p.Memory.Stale
}

// Window is the half-open interval a record covers.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Hours() float64 {
	return w.End.Sub(w.Start).Hours()
}

// Compute prices a sample over a window. It has no side effects.
func Compute(sample models.WorkloadSample, node models.NodeProfile, prices Prices, window Window, policy Policy) (models.CostRecord, error) {
	hours := window.Hours()
	if hours <= 0 {
		return models.CostRecord{}, fmt.Errorf("%w: empty window for %s", ErrSampleIncomplete, sample.Pod)
	}
	if err := checkPrices(node, prices); err != nil {
		return models.CostRecord{}, err
	}
	if node.TotalCPUUnits <= 0 || node.TotalMemoryBytes <= 0 {
		return models.CostRecord{}, fmt.Errorf("%w: node %s has no capacity", ErrSampleIncomplete, node.NodeID)
	}
	if !finite(sample.RequestedCPU, sample.UsedCPU, node.TotalCPUUnits,
		prices.CPU.PricePerUnitHour, prices.Memory.PricePerUnitHour) {
		return models.CostRecord{}, fmt.Errorf("%w: non-finite input for %s", ErrSampleIncomplete, sample.Pod)
	}

	requestedCPU := share(sample.RequestedCPU, node.TotalCPUUnits)
	requestedMemory := share(float64(sample.RequestedMemory), float64(node.TotalMemoryBytes))

	var usedCPU, usedMemory float64
	basis := models.BasisUsage
	switch {
	case sample.HasUsage:
		usedCPU = share(sample.UsedCPU, node.TotalCPUUnits)
		usedMemory = share(float64(sample.UsedMemory), float64(node.TotalMemoryBytes))
	case requestedCPU == 0 && requestedMemory == 0:
		return models.CostRecord{}, fmt.Errorf("%w: %s has neither usage nor requests", ErrSampleIncomplete, sample.Pod)
	case policy.UsageFallback == FallbackSkip:
		return models.CostRecord{}, fmt.Errorf("%w: no usage for %s", ErrSampleIncomplete, sample.Pod)
	default:
		usedCPU, usedMemory = requestedCPU, requestedMemory
		basis = models.BasisRequests
	}

	cpuRate := node.TotalCPUUnits * prices.CPU.PricePerUnitHour * hours
	memoryRate := float64(node.TotalMemoryBytes) / bytesPerGiB * prices.Memory.PricePerUnitHour * hours

	usageCost := usedCPU*cpuRate + usedMemory*memoryRate
	wastageCost := waste(requestedCPU, usedCPU)*cpuRate + waste(requestedMemory, usedMemory)*memoryRate
	if !finite(usageCost, wastageCost) {
		return models.CostRecord{}, fmt.Errorf("%w: non-finite cost for %s", ErrSampleIncomplete, sample.Pod)
	}

	return models.CostRecord{
		Pod:         sample.Pod,
		Owner:       sample.Owner,
		Namespace:   sample.Pod.Namespace,
		NodeID:      node.NodeID,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		UsageCost:   usageCost,
		WastageCost: wastageCost,
		UsageBasis:  basis,
		PriceStale:  prices.Stale(),
	}, nil
}

func checkPrices(node models.NodeProfile, prices Prices) error {
	for _, p := range []models.CapacityPrice{prices.CPU, prices.Memory} {
		if p.Region != node.Region {
			return fmt.Errorf("%w: %s price for region %q applied to node %s in %q",
				ErrPriceMismatch, p.Kind, p.Region, node.NodeID, node.Region)
		}
		if p.InstanceType != node.InstanceType {
			return fmt.Errorf("%w: %s price for %q applied to node %s (%s)",
				ErrPriceMismatch, p.Kind, p.InstanceType, node.NodeID, node.InstanceType)
		}
	}
	if prices.CPU.Kind != models.ResourceCPU || prices.Memory.Kind != models.ResourceMemory {
		return fmt.Errorf("%w: resource kinds swapped", ErrPriceMismatch)
	}
	return nil
}

// share returns value/capacity clamped to [0,1].
func share(value, capacity float64) float64 {
	s := value / capacity
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func waste(requested, used float64) float64 {
	if requested > used {
		return requested - used
	}
	return 0
}
