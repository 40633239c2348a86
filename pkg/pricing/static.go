package pricing

import (
	"context"
	"fmt"
)

// StaticSource prices instances from configuration, for on-prem or
// unknown clouds.
type StaticSource struct {
	prices        map[string]float64
	cpuPerHour    float64
	memoryPerHour float64
}

// NewStaticSource creates a source from a per-instance-type hourly price
// table. Instance types missing from the table are priced from the default
// per-vCPU and per-GiB rates using the node's capacity.
func NewStaticSource(prices map[string]float64, cpuPerHour, memoryPerHour float64) *StaticSource {
	table := make(map[string]float64, len(prices))
	for k, v := range prices {
		table[k] = v
	}
	return &StaticSource{
		prices:        table,
		cpuPerHour:    cpuPerHour,
		memoryPerHour: memoryPerHour,
	}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Offer(_ context.Context, q Query) (InstanceOffer, error) {
	offer := InstanceOffer{
		InstanceType:    q.InstanceType,
		Region:          q.Region,
		OperatingSystem: q.os(),
		VCPU:            q.VCPU,
		MemoryGiB:       q.MemoryGiB,
	}
	if q.VCPU <= 0 {
		return InstanceOffer{}, fmt.Errorf("%w: no vCPU count for %s", ErrPriceUnavailable, q.InstanceType)
	}

	if price, ok := s.prices[q.InstanceType]; ok {
		offer.HourlyPrice = price
		return offer, nil
	}
	if s.cpuPerHour <= 0 && s.memoryPerHour <= 0 {
		return InstanceOffer{}, fmt.Errorf("%w: no static price for %s", ErrPriceUnavailable, q.InstanceType)
	}
	offer.HourlyPrice = s.cpuPerHour*q.VCPU + s.memoryPerHour*q.MemoryGiB
	return offer, nil
}
