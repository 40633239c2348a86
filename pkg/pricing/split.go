package pricing

import (
	"fmt"
	"time"

	"github.com/opscart/kube-cost/pkg/models"
)

// DefaultCPUMemoryRatio is the cost of one vCPU relative to one GiB of memory
// used by the weighted split.
const DefaultCPUMemoryRatio = 7.2

// SplitPolicy divides an instance's hourly price between vCPU and memory.
type SplitPolicy struct {
	Mode  string  // "cpu" (default) or "weighted"
	Ratio float64 // vCPU:GiB price ratio for weighted mode
}

const (
	SplitCPU      = "cpu"
	SplitWeighted = "weighted"
)

// Split returns the per-vCPU-hour and per-GiB-hour prices for an offer.
func (s SplitPolicy) Split(offer InstanceOffer) (cpu, memory float64, err error) {
	if offer.HourlyPrice < 0 {
		return 0, 0, fmt.Errorf("%w: negative price for %s", ErrPriceUnavailable, offer.InstanceType)
	}
	if offer.VCPU <= 0 {
		return 0, 0, fmt.Errorf("%w: no vCPU count for %s", ErrPriceUnavailable, offer.InstanceType)
	}

	switch s.Mode {
	case "", SplitCPU:
		return offer.HourlyPrice / offer.VCPU, 0, nil
	case SplitWeighted:
		if offer.MemoryGiB <= 0 {
			return 0, 0, fmt.Errorf("%w: no memory size for %s", ErrPriceUnavailable, offer.InstanceType)
		}
		ratio := s.Ratio
		if ratio <= 0 {
			ratio = DefaultCPUMemoryRatio
		}
		memory = offer.HourlyPrice / (ratio*offer.VCPU + offer.MemoryGiB)
		return ratio * memory, memory, nil
	default:
		return 0, 0, fmt.Errorf("unknown split mode %q", s.Mode)
	}
}

// quote builds the unit prices for an offer.
func (s SplitPolicy) quote(offer InstanceOffer, fetchedAt time.Time) (Quote, error) {
	cpu, memory, err := s.Split(offer)
	if err != nil {
		return Quote{}, err
	}
	price := func(kind models.ResourceKind, value float64) models.CapacityPrice {
		return models.CapacityPrice{
			Kind:             kind,
			InstanceType:     offer.InstanceType,
			Region:           offer.Region,
			PricePerUnitHour: value,
			FetchedAt:        fetchedAt,
			Stale:            offer.Stale,
		}
	}
	return Quote{
		Offer:  offer,
		CPU:    price(models.ResourceCPU, cpu),
		Memory: price(models.ResourceMemory, memory),
	}, nil
}
