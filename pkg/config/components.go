package config

import (
	"time"

	"github.com/opscart/kube-cost/pkg/pricing"
	"github.com/opscart/kube-cost/pkg/storage"
)

// Source returns the pricing package configuration for this section.
func (p PricingConfig) Source(callTimeout time.Duration) pricing.Config {
	return pricing.Config{
		Mode:     p.Mode,
		Region:   p.Region,
		Endpoint: p.Endpoint,
		Split: pricing.SplitPolicy{
			Mode:  p.Split,
			Ratio: p.SplitRatio,
		},
		CacheTTL:       p.CacheTTL,
		NegativeTTL:    p.NegativeTTL,
		StaleRetention: p.StaleRetention,
		MaxRetries:     p.MaxRetries,
		RequestsPerSec: p.RequestsPerSecond,
		Burst:          p.Burst,
		CallTimeout:    callTimeout,
		StaticPrices:   p.StaticPrices,
		DefaultCPU:     p.DefaultCPUPrice,
		DefaultMemory:  p.DefaultMemoryPrice,
	}
}

func (s StorageConfig) Store() storage.Config {
	return storage.Config{URL: s.DatabaseURL}
}
