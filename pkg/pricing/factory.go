package pricing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"
)

// Pricing modes.
const (
	ModeAWS    = "aws"
	ModeAzure  = "azure"
	ModeRemote = "remote"
	ModeStatic = "static"
	ModeAuto   = "auto"
)

// NewSource creates the pricing source selected by cfg.Mode. In auto mode the
// provider is detected from the cluster; clientset may be nil otherwise.
func NewSource(ctx context.Context, clientset kubernetes.Interface, cfg Config, logger zerolog.Logger) (Source, error) {
	mode := cfg.Mode
	if mode == ModeAuto || mode == "" {
		mode = ModeStatic
		if cfg.Endpoint != "" {
			mode = ModeRemote
		} else if clientset != nil {
			provider, _, err := DetectProvider(ctx, clientset)
			if err != nil {
				logger.Warn().Err(err).Msg("Provider detection failed, using static prices")
			}
			switch provider {
			case ProviderAWS:
				mode = ModeAWS
			case ProviderAzure:
				mode = ModeAzure
			}
		}
		logger.Info().Str("mode", mode).Msg("Selected pricing source")
	}

	switch mode {
	case ModeAWS:
		return NewAWSSource(ctx, logger)
	case ModeAzure:
		return NewAzureSource(cfg.CallTimeout), nil
	case ModeRemote:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("pricing endpoint is required in remote mode")
		}
		return NewRemoteSource(cfg.Endpoint, cfg.CallTimeout), nil
	case ModeStatic:
		return NewStaticSource(cfg.StaticPrices, cfg.DefaultCPU, cfg.DefaultMemory), nil
	default:
		return nil, fmt.Errorf("unknown pricing mode: %s", mode)
	}
}

// ResolverConfig derives resolver tuning from c, falling back to defaults.
func (c Config) ResolverConfig() ResolverConfig {
	rc := DefaultResolverConfig()
	if c.CacheTTL > 0 {
		rc.TTL = c.CacheTTL
	}
	if c.NegativeTTL > 0 {
		rc.NegativeTTL = c.NegativeTTL
	}
	if c.StaleRetention > 0 {
		rc.StaleRetention = c.StaleRetention
	}
	if c.MaxRetries > 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.RequestsPerSec > 0 {
		rc.RequestsPerSec = c.RequestsPerSec
	}
	if c.Burst > 0 {
		rc.Burst = c.Burst
	}
	rc.Split = c.Split
	return rc
}
