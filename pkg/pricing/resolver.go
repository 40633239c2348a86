package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ResolverConfig tunes the caching resolver.
type ResolverConfig struct {
	TTL            time.Duration
	NegativeTTL    time.Duration
	StaleRetention time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestsPerSec float64
	Burst          int
	Split          SplitPolicy
}

// DefaultResolverConfig returns the defaults used by both binaries.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		TTL:            6 * time.Hour,
		NegativeTTL:    10 * time.Minute,
		StaleRetention: 7 * 24 * time.Hour,
		MaxRetries:     4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		RequestsPerSec: 5,
		Burst:          5,
	}
}

// CachedResolver resolves prices through a Source, caching quotes for the TTL,
// coalescing concurrent misses per key and retrying transient failures.
type CachedResolver struct {
	source  Source
	cache   *PriceCache
	group   singleflight.Group
	limiter *rate.Limiter
	cfg     ResolverConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCachedResolver(source Source, cfg ResolverConfig, logger zerolog.Logger, m *metrics.Metrics) *CachedResolver {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &CachedResolver{
		source:  source,
		cache:   NewPriceCache(cfg.StaleRetention),
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger.With().Str("component", "pricing").Str("source", source.Name()).Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// GetPrice implements Resolver.
func (r *CachedResolver) GetPrice(ctx context.Context, kind models.ResourceKind, q Query) (models.CapacityPrice, error) {
	quote, err := r.Quote(ctx, q)
	if err != nil {
		return models.CapacityPrice{}, err
	}
	return quote.Price(kind)
}

// Quote returns the offer and both unit prices for q.
func (r *CachedResolver) Quote(ctx context.Context, q Query) (Quote, error) {
	if q.InstanceType == "" || q.Region == "" {
		r.metrics.RecordPriceLookup(metrics.LookupUnavailable)
		return Quote{}, fmt.Errorf("%w: instance type and region are required", ErrPriceUnavailable)
	}

	key := q.key()
	entry, fresh := r.cache.Get(key, r.now())
	if entry != nil && fresh {
		if entry.err != nil {
			r.metrics.RecordPriceLookup(metrics.LookupUnavailable)
			return Quote{}, entry.err
		}
		r.metrics.RecordPriceLookup(metrics.LookupHit)
		return entry.quote, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		return r.refresh(ctx, key, q)
	})
	if err == nil {
		r.metrics.RecordPriceLookup(metrics.LookupMiss)
		if shared {
			r.logger.Debug().Str("key", key).Msg("Coalesced price fetch")
		}
		return v.(Quote), nil
	}

	if errors.Is(err, ErrPriceUnavailable) {
		r.metrics.RecordPriceLookup(metrics.LookupUnavailable)
		return Quote{}, err
	}

	if entry != nil && entry.err == nil {
		r.metrics.RecordPriceLookup(metrics.LookupStale)
		r.logger.Warn().Err(err).Str("key", key).
			Time("fetched_at", entry.quote.CPU.FetchedAt).
			Msg("Serving stale price after failed refresh")
		return entry.quote.markStale(), nil
	}

	r.metrics.RecordPriceLookup(metrics.LookupError)
	return Quote{}, err
}

func (r *CachedResolver) refresh(ctx context.Context, key string, q Query) (Quote, error) {
	offer, err := backoff.RetryWithData(func() (InstanceOffer, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return InstanceOffer{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrPriceSource, err))
		}
		offer, err := r.source.Offer(ctx, q)
		if errors.Is(err, ErrPriceUnavailable) {
			return InstanceOffer{}, backoff.Permanent(err)
		}
		return offer, err
	}, backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.cfg.MaxRetries), ctx))

	now := r.now()
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			r.cache.SetMiss(key, err, now, r.cfg.NegativeTTL)
			r.logger.Info().Err(err).Str("key", key).Msg("No catalog entry for instance")
			return Quote{}, err
		}
		if !errors.Is(err, ErrPriceSource) {
			err = fmt.Errorf("%w: %v", ErrPriceSource, err)
		}
		return Quote{}, err
	}

	fetchedAt := offer.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}
	quote, err := r.cfg.Split.quote(offer, fetchedAt)
	if err != nil {
		r.cache.SetMiss(key, err, now, r.cfg.NegativeTTL)
		return Quote{}, err
	}
	r.cache.Set(key, quote, now, r.ttlFor(offer))

	r.logger.Debug().
		Str("instance_type", offer.InstanceType).
		Str("region", offer.Region).
		Float64("hourly_price", offer.HourlyPrice).
		Float64("cpu_price", quote.CPU.PricePerUnitHour).
		Float64("memory_price", quote.Memory.PricePerUnitHour).
		Msg("Fetched price")
	return quote, nil
}

// ttlFor keeps an offer the upstream already served stale only until the
// next retry window.
func (r *CachedResolver) ttlFor(offer InstanceOffer) time.Duration {
	if offer.Stale && r.cfg.NegativeTTL > 0 && r.cfg.NegativeTTL < r.cfg.TTL {
		return r.cfg.NegativeTTL
	}
	return r.cfg.TTL
}

func (r *CachedResolver) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialBackoff > 0 {
		b.InitialInterval = r.cfg.InitialBackoff
	}
	if r.cfg.MaxBackoff > 0 {
		b.MaxInterval = r.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (q Quote) markStale() Quote {
	q.Offer.Stale = true
	q.CPU.Stale = true
	q.Memory.Stale = true
	return q
}
