package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/models"
)

// fakeSource answers from a function and counts upstream calls.
type fakeSource struct {
	calls atomic.Int32
	offer func(q Query) (InstanceOffer, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Offer(_ context.Context, q Query) (InstanceOffer, error) {
	f.calls.Add(1)
	return f.offer(q)
}

func fixedOffer(price float64) func(Query) (InstanceOffer, error) {
	return func(q Query) (InstanceOffer, error) {
		return InstanceOffer{InstanceType: q.InstanceType, Region: q.Region, OperatingSystem: q.os(), HourlyPrice: price, VCPU: 2, MemoryGiB: 8}, nil
	}
}

func testResolverConfig() ResolverConfig {
	cfg := DefaultResolverConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.RequestsPerSec = 0
	return cfg
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestResolver(source Source, cfg ResolverConfig, m *metrics.Metrics) (*CachedResolver, *testClock) {
	clock := &testClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	r := NewCachedResolver(source, cfg, zerolog.Nop(), m)
	r.now = clock.Now
	return r, clock
}

var m5Large = Query{InstanceType: "m5.large", Region: "us-east-1"}

func TestResolverCachesWithinTTL(t *testing.T) {
	source := &fakeSource{offer: fixedOffer(0.2)}
	r, clock := newTestResolver(source, testResolverConfig(), nil)
	ctx := context.Background()

	price, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, 0.1, price.PricePerUnitHour)
	assert.Equal(t, models.ResourceCPU, price.Kind)
	assert.Equal(t, "us-east-1", price.Region)
	assert.False(t, price.Stale)

	memory, err := r.GetPrice(ctx, models.ResourceMemory, m5Large)
	require.NoError(t, err)
	assert.Equal(t, 0.0, memory.PricePerUnitHour)
	assert.Equal(t, int32(1), source.calls.Load())

	clock.Advance(5 * time.Hour)
	_, err = r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load())

	clock.Advance(2 * time.Hour)
	_, err = r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestResolverServesStaleOnSourceError(t *testing.T) {
	var fail atomic.Bool
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		if fail.Load() {
			return InstanceOffer{}, errors.New("throttled")
		}
		return fixedOffer(0.2)(q)
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r, clock := newTestResolver(source, testResolverConfig(), m)
	ctx := context.Background()

	fresh, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)

	fail.Store(true)
	clock.Advance(7 * time.Hour)
	stale, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, fresh.FetchedAt, stale.FetchedAt)
	assert.Equal(t, fresh.PricePerUnitHour, stale.PricePerUnitHour)
	// One initial fetch, then one attempt plus four retries.
	assert.Equal(t, int32(6), source.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriceLookups.WithLabelValues(metrics.LookupStale)))

	// Recovery clears the stale flag.
	fail.Store(false)
	recovered, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.False(t, recovered.Stale)
	assert.True(t, recovered.FetchedAt.After(fresh.FetchedAt))
}

func TestResolverSourceErrorWithoutCache(t *testing.T) {
	source := &fakeSource{offer: func(Query) (InstanceOffer, error) {
		return InstanceOffer{}, errors.New("connection refused")
	}}
	cfg := testResolverConfig()
	cfg.MaxRetries = 2
	r, _ := newTestResolver(source, cfg, nil)

	_, err := r.GetPrice(context.Background(), models.ResourceCPU, m5Large)
	assert.ErrorIs(t, err, ErrPriceSource)
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestResolverRetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		if attempts.Add(1) < 3 {
			return InstanceOffer{}, ErrPriceSource
		}
		return fixedOffer(0.096)(q)
	}}
	r, _ := newTestResolver(source, testResolverConfig(), nil)

	price, err := r.GetPrice(context.Background(), models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, 0.048, price.PricePerUnitHour)
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestResolverNegativeCache(t *testing.T) {
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		return InstanceOffer{}, ErrPriceUnavailable
	}}
	r, clock := newTestResolver(source, testResolverConfig(), nil)
	ctx := context.Background()
	unknown := Query{InstanceType: "m9.imaginary", Region: "us-east-1"}

	_, err := r.GetPrice(ctx, models.ResourceCPU, unknown)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	_, err = r.GetPrice(ctx, models.ResourceMemory, unknown)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Equal(t, int32(1), source.calls.Load(), "unavailable must not be retried or refetched")

	clock.Advance(11 * time.Minute)
	_, err = r.GetPrice(ctx, models.ResourceCPU, unknown)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestResolverRefetchesUpstreamStaleOffer(t *testing.T) {
	upstreamFetched := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		offer, _ := fixedOffer(0.2)(q)
		if calls.Add(1) == 1 {
			offer.Stale = true
			offer.FetchedAt = upstreamFetched
		}
		return offer, nil
	}}
	r, clock := newTestResolver(source, testResolverConfig(), nil)
	ctx := context.Background()

	first, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.True(t, first.Stale)
	assert.Equal(t, upstreamFetched, first.FetchedAt)

	clock.Advance(5 * time.Minute)
	_, err = r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load())

	clock.Advance(6 * time.Minute)
	refreshed, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.False(t, refreshed.Stale)
	assert.Equal(t, clock.Now(), refreshed.FetchedAt)
	assert.Equal(t, int32(2), source.calls.Load())

	// A fresh offer is kept for the full TTL.
	clock.Advance(5 * time.Hour)
	_, err = r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestResolverRequiresInstanceAndRegion(t *testing.T) {
	source := &fakeSource{offer: fixedOffer(0.1)}
	r, _ := newTestResolver(source, testResolverConfig(), nil)

	_, err := r.GetPrice(context.Background(), models.ResourceCPU, Query{InstanceType: "m5.large"})
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestResolverCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		<-release
		return fixedOffer(0.2)(q)
	}}
	r, _ := newTestResolver(source, testResolverConfig(), nil)

	var wg sync.WaitGroup
	prices := make([]float64, 16)
	for i := range prices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			price, err := r.GetPrice(context.Background(), models.ResourceCPU, m5Large)
			if err == nil {
				prices[i] = price.PricePerUnitHour
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for _, p := range prices {
		assert.Equal(t, 0.1, p)
	}
}

func TestResolverKeysByOperatingSystem(t *testing.T) {
	source := &fakeSource{offer: func(q Query) (InstanceOffer, error) {
		if q.os() == "Windows" {
			return fixedOffer(0.4)(q)
		}
		return fixedOffer(0.2)(q)
	}}
	r, _ := newTestResolver(source, testResolverConfig(), nil)
	ctx := context.Background()

	linux, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	require.NoError(t, err)
	windows, err := r.GetPrice(ctx, models.ResourceCPU, Query{InstanceType: "m5.large", Region: "us-east-1", OperatingSystem: "Windows"})
	require.NoError(t, err)

	assert.Equal(t, 0.1, linux.PricePerUnitHour)
	assert.Equal(t, 0.2, windows.PricePerUnitHour)
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestResolverCancelledContext(t *testing.T) {
	source := &fakeSource{offer: func(Query) (InstanceOffer, error) {
		return InstanceOffer{}, ErrPriceSource
	}}
	r, _ := newTestResolver(source, testResolverConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.GetPrice(ctx, models.ResourceCPU, m5Large)
	assert.ErrorIs(t, err, ErrPriceSource)
}
