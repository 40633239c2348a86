package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opscart/kube-cost/pkg/calculator"
	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/models"
	"github.com/opscart/kube-cost/pkg/pricing"
)

// Skip reasons reported in kubecost_collector_pods_skipped_total.
const (
	SkipUnknownNode      = "unknown_node"
	SkipUnpriceableNode  = "unpriceable_node"
	SkipPriceUnavailable = "price_unavailable"
	SkipPriceError       = "price_error"
	SkipPriceTooOld      = "price_too_old"
	SkipIncomplete       = "sample_incomplete"
	SkipInvalid          = "invalid_sample"
)

// Cycle results reported in kubecost_collector_cycles_total.
const (
	ResultOK         = "ok"
	ResultClusterAPI = "cluster_api_error"
	ResultCancelled  = "cancelled"
)

const bytesPerGiB = 1024 * 1024 * 1024

// Config tunes one collector loop.
type Config struct {
	ClusterName  string
	PollInterval time.Duration
	CallTimeout  time.Duration
	// MaxPriceAge rejects stale prices older than this; zero accepts any age.
	MaxPriceAge time.Duration
	Policy      calculator.Policy
}

// trackedPod is what the collector remembers about a pod between cycles.
type trackedPod struct {
	sample models.WorkloadSample
	node   models.NodeProfile
	prices calculator.Prices
}

// Collector runs the poll loop for one cluster. Cycle must not be called
// concurrently; Run guarantees that.
type Collector struct {
	cfg      Config
	source   ClusterSource
	resolver pricing.Resolver
	ledger   Ledger
	sinks    []Sink
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// pods seen in the last committed cycle, by UID
	tracked map[string]trackedPod
}

func New(cfg Config, source ClusterSource, resolver pricing.Resolver, ledger Ledger, sinks []Sink,
	logger zerolog.Logger, m *metrics.Metrics) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &Collector{
		cfg:      cfg,
		source:   source,
		resolver: resolver,
		ledger:   ledger,
		sinks:    sinks,
		logger:   logger.With().Str("cluster", cfg.ClusterName).Logger(),
		metrics:  m,
		tracked:  make(map[string]trackedPod),
	}
}

// Run polls until ctx is cancelled. A failed cycle is logged and retried at
// the next interval.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info().Dur("poll_interval", c.cfg.PollInterval).Msg("Collector started")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Poll cycle failed")
		}
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Collector stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycleState is built while gathering and applied only on commit.
type cycleState struct {
	records []models.CostRecord
	tracked map[string]trackedPod
	nodes   map[string]nodeQuote
}

type nodeQuote struct {
	prices calculator.Prices
	err    error
	reason string
}

// Cycle runs one poll cycle: observe, price, compute and commit.
func (c *Collector) Cycle(ctx context.Context) error {
	start := time.Now()

	obs, err := c.source.Observe(ctx)
	if err != nil {
		c.finish(ResultClusterAPI, start)
		if !errors.Is(err, ErrClusterAPI) {
			err = fmt.Errorf("%w: %v", ErrClusterAPI, err)
		}
		return err
	}

	state := cycleState{
		tracked: make(map[string]trackedPod, len(obs.Pods)),
		nodes:   make(map[string]nodeQuote),
	}
	seen := make(map[string]bool, len(obs.Pods))

	for _, sample := range obs.Pods {
		seen[sample.Pod.UID] = true
		c.samplePod(ctx, obs, sample, &state)
	}
	for uid, prev := range c.tracked {
		if !seen[uid] {
			c.finalRecord(prev, obs.Time, &state)
		}
	}

	if err := ctx.Err(); err != nil {
		c.finish(ResultCancelled, start)
		return err
	}
	c.commit(ctx, obs, state)
	c.finish(ResultOK, start)
	return nil
}

func (c *Collector) samplePod(ctx context.Context, obs Observation, sample models.WorkloadSample, state *cycleState) {
	log := c.logger.With().Str("pod", sample.Pod.Namespace+"/"+sample.Pod.Name).Logger()

	node, ok := obs.Nodes[sample.NodeID]
	if !ok {
		c.skip(log, SkipUnknownNode, nil)
		return
	}
	quote := c.nodePrices(ctx, node, obs.Time, state)
	if quote.reason != "" {
		c.skip(log, quote.reason, quote.err)
		return
	}

	end := obs.Time
	start := end.Add(-c.cfg.PollInterval)
	if sample.StartedAt.After(start) {
		start = sample.StartedAt
	}
	if prev, ok := c.tracked[sample.Pod.UID]; ok && prev.sample.SampleTime.After(start) {
		start = prev.sample.SampleTime
	}

	state.tracked[sample.Pod.UID] = trackedPod{sample: sample, node: node, prices: quote.prices}
	if !end.After(start) {
		return
	}

	record, err := calculator.Compute(sample, node, quote.prices, calculator.Window{Start: start, End: end}, c.cfg.Policy)
	if err != nil {
		delete(state.tracked, sample.Pod.UID)
		if errors.Is(err, calculator.ErrSampleIncomplete) {
			c.skip(log, SkipIncomplete, err)
		} else {
			c.skip(log, SkipInvalid, err)
		}
		return
	}
	record.ClusterName = c.cfg.ClusterName
	state.records = append(state.records, record)
}

// finalRecord closes the window of a pod that disappeared since the last
// committed cycle. Like live pods, the window never reaches back past one
// poll interval, so cycles missed in an outage are not charged. The pod is
// forgotten afterwards.
func (c *Collector) finalRecord(prev trackedPod, now time.Time, state *cycleState) {
	last := prev.sample.SampleTime
	if floor := now.Add(-c.cfg.PollInterval); last.Before(floor) {
		last = floor
	}
	end := last.Add(now.Sub(last) / 2)
	if !prev.sample.DeletingAt.IsZero() {
		end = prev.sample.DeletingAt
		if end.After(now) {
			end = now
		}
	}
	if !end.After(last) {
		return
	}

	record, err := calculator.Compute(prev.sample, prev.node, prev.prices, calculator.Window{Start: last, End: end}, c.cfg.Policy)
	if err != nil {
		c.logger.Debug().Err(err).Str("pod", prev.sample.Pod.String()).Msg("No final record for vanished pod")
		return
	}
	record.ClusterName = c.cfg.ClusterName
	state.records = append(state.records, record)
}

// nodePrices resolves a node's unit prices once per cycle.
func (c *Collector) nodePrices(ctx context.Context, node models.NodeProfile, now time.Time, state *cycleState) nodeQuote {
	if q, ok := state.nodes[node.NodeID]; ok {
		return q
	}

	q := c.resolveNode(ctx, node, now)
	if q.reason != "" {
		c.logger.Warn().Err(q.err).
			Str("node", node.NodeID).
			Str("instance_type", node.InstanceType).
			Str("region", node.Region).
			Str("reason", q.reason).
			Msg("Node excluded from attribution this cycle")
	}
	state.nodes[node.NodeID] = q
	return q
}

func (c *Collector) resolveNode(ctx context.Context, node models.NodeProfile, now time.Time) nodeQuote {
	if !node.Priceable() {
		return nodeQuote{reason: SkipUnpriceableNode, err: fmt.Errorf("%w: node lacks instance type, region or capacity", pricing.ErrPriceUnavailable)}
	}

	query := pricing.Query{
		InstanceType:    node.InstanceType,
		Region:          node.Region,
		OperatingSystem: node.OperatingSystem,
		VCPU:            node.TotalCPUUnits,
		MemoryGiB:       float64(node.TotalMemoryBytes) / bytesPerGiB,
	}

	var prices calculator.Prices
	for _, target := range []struct {
		kind models.ResourceKind
		dst  *models.CapacityPrice
	}{
		{models.ResourceCPU, &prices.CPU},
		{models.ResourceMemory, &prices.Memory},
	} {
		price, err := c.getPrice(ctx, target.kind, query)
		switch {
		case errors.Is(err, pricing.ErrPriceUnavailable):
			return nodeQuote{reason: SkipPriceUnavailable, err: err}
		case err != nil:
			return nodeQuote{reason: SkipPriceError, err: err}
		}
		if price.Stale && c.cfg.MaxPriceAge > 0 && price.Age(now) > c.cfg.MaxPriceAge {
			return nodeQuote{reason: SkipPriceTooOld, err: fmt.Errorf("stale %s price fetched at %s", target.kind, price.FetchedAt)}
		}
		*target.dst = price
	}
	return nodeQuote{prices: prices}
}

func (c *Collector) getPrice(ctx context.Context, kind models.ResourceKind, q pricing.Query) (models.CapacityPrice, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	return c.resolver.GetPrice(ctx, kind, q)
}

func (c *Collector) commit(ctx context.Context, obs Observation, state cycleState) {
	accepted := c.ledger.IngestAll(state.records)
	evicted := c.ledger.EndCycle(c.cfg.ClusterName)
	c.tracked = state.tracked
	c.metrics.RecordRecords(c.cfg.ClusterName, accepted)
	c.publishNodeCost(obs, state)

	c.logger.Info().
		Int("pods", len(obs.Pods)).
		Int("records", len(state.records)).
		Int("accepted", accepted).
		Int("evicted", evicted).
		Msg("Cycle committed")

	if len(state.records) == 0 || len(c.sinks) == 0 {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sinkTimeout())
	defer cancel()
	for _, sink := range c.sinks {
		if err := sink.Write(sinkCtx, state.records); err != nil {
			c.logger.Error().Err(err).Int("records", len(state.records)).Msg("Export sink write failed")
		}
	}
}

// publishNodeCost replaces the node gauges of this cluster.
func (c *Collector) publishNodeCost(obs Observation, state cycleState) {
	c.metrics.ResetNodeCost(c.cfg.ClusterName)
	for id, q := range state.nodes {
		if q.reason != "" {
			continue
		}
		node := obs.Nodes[id]
		hourly, usage, wastage := NodeCost(node, q.prices)
		c.metrics.SetNodeCost(c.cfg.ClusterName, id, node.InstanceType, hourly, usage, wastage)
	}
}

// NodeCost returns the hourly price of a node and the part of it in use.
// Without node usage the whole price counts as wastage.
func NodeCost(node models.NodeProfile, prices calculator.Prices) (hourly, usage, wastage float64) {
	memoryGiB := float64(node.TotalMemoryBytes) / bytesPerGiB
	hourly = node.TotalCPUUnits*prices.CPU.PricePerUnitHour + memoryGiB*prices.Memory.PricePerUnitHour
	if node.HasUsage {
		usedCPU := min(node.UsedCPUUnits, node.TotalCPUUnits)
		usedMemory := min(float64(node.UsedMemoryBytes), float64(node.TotalMemoryBytes)) / bytesPerGiB
		usage = usedCPU*prices.CPU.PricePerUnitHour + usedMemory*prices.Memory.PricePerUnitHour
	}
	return hourly, usage, hourly - usage
}

func (c *Collector) sinkTimeout() time.Duration {
	if c.cfg.CallTimeout > 0 {
		return c.cfg.CallTimeout
	}
	return 15 * time.Second
}

func (c *Collector) skip(log zerolog.Logger, reason string, err error) {
	c.metrics.RecordSkip(c.cfg.ClusterName, reason)
	log.Debug().Err(err).Str("reason", reason).Msg("Pod skipped")
}

func (c *Collector) finish(result string, start time.Time) {
	c.metrics.RecordCycle(c.cfg.ClusterName, result, time.Since(start).Seconds())
}
