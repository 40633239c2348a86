package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/kube-cost/pkg/aggregator"
	"github.com/opscart/kube-cost/pkg/calculator"
	"github.com/opscart/kube-cost/pkg/collector"
	"github.com/opscart/kube-cost/pkg/config"
	"github.com/opscart/kube-cost/pkg/exporter"
	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/pricing"
	"github.com/opscart/kube-cost/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// clientsFunc builds the API clients for one cluster.
type clientsFunc func(access collector.ClusterAccess) (*collector.Clients, error)

func collectorClients(access collector.ClusterAccess) (*collector.Clients, error) {
	return collector.NewClients(access)
}

// agent is a fully wired cost-agent process.
type agent struct {
	registry *prometheus.Registry
	ledger   *aggregator.Aggregator
	loops    []*collector.Collector
	server   *http.Server
	store    *storage.PostgresStore
	logger   zerolog.Logger
}

func newAgent(ctx context.Context, cfg *config.Config, logger zerolog.Logger, newClients clientsFunc) (*agent, error) {
	policy, err := calculator.ParsePolicy(cfg.UsageFallback)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	ledger := aggregator.New(cfg.EvictAfter, m)
	registry.MustRegister(exporter.NewCostCollector(ledger, cfg.Exporter.PodLabels))

	clients := make([]*collector.Clients, 0, len(cfg.Clusters))
	for _, cluster := range cfg.Clusters {
		c, err := newClients(collector.ClusterAccess{
			Kubeconfig: cluster.Kubeconfig,
			Context:    cluster.Context,
			InCluster:  cluster.InCluster,
			Timeout:    cfg.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", cluster.Name, err)
		}
		clients = append(clients, c)
	}

	// Provider detection looks at the first cluster only.
	pricingCfg := cfg.Pricing.Source(cfg.CallTimeout)
	source, err := pricing.NewSource(ctx, clients[0].Kube, pricingCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pricing source: %w", err)
	}
	resolver := pricing.NewCachedResolver(source, pricingCfg.ResolverConfig(), logger, m)

	a := &agent{
		registry: registry,
		ledger:   ledger,
		logger:   logger,
	}

	var sinks []collector.Sink
	if cfg.Storage.Enabled {
		store, err := storage.NewPostgresStore(ctx, cfg.Storage.Store())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.store = store
		sinks = append(sinks, store)
	}

	for i, cluster := range cfg.Clusters {
		clusterLog := logger.With().Str("cluster", cluster.Name).Logger()

		usage, err := newUsageSource(cfg, clients[i], clusterLog)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("cluster %s: %w", cluster.Name, err)
		}
		kube := collector.NewKubeSource(clients[i].Kube, clients[i].Metrics, usage,
			cfg.ExcludeNamespaces, cfg.CallTimeout, clusterLog).WithDefaultRegion(cfg.Pricing.Region)

		a.loops = append(a.loops, collector.New(collector.Config{
			ClusterName:  cluster.Name,
			PollInterval: cfg.PollInterval,
			CallTimeout:  cfg.CallTimeout,
			MaxPriceAge:  cfg.MaxPriceAge,
			Policy:       policy,
		}, kube, resolver, ledger, sinks, clusterLog, m))
	}

	a.server = &http.Server{
		Addr:              cfg.Exporter.Listen,
		Handler:           exporter.NewServer(ledger, registry, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func newUsageSource(cfg *config.Config, clients *collector.Clients, logger zerolog.Logger) (collector.UsageSource, error) {
	switch cfg.UsageSource {
	case collector.UsagePrometheus:
		return collector.NewPrometheusUsage(cfg.PrometheusURL, logger)
	case collector.UsageMetricsServer, "":
		return collector.NewMetricsServerUsage(clients.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown usage source: %s", cfg.UsageSource)
	}
}

// run starts one loop per cluster and the exporter server, and blocks until
// ctx is cancelled or one of them fails.
func (a *agent) run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range a.loops {
		g.Go(func() error {
			if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info().Str("address", a.server.Addr).Msg("Starting exporter server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("exporter server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("Exporter server shutdown failed")
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info().Msg("cost-agent stopped")
	return err
}

func (a *agent) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close storage")
	}
	a.store = nil
}
