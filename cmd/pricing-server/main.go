package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opscart/kube-cost/pkg/config"
	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/pricing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, listenAddr, mode string

	rootCmd := &cobra.Command{
		Use:          "pricing-server",
		Short:        "Serve cached cloud instance prices over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Pricing.Listen = listenAddr
			}
			if mode != "" {
				cfg.Pricing.Mode = mode
			}
			if err := cfg.ValidatePricing(); err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := newServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return serve(ctx, server, logger)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides pricing.listen)")
	rootCmd.Flags().StringVar(&mode, "mode", "", "Pricing source: aws, azure, static")
	rootCmd.SetContext(context.Background())
	return rootCmd
}

// newServer wires the pricing source, the cached resolver and the HTTP API.
// The server has no cluster to detect a provider from, so auto means AWS.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*http.Server, error) {
	pricingCfg := cfg.Pricing.Source(cfg.CallTimeout)
	if pricingCfg.Mode == pricing.ModeAuto || pricingCfg.Mode == "" {
		pricingCfg.Mode = pricing.ModeAWS
	}

	source, err := pricing.NewSource(ctx, nil, pricingCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pricing source: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	resolver := pricing.NewCachedResolver(source, pricingCfg.ResolverConfig(), logger, metrics.New(registry))

	logger.Info().Str("source", source.Name()).Msg("Pricing source ready")
	return &http.Server{
		Addr:              cfg.Pricing.Listen,
		Handler:           pricing.NewServer(resolver, logger).Router(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func serve(ctx context.Context, server *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", server.Addr).Msg("Starting pricing server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("pricing server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down pricing server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("pricing server shutdown failed: %w", err)
	}
	return nil
}
