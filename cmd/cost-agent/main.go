package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opscart/kube-cost/pkg/config"
	"github.com/opscart/kube-cost/pkg/storage"
)

type options struct {
	configPath  string
	listenAddr  string
	clusterName string

	// history
	historyLimit  int
	historyOutput string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "cost-agent",
		Short: "Kubernetes workload cost attribution agent",
		Long: `Poll one or more clusters, price each pod's share of its node and publish
accumulated usage and wastage cost as Prometheus metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newAgent(ctx, cfg, logger, collectorClients)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.Flags().StringVar(&opts.listenAddr, "listen", "", "Exporter listen address (overrides exporter.listen)")
	rootCmd.Flags().StringVar(&opts.clusterName, "cluster-name", "", "Cluster name for a single-cluster setup")

	historyCmd := &cobra.Command{
		Use:   "history <namespace>",
		Short: "List recent cost records of a namespace from the export database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.DatabaseURL == "" {
				return fmt.Errorf("history needs storage.database_url or DATABASE_URL")
			}

			ctx := cmd.Context()
			store, err := storage.NewPostgresStore(ctx, cfg.Storage.Store())
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %w", err)
			}
			defer store.Close()

			records, err := store.ListRecords(ctx, args[0], opts.historyLimit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), args[0], records, opts.historyOutput)
		},
	}
	historyCmd.Flags().IntVar(&opts.historyLimit, "limit", 20, "Number of records to show")
	historyCmd.Flags().StringVarP(&opts.historyOutput, "output", "o", "text", "Output format: text, json")

	rootCmd.AddCommand(historyCmd)
	rootCmd.SetContext(context.Background())
	return rootCmd
}

// loadConfig reads the configuration, applies command line overrides and
// validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.listenAddr != "" {
		cfg.Exporter.Listen = opts.listenAddr
	}
	if opts.clusterName != "" {
		switch len(cfg.Clusters) {
		case 0:
			cfg.Clusters = []config.ClusterConfig{{Name: opts.clusterName, InCluster: true}}
		case 1:
			cfg.Clusters[0].Name = opts.clusterName
		default:
			return nil, fmt.Errorf("%w: --cluster-name cannot be used with %d clusters",
				config.ErrInvalid, len(cfg.Clusters))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
