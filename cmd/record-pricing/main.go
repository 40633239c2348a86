// Command record-pricing captures live AWS and Azure pricing responses for
// the pricing contract tests. Re-run it when a cloud pricing API changes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opscart/kube-cost/pkg/config"
	"github.com/opscart/kube-cost/pkg/pricing"
)

type recordOptions struct {
	outDir          string
	awsRegion       string
	awsInstanceType string
	azureRegion     string
	azureSKU        string
	skipAWS         bool
	skipAzure       bool
	timeout         time.Duration
}

func main() {
	opts := &recordOptions{}

	rootCmd := &cobra.Command{
		Use:          "record-pricing",
		Short:        "Record live cloud pricing responses into testdata",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := config.NewLogger(config.LoggingConfig{Level: "info", Format: "console"})
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return record(ctx, opts, logger)
		},
	}
	rootCmd.Flags().StringVar(&opts.outDir, "out", "testdata/pricing", "Output directory")
	rootCmd.Flags().StringVar(&opts.awsRegion, "aws-region", "us-east-1", "AWS region to record")
	rootCmd.Flags().StringVar(&opts.awsInstanceType, "aws-instance-type", "m5.large", "EC2 instance type to record")
	rootCmd.Flags().StringVar(&opts.azureRegion, "azure-region", "eastus", "Azure region to record")
	rootCmd.Flags().StringVar(&opts.azureSKU, "azure-sku", "Standard_D2s_v3", "Azure VM size to record")
	rootCmd.Flags().BoolVar(&opts.skipAWS, "skip-aws", false, "Do not record AWS")
	rootCmd.Flags().BoolVar(&opts.skipAzure, "skip-azure", false, "Do not record Azure")
	rootCmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Overall timeout")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func record(ctx context.Context, opts *recordOptions, logger zerolog.Logger) error {
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.outDir, err)
	}

	if !opts.skipAWS {
		source, err := pricing.NewAWSSource(ctx, logger)
		if err != nil {
			return err
		}
		docs, err := source.PriceList(ctx, pricing.Query{InstanceType: opts.awsInstanceType, Region: opts.awsRegion})
		if err != nil {
			return fmt.Errorf("failed to record AWS: %w", err)
		}
		if len(docs) == 0 {
			return fmt.Errorf("AWS returned no price list for %s in %s", opts.awsInstanceType, opts.awsRegion)
		}
		name := fmt.Sprintf("aws_%s_%s.json", strings.ReplaceAll(opts.awsInstanceType, ".", "_"), opts.awsRegion)
		if err := writeIndented(filepath.Join(opts.outDir, name), []byte(docs[0])); err != nil {
			return err
		}
		logger.Info().Str("file", name).Int("documents", len(docs)).Msg("Recorded AWS price list")
	}

	if !opts.skipAzure {
		source := pricing.NewAzureSource(opts.timeout)
		body, err := source.RetailPrices(ctx, pricing.Query{InstanceType: opts.azureSKU, Region: opts.azureRegion})
		if err != nil {
			return fmt.Errorf("failed to record Azure: %w", err)
		}
		name := fmt.Sprintf("azure_%s_%s.json", opts.azureRegion, azureFileSKU(opts.azureSKU))
		if err := writeIndented(filepath.Join(opts.outDir, name), body); err != nil {
			return err
		}
		logger.Info().Str("file", name).Msg("Recorded Azure retail prices")
	}
	return nil
}

// azureFileSKU turns "Standard_D2s_v3" into "d2s_v3".
func azureFileSKU(sku string) string {
	return strings.ToLower(strings.TrimPrefix(sku, "Standard_"))
}

func writeIndented(path string, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("response for %s is not JSON: %w", path, err)
	}
	buf.WriteByte('\n')
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
