package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"EKS_CLUSTER_NAME", "METRICS_PORT", "POD_LABELS", "POLL_INTERVAL", "PROMETHEUS_URL",
	"PRICING_MODE", "PRICING_REGION", "PRICING_ENDPOINT", "DATABASE_URL", "STORAGE_ENABLED",
	"KUBECOST_LOG_LEVEL", "KUBECOST_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Clusters = []ClusterConfig{{Name: "prod", InCluster: true}}
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.CallTimeout)
	assert.Equal(t, 60, cfg.EvictAfter)
	assert.Equal(t, []string{"kube-system"}, cfg.ExcludeNamespaces)
	assert.Equal(t, "metrics-server", cfg.UsageSource)
	assert.Equal(t, "requests", cfg.UsageFallback)
	assert.Equal(t, "auto", cfg.Pricing.Mode)
	assert.Equal(t, "cpu", cfg.Pricing.Split)
	assert.Equal(t, 6*time.Hour, cfg.Pricing.CacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.Pricing.NegativeTTL)
	assert.Equal(t, uint64(4), cfg.Pricing.MaxRetries)
	assert.Equal(t, ":8000", cfg.Exporter.Listen)
	assert.True(t, cfg.Exporter.PodLabels)
	assert.False(t, cfg.Storage.Enabled)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
clusters:
  - name: prod
    kubeconfig: /etc/kube/prod
    context: prod-admin
  - name: dev
    in_cluster: true
poll_interval: 30s
max_price_age: 24h
usage_source: prometheus
prometheus_url: http://prometheus:9090
usage_fallback: skip
pricing:
  mode: static
  split: weighted
  static_prices:
    m5.large: 0.096
  default_cpu_price: 0.03
exporter:
  listen: ":9100"
  pod_labels: false
storage:
  enabled: true
  database_url: postgres://cost@db/cost
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Clusters, 2)
	assert.Equal(t, ClusterConfig{Name: "prod", Kubeconfig: "/etc/kube/prod", Context: "prod-admin"}, cfg.Clusters[0])
	assert.True(t, cfg.Clusters[1].InCluster)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.MaxPriceAge)
	assert.Equal(t, "prometheus", cfg.UsageSource)
	assert.Equal(t, "skip", cfg.UsageFallback)
	assert.Equal(t, "weighted", cfg.Pricing.Split)
	assert.Equal(t, 7.2, cfg.Pricing.SplitRatio, "unset keys keep their defaults")
	assert.Equal(t, 0.096, cfg.Pricing.StaticPrices["m5.large"])
	assert.False(t, cfg.Exporter.PodLabels)
	assert.Equal(t, "postgres://cost@db/cost", cfg.Storage.DatabaseURL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "clusters: [unterminated"))
	assert.ErrorContains(t, err, "parse config YAML")
}

func TestConfigFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("EKS_CLUSTER_NAME", "prod-eks")
	t.Setenv("METRICS_PORT", "9200")
	t.Setenv("POLL_INTERVAL", "120")
	t.Setenv("PRICING_REGION", "eu-west-1")
	t.Setenv("PRICING_ENDPOINT", "http://pricing:5001")
	t.Setenv("DATABASE_URL", "postgres://test")
	t.Setenv("POD_LABELS", "false")
	t.Setenv("KUBECOST_LOG_LEVEL", "WARN")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Clusters, 1)
	assert.Equal(t, ClusterConfig{Name: "prod-eks", InCluster: true}, cfg.Clusters[0])
	assert.Equal(t, ":9200", cfg.Exporter.Listen)
	assert.Equal(t, 120*time.Second, cfg.PollInterval)
	assert.Equal(t, "eu-west-1", cfg.Pricing.Region)
	assert.Equal(t, "http://pricing:5001", cfg.Pricing.Endpoint)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "postgres://test", cfg.Storage.DatabaseURL)
	assert.False(t, cfg.Exporter.PodLabels)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesSingleClusterName(t *testing.T) {
	clearEnv(t)
	t.Setenv("EKS_CLUSTER_NAME", "renamed")

	cfg, err := Load(writeConfig(t, "clusters:\n  - name: original\n    kubeconfig: /tmp/kc\n"))
	require.NoError(t, err)
	assert.Equal(t, "renamed", cfg.Clusters[0].Name)
	assert.Equal(t, "/tmp/kc", cfg.Clusters[0].Kubeconfig)
}

func TestInvalidEnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "invalid")

	cfg, err := Load("")
	require.NoError(t, err)

	// Should fall back to default
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
}

func TestStorageDisabledByEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://test")
	t.Setenv("STORAGE_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Storage.Enabled)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectError   bool
		errorContains string
	}{
		{
			name:        "valid default config",
			setupConfig: func(c *Config) {},
			expectError: false,
		},
		{
			name:          "no clusters",
			setupConfig:   func(c *Config) { c.Clusters = nil },
			expectError:   true,
			errorContains: "Clusters",
		},
		{
			name:          "cluster without name",
			setupConfig:   func(c *Config) { c.Clusters[0].Name = "" },
			expectError:   true,
			errorContains: "Name failed required",
		},
		{
			name: "duplicate cluster names",
			setupConfig: func(c *Config) {
				c.Clusters = append(c.Clusters, ClusterConfig{Name: "prod", Kubeconfig: "/tmp/kc"})
			},
			expectError:   true,
			errorContains: "duplicate cluster name",
		},
		{
			name: "in-cluster with kubeconfig",
			setupConfig: func(c *Config) {
				c.Clusters[0].Kubeconfig = "/tmp/kc"
			},
			expectError:   true,
			errorContains: "in_cluster",
		},
		{
			name:          "poll interval too low",
			setupConfig:   func(c *Config) { c.PollInterval = 500 * time.Millisecond },
			expectError:   true,
			errorContains: "PollInterval failed min=1s",
		},
		{
			name: "call timeout above poll interval",
			setupConfig: func(c *Config) {
				c.PollInterval = 10 * time.Second
				c.CallTimeout = 20 * time.Second
			},
			expectError:   true,
			errorContains: "exceeds poll_interval",
		},
		{
			name:          "unknown usage source",
			setupConfig:   func(c *Config) { c.UsageSource = "cadvisor" },
			expectError:   true,
			errorContains: "UsageSource failed oneof",
		},
		{
			name:          "prometheus without url",
			setupConfig:   func(c *Config) { c.UsageSource = "prometheus" },
			expectError:   true,
			errorContains: "prometheus_url is required",
		},
		{
			name: "prometheus with url",
			setupConfig: func(c *Config) {
				c.UsageSource = "prometheus"
				c.PrometheusURL = "http://prometheus:9090"
			},
			expectError: false,
		},
		{
			name:          "unknown usage fallback",
			setupConfig:   func(c *Config) { c.UsageFallback = "zero" },
			expectError:   true,
			errorContains: "UsageFallback",
		},
		{
			name:          "unknown pricing mode",
			setupConfig:   func(c *Config) { c.Pricing.Mode = "gcp" },
			expectError:   true,
			errorContains: "Mode failed oneof",
		},
		{
			name:          "remote without endpoint",
			setupConfig:   func(c *Config) { c.Pricing.Mode = "remote" },
			expectError:   true,
			errorContains: "pricing.endpoint is required",
		},
		{
			name:          "endpoint not a url",
			setupConfig:   func(c *Config) { c.Pricing.Endpoint = "pricing server" },
			expectError:   true,
			errorContains: "Endpoint failed url",
		},
		{
			name:          "static without prices",
			setupConfig:   func(c *Config) { c.Pricing.Mode = "static" },
			expectError:   true,
			errorContains: "static pricing needs",
		},
		{
			name: "static with default prices",
			setupConfig: func(c *Config) {
				c.Pricing.Mode = "static"
				c.Pricing.DefaultCPUPrice = 0.03
			},
			expectError: false,
		},
		{
			name:          "negative static price",
			setupConfig:   func(c *Config) { c.Pricing.StaticPrices = map[string]float64{"m5.large": -1} },
			expectError:   true,
			errorContains: "gte",
		},
		{
			name:          "unknown split",
			setupConfig:   func(c *Config) { c.Pricing.Split = "memory" },
			expectError:   true,
			errorContains: "Split failed oneof",
		},
		{
			name:          "storage enabled without url",
			setupConfig:   func(c *Config) { c.Storage.Enabled = true },
			expectError:   true,
			errorContains: "DatabaseURL",
		},
		{
			name:          "unknown log level",
			setupConfig:   func(c *Config) { c.Logging.Level = "trace" },
			expectError:   true,
			errorContains: "Level failed oneof",
		},
		{
			name:          "evict after zero",
			setupConfig:   func(c *Config) { c.EvictAfter = 0 },
			expectError:   true,
			errorContains: "EvictAfter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.setupConfig(cfg)

			err := cfg.Validate()

			if !tt.expectError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestValidatePricing(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidatePricing(), "the pricing server needs no clusters")

	cfg.Pricing.Mode = "remote"
	cfg.Pricing.Endpoint = "http://pricing:5001"
	assert.ErrorIs(t, cfg.ValidatePricing(), ErrInvalid)

	cfg = DefaultConfig()
	cfg.Pricing.Listen = ""
	assert.ErrorContains(t, cfg.ValidatePricing(), "Listen")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("cluster", "prod").Msg("visible")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "prod", entry["cluster"])
	assert.Equal(t, "warn", entry["level"])
	assert.Contains(t, entry, "time")

	logger = newLogger(LoggingConfig{Level: "bogus", Format: "console"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestPricingSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pricing.Mode = "static"
	cfg.Pricing.Split = "weighted"
	cfg.Pricing.StaticPrices = map[string]float64{"m5.large": 0.096}
	cfg.Pricing.DefaultMemoryPrice = 0.004

	pc := cfg.Pricing.Source(cfg.CallTimeout)
	assert.Equal(t, "static", pc.Mode)
	assert.Equal(t, "weighted", pc.Split.Mode)
	assert.Equal(t, 7.2, pc.Split.Ratio)
	assert.Equal(t, 15*time.Second, pc.CallTimeout)
	assert.Equal(t, 0.096, pc.StaticPrices["m5.large"])
	assert.Equal(t, 0.004, pc.DefaultMemory)

	rc := pc.ResolverConfig()
	assert.Equal(t, 6*time.Hour, rc.TTL)
	assert.Equal(t, uint64(4), rc.MaxRetries)
	assert.Equal(t, 5.0, rc.RequestsPerSec)
}
