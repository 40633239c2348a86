// Package config loads the cost-agent and pricing-server configuration from
// YAML, environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	Clusters []ClusterConfig `yaml:"clusters" validate:"required,min=1,dive"`

	// Collection
	PollInterval      time.Duration `yaml:"poll_interval" validate:"min=1s"`
	CallTimeout       time.Duration `yaml:"call_timeout" validate:"min=100ms"`
	MaxPriceAge       time.Duration `yaml:"max_price_age" validate:"min=0"`
	EvictAfter        int           `yaml:"evict_after" validate:"min=1"`
	ExcludeNamespaces []string      `yaml:"exclude_namespaces"`
	UsageSource       string        `yaml:"usage_source" validate:"oneof=metrics-server prometheus"`
	PrometheusURL     string        `yaml:"prometheus_url" validate:"omitempty,url"`
	UsageFallback     string        `yaml:"usage_fallback" validate:"oneof=requests skip"`

	Pricing  PricingConfig  `yaml:"pricing"`
	Exporter ExporterConfig `yaml:"exporter"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ClusterConfig selects how one cluster is reached.
type ClusterConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
	InCluster  bool   `yaml:"in_cluster"`
}

type PricingConfig struct {
	Mode     string `yaml:"mode" validate:"oneof=auto aws azure remote static"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Listen   string `yaml:"listen" validate:"required"`

	Split      string  `yaml:"split" validate:"oneof=cpu weighted"`
	SplitRatio float64 `yaml:"split_ratio" validate:"gt=0"`

	CacheTTL          time.Duration `yaml:"cache_ttl" validate:"min=1m"`
	NegativeTTL       time.Duration `yaml:"negative_ttl" validate:"min=0"`
	StaleRetention    time.Duration `yaml:"stale_retention" validate:"min=0"`
	MaxRetries        uint64        `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"min=1"`

	StaticPrices       map[string]float64 `yaml:"static_prices" validate:"dive,gte=0"`
	DefaultCPUPrice    float64            `yaml:"default_cpu_price" validate:"gte=0"`
	DefaultMemoryPrice float64            `yaml:"default_memory_price" validate:"gte=0"`
}

type ExporterConfig struct {
	Listen    string `yaml:"listen" validate:"required"`
	PodLabels bool   `yaml:"pod_labels"`
}

type StorageConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      60 * time.Second,
		CallTimeout:       15 * time.Second,
		EvictAfter:        60,
		ExcludeNamespaces: []string{"kube-system"},
		UsageSource:       "metrics-server",
		UsageFallback:     "requests",
		Pricing: PricingConfig{
			Mode:              "auto",
			Listen:            ":5001",
			Split:             "cpu",
			SplitRatio:        7.2,
			CacheTTL:          6 * time.Hour,
			NegativeTTL:       10 * time.Minute,
			StaleRetention:    7 * 24 * time.Hour,
			MaxRetries:        4,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Exporter: ExporterConfig{
			Listen:    ":8000",
			PodLabels: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if name := getEnv("EKS_CLUSTER_NAME", ""); name != "" {
		if len(c.Clusters) == 0 {
			c.Clusters = []ClusterConfig{{Name: name, InCluster: true}}
		} else if len(c.Clusters) == 1 {
			c.Clusters[0].Name = name
		}
	}
	if port := getEnv("METRICS_PORT", ""); port != "" {
		c.Exporter.Listen = ":" + port
	}
	c.Exporter.PodLabels = getEnvBool("POD_LABELS", c.Exporter.PodLabels)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.PrometheusURL = getEnv("PROMETHEUS_URL", c.PrometheusURL)

	c.Pricing.Mode = getEnv("PRICING_MODE", c.Pricing.Mode)
	c.Pricing.Region = getEnv("PRICING_REGION", c.Pricing.Region)
	c.Pricing.Endpoint = getEnv("PRICING_ENDPOINT", c.Pricing.Endpoint)

	if dsn := getEnv("DATABASE_URL", ""); dsn != "" {
		c.Storage.DatabaseURL = dsn
		c.Storage.Enabled = getEnvBool("STORAGE_ENABLED", true)
	} else {
		c.Storage.Enabled = getEnvBool("STORAGE_ENABLED", c.Storage.Enabled)
	}

	c.Logging.Level = strings.ToLower(getEnv("KUBECOST_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("KUBECOST_LOG_FORMAT", c.Logging.Format))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

var validate = validator.New()

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}

	seen := make(map[string]bool, len(c.Clusters))
	for _, cluster := range c.Clusters {
		if seen[cluster.Name] {
			return fmt.Errorf("%w: duplicate cluster name %q", ErrInvalid, cluster.Name)
		}
		seen[cluster.Name] = true
		if cluster.InCluster && (cluster.Kubeconfig != "" || cluster.Context != "") {
			return fmt.Errorf("%w: cluster %q sets in_cluster together with kubeconfig or context",
				ErrInvalid, cluster.Name)
		}
	}
	if c.UsageSource == "prometheus" && c.PrometheusURL == "" {
		return fmt.Errorf("%w: prometheus_url is required when usage_source is prometheus", ErrInvalid)
	}
	if c.Pricing.Mode == "remote" && c.Pricing.Endpoint == "" {
		return fmt.Errorf("%w: pricing.endpoint is required in remote mode", ErrInvalid)
	}
	if c.CallTimeout > c.PollInterval {
		return fmt.Errorf("%w: call_timeout %s exceeds poll_interval %s", ErrInvalid, c.CallTimeout, c.PollInterval)
	}
	if c.Pricing.Mode == "static" && len(c.Pricing.StaticPrices) == 0 &&
		c.Pricing.DefaultCPUPrice == 0 && c.Pricing.DefaultMemoryPrice == 0 {
		return fmt.Errorf("%w: static pricing needs static_prices or default prices", ErrInvalid)
	}
	return nil
}

// ValidatePricing checks only the sections the pricing-server uses.
func (c *Config) ValidatePricing() error {
	if err := validate.Struct(c.Pricing); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	if err := validate.Struct(c.Logging); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	if c.Pricing.Mode == "remote" {
		return fmt.Errorf("%w: pricing-server cannot use remote mode", ErrInvalid)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
