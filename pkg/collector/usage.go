package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Usage sources.
const (
	UsageMetricsServer = "metrics-server"
	UsagePrometheus    = "prometheus"
)

// MetricsServerUsage reads pod usage from the metrics.k8s.io API.
type MetricsServerUsage struct {
	client metricsv.Interface
}

func NewMetricsServerUsage(client metricsv.Interface) *MetricsServerUsage {
	return &MetricsServerUsage{client: client}
}

func (m *MetricsServerUsage) Name() string {
	return UsageMetricsServer
}

func (m *MetricsServerUsage) PodUsage(ctx context.Context) (map[PodKey]Usage, error) {
	list, err := m.client.MetricsV1beta1().PodMetricses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod metrics: %w", err)
	}

	usage := make(map[PodKey]Usage, len(list.Items))
	for _, pm := range list.Items {
		var u Usage
		for _, container := range pm.Containers {
			u.CPU += container.Usage.Cpu().AsApproximateFloat64()
			u.Memory += container.Usage.Memory().Value()
		}
		if !pm.Timestamp.IsZero() {
			u.Since = pm.Timestamp.Add(-pm.Window.Duration)
		}
		usage[PodKey{Namespace: pm.Namespace, Name: pm.Name}] = u
	}
	return usage, nil
}

// Instant queries used by PrometheusUsage.
const (
	promCPUQuery    = `sum by (namespace, pod) (rate(container_cpu_usage_seconds_total{container!=""}[5m]))`
	promMemoryQuery = `sum by (namespace, pod) (container_memory_working_set_bytes{container!=""})`
)

// PrometheusUsage reads pod usage from cAdvisor series in Prometheus.
type PrometheusUsage struct {
	client v1.API
	logger zerolog.Logger
	now    func() time.Time
}

func NewPrometheusUsage(url string, logger zerolog.Logger) (*PrometheusUsage, error) {
	client, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusUsage{
		client: v1.NewAPI(client),
		logger: logger,
		now:    time.Now,
	}, nil
}

func (p *PrometheusUsage) Name() string {
	return UsagePrometheus
}

// PodUsage reports pods that have both a CPU and a memory series.
func (p *PrometheusUsage) PodUsage(ctx context.Context) (map[PodKey]Usage, error) {
	ts := p.now()
	cpu, err := p.queryByPod(ctx, promCPUQuery, ts)
	if err != nil {
		return nil, fmt.Errorf("CPU query failed: %w", err)
	}
	mem, err := p.queryByPod(ctx, promMemoryQuery, ts)
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}

	usage := make(map[PodKey]Usage, len(cpu))
	for key, cores := range cpu {
		bytes, ok := mem[key]
		if !ok {
			continue
		}
		usage[key] = Usage{CPU: cores, Memory: int64(bytes)}
	}
	return usage, nil
}

func (p *PrometheusUsage) queryByPod(ctx context.Context, query string, ts time.Time) (map[PodKey]float64, error) {
	result, warnings, err := p.client.Query(ctx, query, ts)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warn().Strs("warnings", warnings).Str("query", query).Msg("Prometheus returned warnings")
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}

	out := make(map[PodKey]float64, len(vector))
	invalid := make(map[PodKey]bool)
	for _, sample := range vector {
		key := PodKey{
			Namespace: string(sample.Metric["namespace"]),
			Name:      string(sample.Metric["pod"]),
		}
		if key.Namespace == "" || key.Name == "" {
			continue
		}
		value := float64(sample.Value)
		if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
			invalid[key] = true
			continue
		}
		out[key] += value
	}
	// A pod with any malformed series has no usage rather than a partial sum.
	for key := range invalid {
		p.logger.Debug().Str("pod", key.Namespace+"/"+key.Name).Str("query", query).Msg("Dropping malformed usage sample")
		delete(out, key)
	}
	return out, nil
}
