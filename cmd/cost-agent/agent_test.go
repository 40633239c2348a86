package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/opscart/kube-cost/pkg/collector"
	"github.com/opscart/kube-cost/pkg/config"
	"github.com/opscart/kube-cost/pkg/models"
	"github.com/opscart/kube-cost/pkg/storage"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EKS_CLUSTER_NAME", "METRICS_PORT", "POD_LABELS", "POLL_INTERVAL", "PROMETHEUS_URL",
		"PRICING_MODE", "PRICING_REGION", "PRICING_ENDPOINT", "DATABASE_URL", "STORAGE_ENABLED",
		"KUBECOST_LOG_LEVEL", "KUBECOST_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFlags(t *testing.T) {
	clearEnv(t)

	cfg, err := loadConfig(&options{clusterName: "prod", listenAddr: ":9300"})
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 1)
	assert.Equal(t, config.ClusterConfig{Name: "prod", InCluster: true}, cfg.Clusters[0])
	assert.Equal(t, ":9300", cfg.Exporter.Listen)

	path := writeConfig(t, "clusters:\n  - name: a\n    in_cluster: true\n  - name: b\n    kubeconfig: /tmp/kc\n")
	_, err = loadConfig(&options{configPath: path, clusterName: "prod"})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg, err = loadConfig(&options{configPath: path})
	require.NoError(t, err)
	assert.Len(t, cfg.Clusters, 2)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	clearEnv(t)

	_, err := loadConfig(&options{})
	assert.ErrorIs(t, err, config.ErrInvalid, "no cluster configured")

	path := writeConfig(t, "clusters:\n  - name: prod\n    in_cluster: true\npoll_interval: 100ms\n")
	_, err = loadConfig(&options{configPath: path})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func fakeClients(t *testing.T) *collector.Clients {
	t.Helper()
	started := metav1.NewTime(time.Now().Add(-time.Hour))
	controller := true

	kube := fake.NewSimpleClientset(
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{
				Name: "node-a",
				Labels: map[string]string{
					"topology.kubernetes.io/region":    "us-east-1",
					"node.kubernetes.io/instance-type": "m5.large",
					"kubernetes.io/os":                 "linux",
				},
			},
			Status: corev1.NodeStatus{Capacity: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("2"),
				corev1.ResourceMemory: resource.MustParse("8Gi"),
			}},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: "shop",
				Name:      "checkout-7d9f8b-x2k4p",
				UID:       types.UID("uid-1"),
				OwnerReferences: []metav1.OwnerReference{
					{Kind: "ReplicaSet", Name: "checkout-7d9f8b", Controller: &controller},
				},
			},
			Spec: corev1.PodSpec{
				NodeName: "node-a",
				Containers: []corev1.Container{{
					Name: "app",
					Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("1"),
						corev1.ResourceMemory: resource.MustParse("1Gi"),
					}},
				}},
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning, StartTime: &started},
		},
	)

	metricsClient := metricsfake.NewSimpleClientset()
	metricsClient.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.PodMetricsList{Items: []metricsv1beta1.PodMetrics{{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "checkout-7d9f8b-x2k4p"},
			Containers: []metricsv1beta1.ContainerMetrics{{
				Name: "app",
				Usage: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse("500m"),
					corev1.ResourceMemory: resource.MustParse("512Mi"),
				},
			}},
		}}}, nil
	})
	metricsClient.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.NodeMetricsList{}, nil
	})

	return &collector.Clients{Kube: kube, Metrics: metricsClient}
}

func staticConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Clusters = []config.ClusterConfig{{Name: "prod", InCluster: true}}
	cfg.Pricing.Mode = "static"
	cfg.Pricing.StaticPrices = map[string]float64{"m5.large": 0.096}
	return cfg
}

func TestAgentEndToEnd(t *testing.T) {
	cfg := staticConfig()
	clients := fakeClients(t)

	var accessed []collector.ClusterAccess
	a, err := newAgent(context.Background(), cfg, zerolog.Nop(), func(access collector.ClusterAccess) (*collector.Clients, error) {
		accessed = append(accessed, access)
		return clients, nil
	})
	require.NoError(t, err)
	require.Len(t, a.loops, 1)
	require.Len(t, accessed, 1)
	assert.True(t, accessed[0].InCluster)
	assert.Equal(t, cfg.CallTimeout, accessed[0].Timeout)

	require.NoError(t, a.loops[0].Cycle(context.Background()))

	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `pod_usage_cost{deployment_name="checkout",eks_cluster_name="prod",pod="checkout-7d9f8b-x2k4p",pod_namespace="shop",pod_uid="uid-1"}`)
	assert.Contains(t, text, `namespace_wastage_cost{eks_cluster_name="prod",pod_namespace="shop"}`)
	assert.Contains(t, text, `kubecost_collector_cycles_total{cluster="prod",result="ok"} 1`)
	assert.Contains(t, text, `node_actual_cost{eks_cluster_name="prod",instance_type="m5.large",node_name="node-a"} 0.096`)
	assert.Contains(t, text, "go_goroutines")

	resp, err = http.Get(srv.URL + "/api/v1/snapshot?scope=namespace")
	require.NoError(t, err)
	defer resp.Body.Close()
	var counters []models.AggregateCounter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counters))
	require.Len(t, counters, 1)
	assert.Equal(t, "shop", counters[0].Namespace)
	assert.Greater(t, counters[0].UsageCost, 0.0)
	assert.Greater(t, counters[0].WastageCost, 0.0)
}

func TestAgentClusterClientError(t *testing.T) {
	cfg := staticConfig()
	_, err := newAgent(context.Background(), cfg, zerolog.Nop(), func(collector.ClusterAccess) (*collector.Clients, error) {
		return nil, errors.New("no kubeconfig")
	})
	assert.ErrorContains(t, err, "cluster prod")
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	cfg := staticConfig()
	cfg.Exporter.Listen = "127.0.0.1:0"
	a, err := newAgent(context.Background(), cfg, zerolog.Nop(), func(collector.ClusterAccess) (*collector.Clients, error) {
		return fakeClients(t), nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestPrintHistory(t *testing.T) {
	start := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	records := []storage.StoredRecord{{
		ID: "0b7f",
		CostRecord: models.CostRecord{
			Pod:         models.PodID{Namespace: "shop", Name: "checkout-1", UID: "uid-1"},
			Owner:       "checkout",
			Namespace:   "shop",
			ClusterName: "prod",
			WindowStart: start,
			WindowEnd:   start.Add(time.Minute),
			UsageCost:   0.0512345678,
			WastageCost: 0.15,
			UsageBasis:  models.BasisUsage,
			PriceStale:  true,
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, printHistory(&buf, "shop", records, "text"))
	out := buf.String()
	assert.Contains(t, out, "1. checkout-1 (cluster: prod, owner: checkout)")
	assert.Contains(t, out, "Window: 2024-09-01 12:00:00 -> 12:01:00")
	assert.Contains(t, out, "Usage: $0.051235  Wastage: $0.150000 (usage)")
	assert.Contains(t, out, "Price: stale")

	buf.Reset()
	require.NoError(t, printHistory(&buf, "shop", records, "json"))
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "0b7f", decoded[0]["id"])
	assert.Equal(t, "prod", decoded[0]["cluster"])

	buf.Reset()
	require.NoError(t, printHistory(&buf, "empty", nil, "text"))
	assert.True(t, strings.HasPrefix(buf.String(), "No cost records found"))

	assert.Error(t, printHistory(&buf, "shop", records, "yaml"))
}

func TestHistoryRequiresDatabase(t *testing.T) {
	clearEnv(t)
	cmd := newRootCmd()
	cmd.SetArgs([]string{"history", "shop"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.ErrorContains(t, cmd.Execute(), "database_url")
}
