package collector

import (
	"fmt"
	"path/filepath"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// ClusterAccess says how to reach a cluster.
type ClusterAccess struct {
	Kubeconfig string
	Context    string
	InCluster  bool
	Timeout    time.Duration
}

// Clients are the API clients for one cluster.
type Clients struct {
	Kube    kubernetes.Interface
	Metrics metricsv.Interface
}

// NewClients builds clients from in-cluster config or a kubeconfig file.
func NewClients(access ClusterAccess) (*Clients, error) {
	config, err := restConfig(access)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	config.Timeout = access.Timeout

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metricsClient, err := metricsv.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &Clients{Kube: clientset, Metrics: metricsClient}, nil
}

func restConfig(access ClusterAccess) (*rest.Config, error) {
	if access.InCluster {
		return rest.InClusterConfig()
	}

	kubeconfig := access.Kubeconfig
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
		&clientcmd.ConfigOverrides{CurrentContext: access.Context},
	).ClientConfig()
}
