package pricing

import (
	"context"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Node labels read to build a price query.
const (
	LabelRegion           = "topology.kubernetes.io/region"
	LabelRegionBeta       = "failure-domain.beta.kubernetes.io/region"
	LabelInstanceType     = "node.kubernetes.io/instance-type"
	LabelInstanceTypeBeta = "beta.kubernetes.io/instance-type"
	LabelOS               = "kubernetes.io/os"
	LabelOSBeta           = "beta.kubernetes.io/os"
	LabelCapacityType     = "eks.amazonaws.com/capacityType"
	LabelKarpenterType    = "karpenter.sh/capacity-type"
	LabelAKSPriority      = "kubernetes.azure.com/scalesetpriority"
)

// Providers recognised from node data.
const (
	ProviderAWS     = "aws"
	ProviderAzure   = "azure"
	ProviderGCP     = "gcp"
	ProviderUnknown = "unknown"
)

// NodeRegion returns the node's region label.
func NodeRegion(labels map[string]string) string {
	return firstLabel(labels, LabelRegion, LabelRegionBeta)
}

// NodeInstanceType returns the node's instance type label.
func NodeInstanceType(labels map[string]string) string {
	return firstLabel(labels, LabelInstanceType, LabelInstanceTypeBeta)
}

// NodeOperatingSystem maps the node's OS label to the catalog's operatingSystem value.
func NodeOperatingSystem(labels map[string]string) string {
	switch strings.ToLower(firstLabel(labels, LabelOS, LabelOSBeta)) {
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

// SpotNode reports whether the node runs on spot capacity. Spot nodes are
// still priced at the on-demand rate.
func SpotNode(labels map[string]string) bool {
	return strings.EqualFold(firstLabel(labels, LabelCapacityType, LabelKarpenterType, LabelAKSPriority), "spot")
}

// ProviderFromNode detects the cloud provider of a node.
func ProviderFromNode(node *corev1.Node) string {
	switch providerID := node.Spec.ProviderID; {
	case strings.HasPrefix(providerID, "aws://"):
		return ProviderAWS
	case strings.HasPrefix(providerID, "azure://"):
		return ProviderAzure
	case strings.HasPrefix(providerID, "gce://"):
		return ProviderGCP
	}

	labels := node.Labels
	if _, ok := labels["eks.amazonaws.com/nodegroup"]; ok {
		return ProviderAWS
	}
	if _, ok := labels["kubernetes.azure.com/cluster"]; ok {
		return ProviderAzure
	}
	if _, ok := labels["cloud.google.com/gke-nodepool"]; ok {
		return ProviderGCP
	}
	return ProviderUnknown
}

// DetectProvider inspects one node of the cluster and returns its provider and region.
func DetectProvider(ctx context.Context, clientset kubernetes.Interface) (string, string, error) {
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return ProviderUnknown, "", err
	}
	if len(nodes.Items) == 0 {
		return ProviderUnknown, "", nil
	}
	node := &nodes.Items[0]
	return ProviderFromNode(node), NodeRegion(node.Labels), nil
}

func firstLabel(labels map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := labels[key]; ok && v != "" {
			return v
		}
	}
	return ""
}
