package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/kube-cost/pkg/models"
	"github.com/opscart/kube-cost/pkg/pricing"
)

// KubeSource observes a cluster through the object API and a UsageSource.
type KubeSource struct {
	clientset         kubernetes.Interface
	metricsClient     metricsv.Interface // optional, for node usage
	usage             UsageSource
	excludeNamespaces map[string]bool
	defaultRegion     string
	callTimeout       time.Duration
	logger            zerolog.Logger
	now               func() time.Time
}

func NewKubeSource(clientset kubernetes.Interface, metricsClient metricsv.Interface, usage UsageSource,
	excludeNamespaces []string, callTimeout time.Duration, logger zerolog.Logger) *KubeSource {
	excluded := make(map[string]bool, len(excludeNamespaces))
	for _, ns := range excludeNamespaces {
		excluded[ns] = true
	}
	return &KubeSource{
		clientset:         clientset,
		metricsClient:     metricsClient,
		usage:             usage,
		excludeNamespaces: excluded,
		callTimeout:       callTimeout,
		logger:            logger,
		now:               time.Now,
	}
}

// WithDefaultRegion sets the region assumed for nodes without a region label.
func (k *KubeSource) WithDefaultRegion(region string) *KubeSource {
	k.defaultRegion = region
	return k
}

// Observe lists nodes, pods and pod usage. Any listing failure fails the
// whole observation with ErrClusterAPI.
func (k *KubeSource) Observe(ctx context.Context) (Observation, error) {
	nodes, err := k.listNodes(ctx)
	if err != nil {
		return Observation{}, err
	}

	var pods *corev1.PodList
	err = k.call(ctx, func(ctx context.Context) error {
		var err error
		pods, err = k.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
		return err
	})
	if err != nil {
		return Observation{}, fmt.Errorf("%w: failed to list pods: %v", ErrClusterAPI, err)
	}

	var usage map[PodKey]Usage
	err = k.call(ctx, func(ctx context.Context) error {
		var err error
		usage, err = k.usage.PodUsage(ctx)
		return err
	})
	if err != nil {
		return Observation{}, fmt.Errorf("%w: failed to get pod usage from %s: %v", ErrClusterAPI, k.usage.Name(), err)
	}

	obs := Observation{Time: k.now(), Nodes: nodes}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !k.sampled(pod) {
			continue
		}
		obs.Pods = append(obs.Pods, buildSample(pod, usage, obs.Time))
	}
	return obs, nil
}

func (k *KubeSource) listNodes(ctx context.Context) (map[string]models.NodeProfile, error) {
	var nodes *corev1.NodeList
	err := k.call(ctx, func(ctx context.Context) error {
		var err error
		nodes, err = k.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list nodes: %v", ErrClusterAPI, err)
	}

	profiles := make(map[string]models.NodeProfile, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		profile := models.NodeProfile{
			NodeID:          node.Name,
			InstanceType:    pricing.NodeInstanceType(node.Labels),
			Region:          pricing.NodeRegion(node.Labels),
			OperatingSystem: pricing.NodeOperatingSystem(node.Labels),
		}
		if cpu, ok := node.Status.Capacity[corev1.ResourceCPU]; ok {
			profile.TotalCPUUnits = cpu.AsApproximateFloat64()
		}
		if mem, ok := node.Status.Capacity[corev1.ResourceMemory]; ok {
			profile.TotalMemoryBytes = mem.Value()
		}
		if profile.Region == "" {
			profile.Region = k.defaultRegion
		}
		if pricing.SpotNode(node.Labels) {
			k.logger.Debug().Str("node", node.Name).Msg("Spot node priced at the on-demand rate")
		}
		profiles[node.Name] = profile
	}

	k.addNodeUsage(ctx, profiles)
	return profiles, nil
}

// addNodeUsage fills node usage from metrics-server. Node usage only feeds
// the node gauges, so failures are not fatal.
func (k *KubeSource) addNodeUsage(ctx context.Context, profiles map[string]models.NodeProfile) {
	if k.metricsClient == nil {
		return
	}
	err := k.call(ctx, func(ctx context.Context) error {
		list, err := k.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, nm := range list.Items {
			profile, ok := profiles[nm.Name]
			if !ok {
				continue
			}
			profile.UsedCPUUnits = nm.Usage.Cpu().AsApproximateFloat64()
			profile.UsedMemoryBytes = nm.Usage.Memory().Value()
			profile.HasUsage = true
			profiles[nm.Name] = profile
		}
		return nil
	})
	if err != nil {
		k.logger.Debug().Err(err).Msg("Node metrics unavailable")
	}
}

// sampled reports whether a pod takes part in attribution.
func (k *KubeSource) sampled(pod *corev1.Pod) bool {
	if k.excludeNamespaces[pod.Namespace] {
		return false
	}
	if pod.Spec.NodeName == "" {
		return false
	}
	switch pod.Status.Phase {
	case corev1.PodSucceeded, corev1.PodFailed:
		return false
	}
	return true
}

func buildSample(pod *corev1.Pod, usage map[PodKey]Usage, now time.Time) models.WorkloadSample {
	sample := models.WorkloadSample{
		Pod: models.PodID{
			Namespace: pod.Namespace,
			Name:      pod.Name,
			UID:       string(pod.UID),
		},
		Owner:      topLevelOwner(pod),
		NodeID:     pod.Spec.NodeName,
		SampleTime: now,
		StartedAt:  pod.CreationTimestamp.Time,
	}
	if pod.Status.StartTime != nil {
		sample.StartedAt = pod.Status.StartTime.Time
	}
	if pod.DeletionTimestamp != nil {
		sample.DeletingAt = pod.DeletionTimestamp.Time
	}

	cpu := effectiveRequest(pod, corev1.ResourceCPU)
	sample.RequestedCPU = cpu.AsApproximateFloat64()
	memory := effectiveRequest(pod, corev1.ResourceMemory)
	sample.RequestedMemory = memory.Value()

	// Usage is keyed by name; a measurement older than the pod belongs to a
	// predecessor with the same name.
	u, ok := usage[PodKey{Namespace: pod.Namespace, Name: pod.Name}]
	if ok && (u.Since.IsZero() || !u.Since.Before(sample.StartedAt)) {
		sample.UsedCPU = u.CPU
		sample.UsedMemory = u.Memory
		sample.HasUsage = true
	}
	return sample
}

// effectiveRequest returns what the scheduler reserves for the pod: the
// larger of the app containers (plus sidecars) and the init container peak,
// plus pod overhead.
func effectiveRequest(pod *corev1.Pod, name corev1.ResourceName) resource.Quantity {
	var containers resource.Quantity
	for _, c := range pod.Spec.Containers {
		if q, ok := c.Resources.Requests[name]; ok {
			containers.Add(q)
		}
	}

	var sidecars, initPeak resource.Quantity
	for _, c := range pod.Spec.InitContainers {
		q := c.Resources.Requests[name]
		peak := sidecars.DeepCopy()
		peak.Add(q)
		if c.RestartPolicy != nil && *c.RestartPolicy == corev1.ContainerRestartPolicyAlways {
			sidecars.Add(q)
		}
		if peak.Cmp(initPeak) > 0 {
			initPeak = peak
		}
	}

	total := containers.DeepCopy()
	total.Add(sidecars)
	if initPeak.Cmp(total) > 0 {
		total = initPeak
	}
	if q, ok := pod.Spec.Overhead[name]; ok {
		total.Add(q)
	}
	return total
}

// topLevelOwner returns the name of the controller owning the pod. Pods of a
// ReplicaSet are attributed to its Deployment.
func topLevelOwner(pod *corev1.Pod) string {
	if len(pod.OwnerReferences) == 0 {
		return ""
	}
	owner := pod.OwnerReferences[0]
	for _, ref := range pod.OwnerReferences {
		if ref.Controller != nil && *ref.Controller {
			owner = ref
			break
		}
	}

	if owner.Kind == "ReplicaSet" {
		if lastDash := strings.LastIndex(owner.Name, "-"); lastDash > 0 {
			return owner.Name[:lastDash]
		}
	}
	return owner.Name
}

func (k *KubeSource) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if k.callTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, k.callTimeout)
	defer cancel()
	return fn(ctx)
}
