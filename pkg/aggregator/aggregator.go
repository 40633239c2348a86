// Package aggregator accumulates cost records into monotonically increasing
// per-namespace and per-pod counters.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opscart/kube-cost/pkg/metrics"
	"github.com/opscart/kube-cost/pkg/models"
)

// DefaultEvictAfter is the number of cycles a pod series survives without updates.
const DefaultEvictAfter = 60

type namespaceKey struct {
	cluster   string
	namespace string
}

type podKey struct {
	cluster string
	uid     string
}

type podSeries struct {
	counter models.AggregateCounter
	// lastEnd is the end of the newest ingested window; later windows must start at or after it.
	lastEnd time.Time
	// idle counts EndCycle calls since the last ingest.
	idle int
}

// tombstone remembers where an evicted pod series ended so replayed windows
// stay rejected after eviction.
type tombstone struct {
	lastEnd time.Time
	idle    int
}

// Aggregator is the cost ledger. It is safe for concurrent use; every
// Ingest is applied atomically with respect to Snapshot.
type Aggregator struct {
	mu         sync.RWMutex
	namespaces map[namespaceKey]*models.AggregateCounter
	pods       map[podKey]*podSeries
	evicted    map[podKey]*tombstone
	evictAfter int
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(evictAfter int, m *metrics.Metrics) *Aggregator {
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	return &Aggregator{
		namespaces: make(map[namespaceKey]*models.AggregateCounter),
		pods:       make(map[podKey]*podSeries),
		evicted:    make(map[podKey]*tombstone),
		evictAfter: evictAfter,
		metrics:    m,
		now:        time.Now,
	}
}

// Ingest adds a record to the ledger. It returns false when the record was
// ignored: a duplicate, an overlapping or out-of-order window, an empty
// window, or negative or non-finite costs.
func (a *Aggregator) Ingest(record models.CostRecord) bool {
	a.mu.Lock()
	ok := a.ingestLocked(record)
	a.mu.Unlock()
	if ok {
		a.publishSeries()
	}
	return ok
}

// IngestAll ingests records under a single lock so a cycle becomes visible
// at once. It returns the number of records accepted.
func (a *Aggregator) IngestAll(records []models.CostRecord) int {
	accepted := 0
	a.mu.Lock()
	for _, r := range records {
		if a.ingestLocked(r) {
			accepted++
		}
	}
	a.mu.Unlock()
	a.publishSeries()
	return accepted
}

func (a *Aggregator) ingestLocked(record models.CostRecord) bool {
	if !record.WindowEnd.After(record.WindowStart) || !validCost(record.UsageCost) || !validCost(record.WastageCost) {
		return false
	}

	pk := podKey{cluster: record.ClusterName, uid: record.Pod.UID}
	series, ok := a.pods[pk]
	if ok && record.WindowStart.Before(series.lastEnd) {
		return false
	}
	if !ok {
		if tomb, dead := a.evicted[pk]; dead {
			if record.WindowStart.Before(tomb.lastEnd) {
				return false
			}
			delete(a.evicted, pk)
		}
		series = &podSeries{counter: models.AggregateCounter{
			Cluster:   record.ClusterName,
			Namespace: record.Pod.Namespace,
			Pod:       record.Pod.Name,
			PodUID:    record.Pod.UID,
		}}
		a.pods[pk] = series
	}

	updated := a.now()
	series.counter.UsageCost += record.UsageCost
	series.counter.WastageCost += record.WastageCost
	series.counter.UpdatedAt = updated
	if record.Owner != "" {
		series.counter.Owner = record.Owner
	}
	series.lastEnd = record.WindowEnd
	series.idle = 0

	nk := namespaceKey{cluster: record.ClusterName, namespace: record.Pod.Namespace}
	ns, ok := a.namespaces[nk]
	if !ok {
		ns = &models.AggregateCounter{Cluster: record.ClusterName, Namespace: record.Pod.Namespace}
		a.namespaces[nk] = ns
	}
	ns.UsageCost += record.UsageCost
	ns.WastageCost += record.WastageCost
	ns.UpdatedAt = updated

	return true
}

// Snapshot returns a point-in-time copy of all counters, namespace totals
// first within each namespace, ordered by cluster, namespace and pod.
func (a *Aggregator) Snapshot() []models.AggregateCounter {
	a.mu.RLock()
	out := make([]models.AggregateCounter, 0, len(a.namespaces)+len(a.pods))
	for _, ns := range a.namespaces {
		out = append(out, *ns)
	}
	for _, series := range a.pods {
		out = append(out, series.counter)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Cluster != out[j].Cluster {
			return out[i].Cluster < out[j].Cluster
		}
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		if out[i].Pod != out[j].Pod {
			return out[i].Pod < out[j].Pod
		}
		return out[i].PodUID < out[j].PodUID
	})
	return out
}

// EndCycle marks the end of a committed cycle for cluster and evicts pod
// series of that cluster that were not updated for evictAfter cycles.
// Namespace counters are never evicted. An evicted series leaves a tombstone
// for another evictAfter cycles.
func (a *Aggregator) EndCycle(cluster string) int {
	a.mu.Lock()
	for key, tomb := range a.evicted {
		if key.cluster != cluster {
			continue
		}
		tomb.idle++
		if tomb.idle > a.evictAfter {
			delete(a.evicted, key)
		}
	}
	evicted := 0
	for key, series := range a.pods {
		if key.cluster != cluster {
			continue
		}
		series.idle++
		if series.idle > a.evictAfter {
			delete(a.pods, key)
			a.evicted[key] = &tombstone{lastEnd: series.lastEnd}
			evicted++
		}
	}
	a.mu.Unlock()
	a.publishSeries()
	return evicted
}

// validCost rejects negative, NaN and infinite costs.
func validCost(cost float64) bool {
	return cost >= 0 && !math.IsInf(cost, 0)
}

func (a *Aggregator) publishSeries() {
	a.mu.RLock()
	namespaces, pods := len(a.namespaces), len(a.pods)
	a.mu.RUnlock()
	a.metrics.SetSeries(namespaces, pods)
}
