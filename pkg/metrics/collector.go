package metrics

import (
	"time"

	"github.com/zhengshuxin/eventql/pkg/types"
)

// ServerLister is whatever holds the live cluster's server list (the
// Cluster Directory, in practice). Kept narrow so the collector doesn't need to
// import a full cluster-management package.
type ServerLister interface {
	ListServers() ([]types.ServerConfig, error)
}

// PartitionSnapshot is one tracked partition's state as of the last sweep,
// reported by whatever drives the reconcile loop (pkg/reconcile.Reconciler
// satisfies PartitionLister without this package needing to import it).
type PartitionSnapshot struct {
	State  string
	Sealed int
}

// PartitionLister reports the locally tracked partitions for metrics
// sampling.
type PartitionLister interface {
	SnapshotMetrics() []PartitionSnapshot
}

// Collector periodically samples cluster and partition state into the
// package's Prometheus gauges.
type Collector struct {
	servers    ServerLister
	partitions PartitionLister
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector builds a collector. partitions may be nil on a server that
// only routes ingestion and never hosts partitions.
func NewCollector(servers ServerLister, partitions PartitionLister) *Collector {
	return &Collector{
		servers:    servers,
		partitions: partitions,
		interval:   15 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectServerMetrics()
	c.collectPartitionMetrics()
}

func (c *Collector) collectServerMetrics() {
	if c.servers == nil {
		return
	}
	servers, err := c.servers.ListServers()
	if err != nil {
		return
	}

	counts := map[types.ServerStatus]int{}
	for _, s := range servers {
		counts[s.Status]++
	}
	ServersTotal.WithLabelValues(string(types.ServerUP)).Set(float64(counts[types.ServerUP]))
	ServersTotal.WithLabelValues(string(types.ServerDown)).Set(float64(counts[types.ServerDown]))
}

func (c *Collector) collectPartitionMetrics() {
	if c.partitions == nil {
		return
	}

	stateCounts := make(map[string]int)
	sealed := 0
	for _, p := range c.partitions.SnapshotMetrics() {
		stateCounts[p.State]++
		sealed += p.Sealed
	}

	for state, count := range stateCounts {
		PartitionsTotal.WithLabelValues(state).Set(float64(count))
	}
	SealedSegmentsTotal.Set(float64(sealed))
}
