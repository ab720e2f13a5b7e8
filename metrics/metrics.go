// Package metrics exposes the engine's allocator-level gauges as
// prometheus.Collectors, to sit alongside txn.Manager's own commit/rollback
// counters in a caller-owned registry (spec.md §6: "hooks, not a mandated
// exporter").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slabdb/slabdb/slab"
)

// AllocatorCollector reports live free-space and resize statistics for a
// single open slab.Allocator. Built as a GaugeFunc collector, the same shape
// cuemby/warren uses for its own runtime gauges, rather than a push-based
// counter: allocator Stats() is always cheap and current, so a pull-on-scrape
// gauge avoids keeping a second, potentially stale copy of the numbers.
type AllocatorCollector struct {
	alloc *slab.Allocator

	capacity   *prometheus.Desc
	used       *prometheus.Desc
	free       *prometheus.Desc
	freeChunks *prometheus.Desc
}

// NewAllocatorCollector wraps alloc. Registering the returned collector with
// a prometheus.Registerer causes every Collect (i.e. every scrape) to read
// alloc.Stats() fresh.
func NewAllocatorCollector(alloc *slab.Allocator) *AllocatorCollector {
	return &AllocatorCollector{
		alloc:      alloc,
		capacity:   prometheus.NewDesc("slabdb_allocator_capacity_bytes", "total mapped file size in bytes", nil, nil),
		used:       prometheus.NewDesc("slabdb_allocator_used_bytes", "bytes below the allocation high-water mark, free-list spans included", nil, nil),
		free:       prometheus.NewDesc("slabdb_allocator_free_bytes", "bytes reclaimed onto the free list", nil, nil),
		freeChunks: prometheus.NewDesc("slabdb_allocator_free_list_entries", "number of free-list entries", nil, nil),
	}
}

func (c *AllocatorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.free
	ch <- c.freeChunks
}

func (c *AllocatorCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.alloc.Stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.CapacityBytes))
	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(stats.UsedBytes))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(stats.FreeBytes))
	ch <- prometheus.MustNewConstMetric(c.freeChunks, prometheus.GaugeValue, float64(stats.FreeListEntries))
}
