package metrics

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/slab"
)

func TestAllocatorCollectorReportsCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	alloc, err := slab.Open(path, slab.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer alloc.Close()

	c := NewAllocatorCollector(alloc)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "slabdb_allocator_capacity_bytes" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			require.Greater(t, mf.GetMetric()[0].GetGauge().GetValue(), float64(0))
		}
	}
	require.True(t, found)
}
