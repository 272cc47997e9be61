package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, m *Metrics, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

func TestHitCountersByTier(t *testing.T) {
	m := New()

	m.Hit("memory")
	m.Hit("memory")
	m.Hit("persistent")

	metricsOut := gatherCounter(t, m, "stocklens_cache_hits_total")
	require.Len(t, metricsOut, 2)

	byTier := map[string]float64{}
	for _, metric := range metricsOut {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "tier" {
				byTier[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, byTier["memory"])
	assert.Equal(t, 1.0, byTier["persistent"])
}

func TestEvictionAndReapCounters(t *testing.T) {
	m := New()

	m.Eviction(3)
	m.Eviction(0) // no-op
	m.Reaped(5)

	evictions := gatherCounter(t, m, "stocklens_cache_evictions_total")
	require.Len(t, evictions, 1)
	assert.Equal(t, 3.0, evictions[0].GetCounter().GetValue())

	reaped := gatherCounter(t, m, "stocklens_maintenance_reaped_rows_total")
	require.Len(t, reaped, 1)
	assert.Equal(t, 5.0, reaped[0].GetCounter().GetValue())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Hit("memory")
		m.Miss()
		m.Eviction(1)
		m.Set()
		m.Fetch("market_data", "success")
		m.Failover("pair_api")
		m.Reaped(1)
		m.SetMemoryEntries(10)
	})
}
