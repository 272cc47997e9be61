// Package metrics owns the Prometheus instrumentation for the cache fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the fabric components increment.
// A nil *Metrics is safe to use; every method no-ops.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits         *prometheus.CounterVec
	CacheMisses       prometheus.Counter
	CacheEvictions    prometheus.Counter
	CacheSets         prometheus.Counter
	UpstreamFetches   *prometheus.CounterVec
	ProviderFailovers *prometheus.CounterVec
	ReapedRows        prometheus.Counter
	MemoryEntries     prometheus.Gauge
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Terminal cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by expiry or size pressure.",
		}),
		CacheSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "cache",
			Name:      "sets_total",
			Help:      "Write-through cache populations.",
		}),
		UpstreamFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "upstream",
			Name:      "fetches_total",
			Help:      "Upstream provider fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "upstream",
			Name:      "failovers_total",
			Help:      "Failovers past a provider in a chain.",
		}, []string{"provider"}),
		ReapedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stocklens",
			Subsystem: "maintenance",
			Name:      "reaped_rows_total",
			Help:      "Expired cache metadata rows deleted.",
		}),
		MemoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stocklens",
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Entries currently held by the in-process tier.",
		}),
	}

	m.registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheSets,
		m.UpstreamFetches, m.ProviderFailovers, m.ReapedRows, m.MemoryEntries,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Hit records a cache hit for a tier; nil-safe.
func (m *Metrics) Hit(tier string) {
	if m != nil {
		m.CacheHits.WithLabelValues(tier).Inc()
	}
}

// Miss records a terminal miss; nil-safe.
func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// Eviction records n evicted entries; nil-safe.
func (m *Metrics) Eviction(n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

// Set records a write-through population; nil-safe.
func (m *Metrics) Set() {
	if m != nil {
		m.CacheSets.Inc()
	}
}

// Fetch records an upstream fetch outcome; nil-safe.
func (m *Metrics) Fetch(provider, outcome string) {
	if m != nil {
		m.UpstreamFetches.WithLabelValues(provider, outcome).Inc()
	}
}

// Failover records a provider being skipped in a chain; nil-safe.
func (m *Metrics) Failover(provider string) {
	if m != nil {
		m.ProviderFailovers.WithLabelValues(provider).Inc()
	}
}

// Reaped records deleted metadata rows; nil-safe.
func (m *Metrics) Reaped(n int64) {
	if m != nil && n > 0 {
		m.ReapedRows.Add(float64(n))
	}
}

// SetMemoryEntries updates the in-process tier gauge; nil-safe.
func (m *Metrics) SetMemoryEntries(n int) {
	if m != nil {
		m.MemoryEntries.Set(float64(n))
	}
}
