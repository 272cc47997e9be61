// Package cache implements the three-tier read path: in-process LRU,
// distributed key-value, then the persistent freshness ledger. Values
// are opaque byte payloads; callers own the encoding.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

// Tier identifies which layer served a hit.
type Tier string

const (
	TierMemory      Tier = "memory"
	TierDistributed Tier = "distributed"
	TierPersistent  Tier = "persistent"
	TierNone        Tier = "none"
)

// Result is the outcome of a tiered Get.
//
// A persistent-tier hit carries no payload: the persistent tier is a
// freshness ledger, and callers reconstruct the value from the entity
// tables.
type Result struct {
	Payload []byte
	Tier    Tier
	Hit     bool
}

// Stats is an immutable counter snapshot.
type Stats struct {
	MemoryHits      int64   `json:"memory_hits"`
	DistributedHits int64   `json:"distributed_hits"`
	PersistentHits  int64   `json:"persistent_hits"`
	Misses          int64   `json:"misses"`
	Evictions       int64   `json:"evictions"`
	Sets            int64   `json:"sets"`
	Entries         int     `json:"entries"`
	HitRate         float64 `json:"hit_rate"`
}

// Manager coordinates the tiers, write-through population, and
// single-flight coalescing per key.
type Manager struct {
	memory *MemoryTier
	redis  *RedisTier // nil when the distributed tier is disabled
	store  storage.Store

	group singleflight.Group

	log zerolog.Logger
	met *metrics.Metrics

	memoryHits      atomic.Int64
	distributedHits atomic.Int64
	persistentHits  atomic.Int64
	misses          atomic.Int64
	evictions       atomic.Int64
	sets            atomic.Int64
}

// NewManager wires the tiers. redis may be nil.
func NewManager(memory *MemoryTier, redis *RedisTier, store storage.Store, met *metrics.Metrics, log zerolog.Logger) *Manager {
	return &Manager{
		memory: memory,
		redis:  redis,
		store:  store,
		log:    log.With().Str("component", "cache").Logger(),
		met:    met,
	}
}

// Get walks the tiers for the key.
//
// Memory hit returns the payload. A distributed hit refills the memory
// tier with the remaining TTL before returning. A persistent hit
// (unexpired metadata row) returns Hit=true with no payload. Storage
// errors are surfaced, never swallowed.
func (m *Manager) Get(ctx context.Context, key string) (Result, error) {
	if payload, ok, expired := m.memory.Get(key); ok {
		m.memoryHits.Add(1)
		m.met.Hit(string(TierMemory))
		return Result{Payload: payload, Tier: TierMemory, Hit: true}, nil
	} else if expired {
		m.evictions.Add(1)
		m.met.Eviction(1)
	}

	if m.redis != nil {
		if payload, dataType, remaining, ok := m.redis.Get(ctx, key); ok {
			m.distributedHits.Add(1)
			m.met.Hit(string(TierDistributed))
			m.memory.Set(key, payload, remaining, dataType)
			return Result{Payload: payload, Tier: TierDistributed, Hit: true}, nil
		}
	}

	valid, err := m.store.IsCacheValid(ctx, key)
	if err != nil {
		return Result{Tier: TierNone}, err
	}
	if valid {
		m.persistentHits.Add(1)
		m.met.Hit(string(TierPersistent))
		return Result{Tier: TierPersistent, Hit: true}, nil
	}

	m.misses.Add(1)
	m.met.Miss()
	return Result{Tier: TierNone}, nil
}

// Set writes through every tier and records the freshness ledger row.
func (m *Manager) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, dataType models.DataType) error {
	if ttl <= 0 {
		ttl = dataType.DefaultTTL()
	}

	m.memory.Set(key, payload, ttl, dataType)
	if m.redis != nil {
		m.redis.Set(ctx, key, payload, ttl, dataType)
	}
	if err := m.store.TouchCache(ctx, key, dataType, ttl); err != nil {
		return err
	}

	m.sets.Add(1)
	m.met.Set()
	m.met.SetMemoryEntries(m.memory.Len())
	return nil
}

// Delete removes the key from every tier and the metadata table.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.memory.Delete(key)
	if m.redis != nil {
		m.redis.Delete(ctx, key)
	}
	return m.store.DeleteCache(ctx, key)
}

// Clear empties the in-process tier, the distributed prefix, and
// truncates the metadata table.
func (m *Manager) Clear(ctx context.Context) error {
	m.memory.Clear()
	if m.redis != nil {
		m.redis.Clear(ctx)
	}
	return m.store.ClearCache(ctx)
}

// Populate coalesces concurrent misses on the key: exactly one caller
// runs fn, its payload is written through, and every waiter receives the
// same payload or the same error. Errors are never cached.
func (m *Manager) Populate(ctx context.Context, key string, ttl time.Duration, dataType models.DataType, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	v, err, _ := m.group.Do(key, func() (any, error) {
		payload, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Set(ctx, key, payload, ttl, dataType); err != nil {
			// The value is good even when the ledger write fails; log
			// and hand the payload to the waiters.
			m.log.Warn().Err(err).Str("key", key).Msg("write-through failed")
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SweepExpired drops expired in-process entries; used by maintenance.
func (m *Manager) SweepExpired() int {
	n := m.memory.SweepExpired()
	if n > 0 {
		m.evictions.Add(int64(n))
		m.met.Eviction(n)
	}
	m.met.SetMemoryEntries(m.memory.Len())
	return n
}

// EnforceMaxSize evicts least-recently-used entries down to n.
func (m *Manager) EnforceMaxSize(n int) int {
	evicted := m.memory.EnforceMaxSize(n)
	if evicted > 0 {
		m.evictions.Add(int64(evicted))
		m.met.Eviction(evicted)
	}
	m.met.SetMemoryEntries(m.memory.Len())
	return evicted
}

// Stats returns a counter snapshot.
func (m *Manager) Stats() Stats {
	s := Stats{
		MemoryHits:      m.memoryHits.Load(),
		DistributedHits: m.distributedHits.Load(),
		PersistentHits:  m.persistentHits.Load(),
		Misses:          m.misses.Load(),
		Evictions:       m.evictions.Load(),
		Sets:            m.sets.Load(),
		Entries:         m.memory.Len(),
	}
	hits := s.MemoryHits + s.DistributedHits + s.PersistentHits
	if total := hits + s.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
