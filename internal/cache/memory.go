package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stocklens/stocklens/internal/models"
)

// memEntry is one in-process cache slot. Payloads are opaque bytes;
// callers own the encoding.
type memEntry struct {
	payload      []byte
	dataType     models.DataType
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

// MemoryTier is the in-process cache tier: LRU recency order plus
// per-entry TTL. The LRU order doubles as the ascending-lastAccessed
// order used for size-based eviction.
type MemoryTier struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *memEntry]
	now func() time.Time
}

// NewMemoryTier creates the tier with a hard entry cap.
func NewMemoryTier(maxEntries int) (*MemoryTier, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := lru.New[string, *memEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryTier{lru: c, now: time.Now}, nil
}

// Get returns the payload when present and unexpired. An expired entry
// is removed and reported so the caller can count the eviction.
func (m *MemoryTier) Get(key string) (payload []byte, ok bool, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.lru.Get(key)
	if !found {
		return nil, false, false
	}
	if !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, false, true
	}
	e.lastAccessed = m.now()
	e.accessCount++
	return e.payload, true, false
}

// Set stores the payload with expiresAt = now + ttl.
func (m *MemoryTier) Set(key string, payload []byte, ttl time.Duration, dataType models.DataType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.lru.Add(key, &memEntry{
		payload:      append([]byte(nil), payload...),
		dataType:     dataType,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		accessCount:  1,
	})
}

// Delete removes a single entry.
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
}

// Clear empties the tier.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
}

// Len returns the current entry count.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// SweepExpired drops every expired entry and returns the count.
func (m *MemoryTier) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && !now.Before(e.expiresAt) {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// EnforceMaxSize evicts least-recently-used entries down to n and
// returns how many were dropped.
func (m *MemoryTier) EnforceMaxSize(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < 0 {
		n = 0
	}
	evicted := 0
	for m.lru.Len() > n {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	return evicted
}
