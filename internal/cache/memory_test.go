package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklens/stocklens/internal/models"
)

func TestMemoryTier_SetGet(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	m.Set("k", []byte("v"), time.Minute, models.DataOHLCV)

	payload, ok, expired := m.Get("k")
	assert.True(t, ok)
	assert.False(t, expired)
	assert.Equal(t, []byte("v"), payload)
}

func TestMemoryTier_ExpiryIsLazy(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now }
	m.Set("k", []byte("v"), time.Minute, models.DataOHLCV)

	// An entry expiring exactly now is already expired.
	m.now = func() time.Time { return now.Add(time.Minute) }

	payload, ok, expired := m.Get("k")
	assert.False(t, ok)
	assert.True(t, expired)
	assert.Nil(t, payload)

	// The expired entry was removed; a second read is a plain miss.
	_, ok, expired = m.Get("k")
	assert.False(t, ok)
	assert.False(t, expired)
}

func TestMemoryTier_GetWithinTTL(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now }
	m.Set("k", []byte("v"), time.Minute, models.DataAnalysis)

	m.now = func() time.Time { return now.Add(59 * time.Second) }
	_, ok, _ := m.Get("k")
	assert.True(t, ok)
}

func TestMemoryTier_SweepExpired(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	now := time.Now()
	m.now = func() time.Time { return now }
	m.Set("short", []byte("a"), time.Second, models.DataOHLCV)
	m.Set("long", []byte("b"), time.Hour, models.DataOHLCV)

	m.now = func() time.Time { return now.Add(2 * time.Second) }
	assert.Equal(t, 1, m.SweepExpired())
	assert.Equal(t, 1, m.Len())

	_, ok, _ := m.Get("long")
	assert.True(t, ok)
}

func TestMemoryTier_EnforceMaxSize(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	m.Set("a", []byte("1"), time.Hour, models.DataOHLCV)
	m.Set("b", []byte("2"), time.Hour, models.DataOHLCV)
	m.Set("c", []byte("3"), time.Hour, models.DataOHLCV)

	// Touch "a" so "b" is the least recently used.
	_, ok, _ := m.Get("a")
	require.True(t, ok)

	evicted := m.EnforceMaxSize(2)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, m.Len())

	_, ok, _ = m.Get("b")
	assert.False(t, ok)
	_, ok, _ = m.Get("a")
	assert.True(t, ok)
}

func TestMemoryTier_DeleteAndClear(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	m.Set("a", []byte("1"), time.Hour, models.DataOHLCV)
	m.Set("b", []byte("2"), time.Hour, models.DataOHLCV)

	m.Delete("a")
	_, ok, _ := m.Get("a")
	assert.False(t, ok)

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestMemoryTier_PayloadIsCopied(t *testing.T) {
	m, err := NewMemoryTier(100)
	require.NoError(t, err)

	src := []byte("abc")
	m.Set("k", src, time.Hour, models.DataOHLCV)
	src[0] = 'x'

	payload, ok, _ := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), payload)
}
