package fx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

// fxStore implements the FX slice of storage.Store in memory.
type fxStore struct {
	mu      sync.Mutex
	rates   map[string]models.FxRate
	history []models.FxRate
	now     func() time.Time
}

func newFxStore() *fxStore {
	return &fxStore{rates: make(map[string]models.FxRate), now: time.Now}
}

func pairKey(from, to string) string { return from + "/" + to }

func (s *fxStore) GetFxRate(ctx context.Context, from, to string) (*models.FxRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rates[pairKey(from, to)]
	if !ok || !r.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (s *fxStore) GetFxRateRaw(ctx context.Context, from, to string) (*models.FxRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rates[pairKey(from, to)]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (s *fxStore) UpsertFxRate(ctx context.Context, rate models.FxRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate.CreatedAt = s.now()
	s.rates[pairKey(rate.FromCurrency, rate.ToCurrency)] = rate
	s.history = append(s.history, rate)
	return nil
}

func (s *fxStore) FxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]models.FxRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.FxRate{}
	for _, r := range s.history {
		if r.FromCurrency == from && r.ToCurrency == to &&
			!r.CreatedAt.Before(start) && !r.CreatedAt.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Unused entity and cache operations.
func (s *fxStore) GetSymbol(context.Context, string) (*models.Symbol, error) { return nil, nil }
func (s *fxStore) UpsertSymbol(context.Context, string, storage.SymbolMetadata) (*models.Symbol, error) {
	return nil, nil
}
func (s *fxStore) UpdateSymbol(context.Context, string, map[string]any) error { return nil }
func (s *fxStore) GetBars(context.Context, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}
func (s *fxStore) UpsertBars(context.Context, string, []models.Bar) error { return nil }
func (s *fxStore) LastBar(context.Context, string) (*models.Bar, error)   { return nil, nil }
func (s *fxStore) GetFundamentals(context.Context, string, string) ([]models.Fundamental, error) {
	return nil, nil
}
func (s *fxStore) UpsertFundamentals(context.Context, string, []models.Fundamental) error {
	return nil
}
func (s *fxStore) GetIndicators(context.Context, string, string, time.Time) ([]models.IndicatorValue, error) {
	return nil, nil
}
func (s *fxStore) UpsertIndicators(context.Context, string, []models.IndicatorValue) error {
	return nil
}
func (s *fxStore) IsCacheValid(context.Context, string) (bool, error) { return false, nil }
func (s *fxStore) TouchCache(context.Context, string, models.DataType, time.Duration) error {
	return nil
}
func (s *fxStore) DeleteCache(context.Context, string) error      { return nil }
func (s *fxStore) ClearCache(context.Context) error               { return nil }
func (s *fxStore) ReapExpiredCache(context.Context) (int64, error) { return 0, nil }
func (s *fxStore) HealthSnapshot(context.Context) models.HealthSnapshot {
	return models.HealthSnapshot{}
}
func (s *fxStore) Close() error { return nil }

// stubProvider counts calls and returns a fixed rate or error.
type stubProvider struct {
	name  string
	rate  float64
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return p.rate, nil
}

func newService(store *fxStore, providers ...Provider) *Service {
	return New(store, providers, nil, zerolog.Nop())
}

func TestGetRate_SameCurrency(t *testing.T) {
	svc := newService(newFxStore())

	rate, err := svc.GetRate(context.Background(), "USD", "usd")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestGetRate_CachedDirect(t *testing.T) {
	store := newFxStore()
	provider := &stubProvider{name: "a", rate: 9.99}
	svc := newService(store, provider)

	now := time.Now()
	store.rates[pairKey("USD", "CAD")] = models.FxRate{
		FromCurrency: "USD", ToCurrency: "CAD", Rate: 1.35, ExpiresAt: now.Add(30 * time.Minute),
	}

	rate, err := svc.GetRate(context.Background(), "USD", "CAD")
	require.NoError(t, err)
	assert.Equal(t, 1.35, rate)
	assert.Zero(t, provider.calls, "cached rate must not hit providers")
}

func TestGetRate_InversionReuse(t *testing.T) {
	store := newFxStore()
	provider := &stubProvider{name: "a", rate: 9.99}
	svc := newService(store, provider)

	now := time.Now()
	store.rates[pairKey("USD", "CAD")] = models.FxRate{
		FromCurrency: "USD", ToCurrency: "CAD", Rate: 1.35, ExpiresAt: now.Add(30 * time.Minute),
	}

	converted, err := svc.Convert(context.Background(), "CAD", "USD", 100)
	require.NoError(t, err)
	assert.InEpsilon(t, 100/1.35, converted, 1e-12)
	assert.Zero(t, provider.calls, "inverted cached rate must not hit providers")
}

func TestGetRate_InversionUsedWhenDirectExpired(t *testing.T) {
	store := newFxStore()
	provider := &stubProvider{name: "a", rate: 9.99}
	svc := newService(store, provider)

	now := time.Now()
	// Direct CAD->USD rate exists but is expired; the inverse is fresh.
	store.rates[pairKey("CAD", "USD")] = models.FxRate{
		FromCurrency: "CAD", ToCurrency: "USD", Rate: 0.70, ExpiresAt: now.Add(-time.Minute),
	}
	store.rates[pairKey("USD", "CAD")] = models.FxRate{
		FromCurrency: "USD", ToCurrency: "CAD", Rate: 1.40, ExpiresAt: now.Add(30 * time.Minute),
	}

	rate, err := svc.GetRate(context.Background(), "CAD", "USD")
	require.NoError(t, err)
	assert.InEpsilon(t, 1/1.40, rate, 1e-12)
	assert.Zero(t, provider.calls)
}

func TestGetRate_FailoverShortCircuits(t *testing.T) {
	store := newFxStore()
	a := &stubProvider{name: "a", err: fmt.Errorf("%w: a down", errs.ErrUpstreamUnavailable)}
	b := &stubProvider{name: "b", rate: 1.27}
	c := &stubProvider{name: "c", rate: 9.99}
	svc := newService(store, a, b, c)

	rate, err := svc.GetRate(context.Background(), "USD", "CAD")
	require.NoError(t, err)
	assert.Equal(t, 1.27, rate)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, c.calls, "chain must short-circuit on first success")

	// The fetched rate was persisted with a bounded expiry.
	stored, err := store.GetFxRateRaw(context.Background(), "USD", "CAD")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 1.27, stored.Rate)
	assert.True(t, stored.ExpiresAt.After(time.Now()))
	assert.Equal(t, "b", stored.DataSource)
}

func TestGetRate_AllProvidersFail(t *testing.T) {
	store := newFxStore()
	a := &stubProvider{name: "a", err: errors.New("down")}
	b := &stubProvider{name: "b", err: errors.New("down")}
	c := &stubProvider{name: "c", err: errors.New("down")}
	svc := newService(store, a, b, c)

	_, err := svc.GetRate(context.Background(), "USD", "JPY")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrFxUnavailable)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, c.calls)

	_, err = svc.Convert(context.Background(), "USD", "JPY", 10)
	assert.ErrorIs(t, err, errs.ErrFxUnavailable)
}

func TestGetRate_EmptyCurrencyRejected(t *testing.T) {
	svc := newService(newFxStore())

	_, err := svc.GetRate(context.Background(), "", "USD")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestBatchConvert_PartialFailure(t *testing.T) {
	store := newFxStore()
	now := time.Now()
	store.rates[pairKey("USD", "EUR")] = models.FxRate{
		FromCurrency: "USD", ToCurrency: "EUR", Rate: 0.92, ExpiresAt: now.Add(time.Hour),
	}
	failing := &stubProvider{name: "a", err: errors.New("down")}
	svc := newService(store, failing)

	results := svc.BatchConvert(context.Background(), []ConvertRequest{
		{From: "USD", To: "EUR", Amount: 100},
		{From: "USD", To: "XXX", Amount: 50},
		{From: "EUR", To: "EUR", Amount: 7},
	})

	require.Len(t, results, 3)
	assert.Empty(t, results[0].Err)
	assert.InEpsilon(t, 92.0, results[0].Converted, 1e-12)
	assert.NotEmpty(t, results[1].Err)
	assert.Empty(t, results[2].Err)
	assert.Equal(t, 7.0, results[2].Converted)
}

func TestAverageRate(t *testing.T) {
	store := newFxStore()
	svc := newService(store, &stubProvider{name: "a", rate: 1.30})

	now := time.Now()
	for _, r := range []float64{1.30, 1.34} {
		require.NoError(t, store.UpsertFxRate(context.Background(), models.FxRate{
			FromCurrency: "USD", ToCurrency: "CAD", Rate: r, SourceRate: r,
			ExpiresAt: now.Add(time.Hour),
		}))
	}

	avg, ok, err := svc.AverageRate(context.Background(), "USD", "CAD", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InEpsilon(t, 1.32, avg, 1e-12)

	_, ok, err = svc.AverageRate(context.Background(), "USD", "GBP", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
