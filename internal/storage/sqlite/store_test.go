package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedBars(dates []time.Time) []models.Bar {
	bars := make([]models.Bar, len(dates))
	for i, d := range dates {
		price := 100.0 + float64(i)
		bars[i] = models.Bar{
			Date: d, Open: price - 1, High: price + 1, Low: price - 2, Close: price,
			Volume: 1000, AdjustedClose: price, SplitRatio: 1.0, Currency: "USD",
			DataSource: "test",
		}
	}
	return bars
}

func TestSymbol_CaseInsensitiveMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{Name: "Apple Inc.", Currency: "USD"})
	require.NoError(t, err)

	lower, err := s.GetSymbol(ctx, "aapl")
	require.NoError(t, err)
	require.NotNil(t, lower)
	assert.Equal(t, "AAPL", lower.Symbol)

	upper, err := s.GetSymbol(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, upper)
	assert.Equal(t, lower.ID, upper.ID)
}

func TestUpsertSymbol_PreservesCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return created }
	first, err := s.UpsertSymbol(ctx, "MSFT", storage.SymbolMetadata{Name: "Microsoft"})
	require.NoError(t, err)

	later := created.Add(48 * time.Hour)
	s.now = func() time.Time { return later }
	second, err := s.UpsertSymbol(ctx, "msft", storage.SymbolMetadata{Name: "Microsoft Corp."})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, "Microsoft Corp.", second.Name)
}

func TestUpdateSymbol(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "NVDA", storage.SymbolMetadata{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateSymbol(ctx, "nvda", map[string]any{"exchange": "NASDAQ"}))
	sym, err := s.GetSymbol(ctx, "NVDA")
	require.NoError(t, err)
	assert.Equal(t, "NASDAQ", sym.Exchange)

	// Empty field set is a no-op.
	require.NoError(t, s.UpdateSymbol(ctx, "NVDA", nil))

	// Unknown symbol fails.
	err = s.UpdateSymbol(ctx, "ZZZZ", map[string]any{"exchange": "NYSE"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Unknown field is rejected.
	err = s.UpdateSymbol(ctx, "NVDA", map[string]any{"id": 99})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestBars_RoundTripOrderedAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{Currency: "USD"})
	require.NoError(t, err)

	dates := []time.Time{day(2024, 1, 4), day(2024, 1, 2), day(2024, 1, 3)}
	require.NoError(t, s.UpsertBars(ctx, "AAPL", seedBars(dates)))

	got, err := s.GetBars(ctx, "aapl", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, day(2024, 1, 2), got[0].Date)
	assert.Equal(t, day(2024, 1, 3), got[1].Date)
	assert.Equal(t, day(2024, 1, 4), got[2].Date)
}

func TestBars_UpsertReplacesNotDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{})
	require.NoError(t, err)

	bars := seedBars([]time.Time{day(2024, 2, 1)})
	require.NoError(t, s.UpsertBars(ctx, "AAPL", bars))

	bars[0].Close = 250
	require.NoError(t, s.UpsertBars(ctx, "AAPL", bars))

	got, err := s.GetBars(ctx, "AAPL", day(2024, 2, 1), day(2024, 2, 1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 250.0, got[0].Close)
}

func TestBars_UnknownSymbol(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertBars(ctx, "GHOST", seedBars([]time.Time{day(2024, 1, 2)}))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := s.GetBars(ctx, "GHOST", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLastBar(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{})
	require.NoError(t, err)

	none, err := s.LastBar(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.UpsertBars(ctx, "AAPL", seedBars([]time.Time{day(2024, 3, 1), day(2024, 3, 4)})))

	last, err := s.LastBar(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, day(2024, 3, 4), last.Date)
}

func TestFundamentals_OrderAndReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{})
	require.NoError(t, err)

	rows := []models.Fundamental{
		{MetricType: "pe_ratio", PeriodEnding: day(2023, 12, 31), Value: 28, Currency: "USD", ReportingDate: day(2024, 1, 25)},
		{MetricType: "eps", PeriodEnding: day(2024, 3, 31), Value: 1.52, Currency: "USD", ReportingDate: day(2024, 4, 25)},
		{MetricType: "pe_ratio", PeriodEnding: day(2024, 3, 31), Value: 29, Currency: "USD", ReportingDate: day(2024, 4, 25)},
	}
	require.NoError(t, s.UpsertFundamentals(ctx, "AAPL", rows))

	got, err := s.GetFundamentals(ctx, "AAPL", "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	// period_ending DESC, then metric_type ASC for determinism.
	assert.Equal(t, "eps", got[0].MetricType)
	assert.Equal(t, "pe_ratio", got[1].MetricType)
	assert.Equal(t, day(2023, 12, 31), got[2].PeriodEnding)

	// Replace on the uniqueness key.
	rows[2].Value = 30
	require.NoError(t, s.UpsertFundamentals(ctx, "AAPL", rows[2:]))
	filtered, err := s.GetFundamentals(ctx, "AAPL", "pe_ratio")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, 30.0, filtered[0].Value)
}

func TestIndicators_ParamFingerprintKeysDistinctRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{})
	require.NoError(t, err)

	d := day(2024, 5, 1)
	rows := []models.IndicatorValue{
		{IndicatorType: "SMA", Date: d, Params: map[string]any{"period": 50}, Value: 181.2},
		{IndicatorType: "SMA", Date: d, Params: map[string]any{"period": 200}, Value: 175.4},
	}
	require.NoError(t, s.UpsertIndicators(ctx, "AAPL", rows))

	// Same semantic parameters replace instead of duplicating.
	rows[0].Value = 182.0
	require.NoError(t, s.UpsertIndicators(ctx, "AAPL", rows[:1]))

	got, err := s.GetIndicators(ctx, "AAPL", "SMA", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFxRate_ExpiryBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.UpsertFxRate(ctx, models.FxRate{
		FromCurrency: "USD", ToCurrency: "CAD", Rate: 1.35, SourceRate: 1.35,
		ExpiresAt: now, DataSource: "test",
	}))

	// A rate expiring exactly now is treated as expired.
	got, err := s.GetFxRate(ctx, "USD", "CAD")
	require.NoError(t, err)
	assert.Nil(t, got)

	raw, err := s.GetFxRateRaw(ctx, "USD", "CAD")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, 1.35, raw.Rate)

	// A future expiry is valid.
	require.NoError(t, s.UpsertFxRate(ctx, models.FxRate{
		FromCurrency: "USD", ToCurrency: "CAD", Rate: 1.36, SourceRate: 1.36,
		ExpiresAt: now.Add(time.Hour), DataSource: "test",
	}))
	got, err = s.GetFxRate(ctx, "usd", "cad")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1.36, got.Rate)
}

func TestFxRate_SingleActiveRowPerPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for i, rate := range []float64{1.30, 1.32, 1.34} {
		require.NoError(t, s.UpsertFxRate(ctx, models.FxRate{
			FromCurrency: "USD", ToCurrency: "CAD", Rate: rate, SourceRate: rate,
			ExpiresAt: now.Add(time.Duration(i+1) * time.Hour), DataSource: "test",
		}))
	}

	active, err := s.GetFxRateRaw(ctx, "USD", "CAD")
	require.NoError(t, err)
	assert.Equal(t, 1.34, active.Rate)

	history, err := s.FxRateHistory(ctx, "USD", "CAD", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestCacheMetadata_TouchAndValidity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	valid, err := s.IsCacheValid(ctx, "analyze:AAPL")
	require.NoError(t, err)
	assert.False(t, valid)

	require.NoError(t, s.TouchCache(ctx, "analyze:AAPL", models.DataAnalysis, time.Hour))
	valid, err = s.IsCacheValid(ctx, "analyze:AAPL")
	require.NoError(t, err)
	assert.True(t, valid)

	// Past the TTL the row is a tombstone candidate.
	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	valid, err = s.IsCacheValid(ctx, "analyze:AAPL")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestReapExpiredCache_DeletesExactlyExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.TouchCache(ctx, "expired-1", models.DataOHLCV, time.Minute))
	require.NoError(t, s.TouchCache(ctx, "expired-2", models.DataOHLCV, 2*time.Minute))
	require.NoError(t, s.TouchCache(ctx, "fresh", models.DataOHLCV, time.Hour))

	s.now = func() time.Time { return now.Add(5 * time.Minute) }
	reaped, err := s.ReapExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reaped)

	valid, err := s.IsCacheValid(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestHealthSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSymbol(ctx, "AAPL", storage.SymbolMetadata{})
	require.NoError(t, err)
	require.NoError(t, s.UpsertBars(ctx, "AAPL", seedBars([]time.Time{day(2024, 1, 2), day(2024, 1, 3)})))

	snap := s.HealthSnapshot(ctx)
	assert.True(t, snap.Healthy)
	assert.Equal(t, "connected", snap.Connection)
	assert.Equal(t, int64(1), snap.Stats.Symbols)
	assert.Equal(t, int64(2), snap.Stats.Bars)
	assert.NotNil(t, snap.LastUpdated)
}
