// Package analysis is the core-facing façade: given a symbol it returns
// a populated analysis result through the cache fabric, invoking the
// upstream provider only on a terminal miss.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklens/stocklens/internal/cache"
	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/keys"
	"github.com/stocklens/stocklens/internal/marketdata"
	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/normalize"
	"github.com/stocklens/stocklens/internal/storage"
)

// historicalWindow caps how many bars the response carries.
const historicalWindow = 50

// Orchestrator drives the analyze pipeline.
type Orchestrator struct {
	cache    *cache.Manager
	store    storage.Store
	upstream marketdata.Provider
	log      zerolog.Logger
	met      *metrics.Metrics
	now      func() time.Time
}

// New wires the orchestrator.
func New(c *cache.Manager, store storage.Store, upstream marketdata.Provider, met *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cache:    c,
		store:    store,
		upstream: upstream,
		log:      log.With().Str("component", "orchestrator").Logger(),
		met:      met,
		now:      time.Now,
	}
}

// Analyze returns the composite analysis for a symbol over rangeDays.
//
// Cache hits short-circuit; a persistent-tier hit rebuilds the value
// from the entity tables without touching upstream. Terminal misses run
// under single-flight so concurrent callers share one populator.
func (o *Orchestrator) Analyze(ctx context.Context, symbol string, rangeDays int) (*models.AnalysisResult, error) {
	sym, err := keys.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if rangeDays <= 0 {
		rangeDays = 365
	}
	cacheKey := keys.AnalysisKey(sym)

	res, err := o.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, err
	}
	if res.Hit && res.Payload != nil {
		var result models.AnalysisResult
		if err := json.Unmarshal(res.Payload, &result); err == nil {
			return &result, nil
		}
		o.log.Warn().Str("key", cacheKey).Msg("dropping undecodable cached analysis")
	}
	fromStorageOnly := res.Hit && res.Tier == cache.TierPersistent

	payload, err := o.cache.Populate(ctx, cacheKey, models.DataAnalysis.DefaultTTL(), models.DataAnalysis,
		func(ctx context.Context) ([]byte, error) {
			result, err := o.build(ctx, sym, rangeDays, fromStorageOnly)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	if err != nil {
		return nil, err
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis payload: %w", err)
	}
	return &result, nil
}

// build assembles the result from storage, falling back to one upstream
// pass when the stored series is too short.
func (o *Orchestrator) build(ctx context.Context, sym string, rangeDays int, storageOnly bool) (*models.AnalysisResult, error) {
	end := o.now().UTC()
	start := end.AddDate(0, 0, -rangeDays)

	bars, err := o.store.GetBars(ctx, sym, start, end)
	if err != nil {
		return nil, err
	}

	if len(bars) < requiredBars && !storageOnly {
		bars, err = o.refresh(ctx, sym, start, end)
		if err != nil {
			return nil, err
		}
	}
	if len(bars) < requiredBars {
		return nil, fmt.Errorf("%w: %d bars for %s, need %d", errs.ErrNotFound, len(bars), sym, requiredBars)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	latest := bars[len(bars)-1]

	sma := latestSMA(closes, smaPeriod)
	rsi := latestRSI(closes, rsiPeriod)

	if err := o.persistIndicators(ctx, sym, latest.Date, sma, rsi); err != nil {
		o.log.Warn().Err(err).Str("symbol", sym).Msg("failed to persist indicators")
	}

	historical := bars
	if len(historical) > historicalWindow {
		historical = historical[len(historical)-historicalWindow:]
	}

	return &models.AnalysisResult{
		Symbol:       sym,
		CurrentPrice: latest.Close,
		Currency:     latest.Currency,
		SMA50:        sma,
		RSI:          rsi,
		Signal:       deriveSignal(latest.Close, sma, rsi),
		Historical:   historical,
		GeneratedAt:  o.now().UTC(),
	}, nil
}

// refresh runs the single storage-to-upstream fallback pass: fetch raw
// bars and actions, normalize, and write through the store.
func (o *Orchestrator) refresh(ctx context.Context, sym string, start, end time.Time) ([]models.Bar, error) {
	raw, err := o.upstream.FetchDailyBars(ctx, sym, start, end)
	if err != nil {
		o.met.Fetch("market_data", "error")
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown symbol %s", errs.ErrNotFound, sym)
		}
		return nil, fmt.Errorf("%w: no usable bars for %s: %w", errs.ErrNotFound, sym, err)
	}
	o.met.Fetch("market_data", "success")

	actions, err := o.upstream.FetchCorporateActions(ctx, sym)
	if err != nil {
		o.log.Warn().Err(err).Str("symbol", sym).Msg("corporate actions unavailable, assuming none")
		actions = nil
	}

	normalized, report, err := normalize.Normalize(raw, actions)
	if err != nil {
		o.log.Error().Strs("errors", report.Errors).Str("symbol", sym).Msg("normalization rejected batch")
		return nil, err
	}
	for _, w := range report.Warnings {
		o.log.Warn().Str("symbol", sym).Str("warning", w).Msg("bar quality warning")
	}

	meta := storage.SymbolMetadata{Currency: normalized[0].Currency}
	if profile, err := o.upstream.FetchProfile(ctx, sym); err == nil {
		meta = profile
		if meta.Currency == "" {
			meta.Currency = normalized[0].Currency
		}
	}
	if _, err := o.store.UpsertSymbol(ctx, sym, meta); err != nil {
		return nil, err
	}
	if err := o.store.UpsertBars(ctx, sym, normalized); err != nil {
		return nil, err
	}

	return o.store.GetBars(ctx, sym, start, end)
}

// persistIndicators records the latest indicator samples with their
// parameter fingerprints.
func (o *Orchestrator) persistIndicators(ctx context.Context, sym string, date time.Time, sma, rsi float64) error {
	rows := make([]models.IndicatorValue, 0, 2)
	if sma > 0 {
		rows = append(rows, models.IndicatorValue{
			IndicatorType: "SMA",
			Date:          date,
			Params:        map[string]any{"period": smaPeriod},
			Value:         sma,
		})
	}
	if rsi > 0 {
		rows = append(rows, models.IndicatorValue{
			IndicatorType: "RSI",
			Date:          date,
			Params:        map[string]any{"period": rsiPeriod},
			Value:         rsi,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return o.store.UpsertIndicators(ctx, sym, rows)
}
