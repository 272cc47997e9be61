// Package fx provides resilient currency conversion: cached rates,
// inversion reuse, and ordered provider failover with bounded freshness.
package fx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

// rateTTL bounds how long a fetched rate stays valid.
const rateTTL = time.Hour

// Service answers rate lookups and conversions.
type Service struct {
	store     storage.Store
	providers []Provider
	log       zerolog.Logger
	met       *metrics.Metrics
	now       func() time.Time
}

// New wires the service with providers in declared failover order.
func New(store storage.Store, providers []Provider, met *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		providers: providers,
		log:       log.With().Str("component", "fx").Logger(),
		met:       met,
		now:       time.Now,
	}
}

// GetRate resolves the rate for an ordered pair.
//
// Order: same currency, cached direct rate, cached inverted rate (used
// even when the direct row exists but is expired), then the provider
// chain. A fetched rate is stored with a one-hour expiry.
func (s *Service) GetRate(ctx context.Context, from, to string) (float64, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return 0, fmt.Errorf("%w: empty currency code", errs.ErrValidation)
	}
	if from == to {
		return 1.0, nil
	}

	if direct, err := s.store.GetFxRate(ctx, from, to); err != nil {
		return 0, err
	} else if direct != nil {
		return direct.Rate, nil
	}

	if inverted, err := s.store.GetFxRate(ctx, to, from); err != nil {
		return 0, err
	} else if inverted != nil && inverted.Rate != 0 {
		return 1 / inverted.Rate, nil
	}

	return s.fetchAndStore(ctx, from, to)
}

// fetchAndStore walks the provider chain in order, short-circuiting on
// the first success.
func (s *Service) fetchAndStore(ctx context.Context, from, to string) (float64, error) {
	var lastErr error
	for i, p := range s.providers {
		rate, err := p.FetchRate(ctx, from, to)
		if err != nil {
			s.met.Fetch(p.Name(), "error")
			s.met.Failover(p.Name())
			s.log.Warn().Err(err).Str("pair", from+"/"+to).Str("provider", p.Name()).Msg("fx provider failed")
			lastErr = err
			if i < len(s.providers)-1 {
				continue
			}
			break
		}

		s.met.Fetch(p.Name(), "success")
		row := models.FxRate{
			FromCurrency: from,
			ToCurrency:   to,
			Rate:         rate,
			SourceRate:   rate,
			ExpiresAt:    s.now().Add(rateTTL),
			DataSource:   p.Name(),
		}
		if err := s.store.UpsertFxRate(ctx, row); err != nil {
			s.log.Warn().Err(err).Str("pair", from+"/"+to).Msg("failed to persist fx rate")
		}
		return rate, nil
	}

	if lastErr != nil {
		return 0, fmt.Errorf("%w: all providers failed for %s/%s: %w", errs.ErrFxUnavailable, from, to, lastErr)
	}
	return 0, fmt.Errorf("%w: no providers configured", errs.ErrFxUnavailable)
}

// Convert converts an amount between currencies.
func (s *Service) Convert(ctx context.Context, from, to string, amount float64) (float64, error) {
	rate, err := s.GetRate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return amount * rate, nil
}

// ConvertRequest is one entry of a batch conversion.
type ConvertRequest struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// ConvertResult is the per-request outcome; one failure never aborts
// the batch.
type ConvertResult struct {
	Request   ConvertRequest `json:"request"`
	Converted float64        `json:"converted,omitempty"`
	Rate      float64        `json:"rate,omitempty"`
	Err       string         `json:"error,omitempty"`
}

// BatchConvert converts every request, collecting per-request results.
func (s *Service) BatchConvert(ctx context.Context, requests []ConvertRequest) []ConvertResult {
	results := make([]ConvertResult, len(requests))
	for i, req := range requests {
		results[i].Request = req
		rate, err := s.GetRate(ctx, req.From, req.To)
		if err != nil {
			results[i].Err = err.Error()
			continue
		}
		results[i].Rate = rate
		results[i].Converted = req.Amount * rate
	}
	return results
}

// RateHistory returns every stored rate for the pair inside the window.
func (s *Service) RateHistory(ctx context.Context, from, to string, start, end time.Time) ([]models.FxRate, error) {
	return s.store.FxRateHistory(ctx, strings.ToUpper(from), strings.ToUpper(to), start, end)
}

// AverageRate returns the arithmetic mean over the window, or ok=false
// when the window is empty.
func (s *Service) AverageRate(ctx context.Context, from, to string, start, end time.Time) (float64, bool, error) {
	history, err := s.RateHistory(ctx, from, to, start, end)
	if err != nil {
		return 0, false, err
	}
	if len(history) == 0 {
		return 0, false, nil
	}
	var sum float64
	for _, r := range history {
		sum += r.Rate
	}
	return sum / float64(len(history)), true, nil
}
