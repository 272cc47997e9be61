// Package marketdata talks to the upstream market-data provider. The
// orchestrator consumes the Provider interface; tests substitute stubs.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

// Provider is the upstream capability set the orchestrator needs.
type Provider interface {
	// FetchDailyBars returns raw daily bars for [start, end], oldest
	// first. SymbolID is unset on the returned bars.
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)

	// FetchCorporateActions returns all known splits and dividends.
	FetchCorporateActions(ctx context.Context, symbol string) ([]models.CorporateAction, error)

	// FetchProfile returns display metadata for the symbol.
	FetchProfile(ctx context.Context, symbol string) (storage.SymbolMetadata, error)
}

const fetchTimeout = 5 * time.Second

// Client is the HTTP implementation of Provider.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger

	// Synthesize open/high/low and a constant volume when the upstream
	// row carries only a close. Off by default; the synthesized fields
	// are observable downstream.
	allowApproxOHLC bool
}

// NewClient builds the upstream client.
func NewClient(baseURL, apiKey string, allowApproxOHLC bool, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.marketdata.example.com/v1"
	}
	st := gobreaker.Settings{Name: "market_data"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}

	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		client:          &http.Client{Timeout: fetchTimeout},
		breaker:         gobreaker.NewCircuitBreaker(st),
		limiter:         rate.NewLimiter(rate.Limit(4), 8),
		log:             log.With().Str("client", "market_data").Logger(),
		allowApproxOHLC: allowApproxOHLC,
	}
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			io.Copy(io.Discard, resp.Body)
			return nil, errs.ErrNotFound
		case resp.StatusCode != http.StatusOK:
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNotFound):
			return err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: market data circuit open", errs.ErrUpstreamUnavailable)
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %w", errs.ErrUpstreamTimeout, err)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %w", errs.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}
	return nil
}

type barRow struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  float64  `json:"close"`
	Volume *int64   `json:"volume"`
}

// FetchDailyBars returns raw daily bars, oldest first.
func (c *Client) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	var body struct {
		Symbol     string   `json:"symbol"`
		Currency   string   `json:"currency"`
		Historical []barRow `json:"historical"`
	}
	url := fmt.Sprintf("%s/historical/%s?from=%s&to=%s",
		c.baseURL, symbol, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
	if err := c.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}

	currency := body.Currency
	if currency == "" {
		currency = "USD"
	}

	bars := make([]models.Bar, 0, len(body.Historical))
	for _, row := range body.Historical {
		date, err := time.ParseInLocation("2006-01-02", row.Date, time.UTC)
		if err != nil {
			c.log.Warn().Str("symbol", symbol).Str("date", row.Date).Msg("skipping bar with bad date")
			continue
		}

		b := models.Bar{
			Date:       date,
			Close:      row.Close,
			SplitRatio: 1.0,
			Currency:   currency,
			DataSource: "market_data",
		}
		switch {
		case row.Open != nil && row.High != nil && row.Low != nil:
			b.Open, b.High, b.Low = *row.Open, *row.High, *row.Low
			if row.Volume != nil {
				b.Volume = *row.Volume
			}
		case c.allowApproxOHLC:
			b.Open = row.Close * 0.995
			b.High = row.Close * 1.01
			b.Low = row.Close * 0.99
			b.Volume = 1_000_000
		default:
			return nil, fmt.Errorf("%w: incomplete bar for %s on %s", errs.ErrUpstreamUnavailable, symbol, row.Date)
		}
		bars = append(bars, b)
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s", errs.ErrNotFound, symbol)
	}
	return bars, nil
}

// FetchCorporateActions returns all known splits and dividends.
func (c *Client) FetchCorporateActions(ctx context.Context, symbol string) ([]models.CorporateAction, error) {
	var body struct {
		Actions []struct {
			Date     string  `json:"date"`
			Type     string  `json:"type"`
			Ratio    float64 `json:"split_ratio"`
			Dividend float64 `json:"dividend"`
		} `json:"actions"`
	}
	url := fmt.Sprintf("%s/actions/%s", c.baseURL, symbol)
	if err := c.getJSON(ctx, url, &body); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.CorporateAction{}, nil
		}
		return nil, err
	}

	actions := make([]models.CorporateAction, 0, len(body.Actions))
	for _, row := range body.Actions {
		date, err := time.ParseInLocation("2006-01-02", row.Date, time.UTC)
		if err != nil {
			continue
		}
		a := models.CorporateAction{
			ActionDate:     date,
			SplitRatio:     1.0,
			DividendAmount: 0.0,
		}
		switch strings.ToUpper(row.Type) {
		case "SPLIT":
			a.ActionType = models.ActionSplit
			if row.Ratio > 0 {
				a.SplitRatio = row.Ratio
			}
		case "DIVIDEND":
			a.ActionType = models.ActionDividend
			a.DividendAmount = row.Dividend
		default:
			continue
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// FetchProfile returns display metadata for the symbol.
func (c *Client) FetchProfile(ctx context.Context, symbol string) (storage.SymbolMetadata, error) {
	var body struct {
		Name     string `json:"name"`
		Currency string `json:"currency"`
		Exchange string `json:"exchange"`
		ISIN     string `json:"isin"`
	}
	url := fmt.Sprintf("%s/profile/%s", c.baseURL, symbol)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return storage.SymbolMetadata{}, err
	}

	meta := storage.SymbolMetadata{
		Name:     body.Name,
		Currency: body.Currency,
		Exchange: body.Exchange,
	}
	if body.ISIN != "" {
		isin := body.ISIN
		meta.ISIN = &isin
	}
	return meta, nil
}
