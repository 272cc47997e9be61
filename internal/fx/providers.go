package fx

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
)

// Provider fetches a spot rate for an ordered currency pair.
type Provider interface {
	Name() string
	FetchRate(ctx context.Context, from, to string) (float64, error)
}

const fetchTimeout = 5 * time.Second

// newBreaker builds the per-provider circuit breaker. Trips on three
// consecutive failures or a 5% failure rate over a full window.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
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
	return gobreaker.NewCircuitBreaker(st)
}

// httpProvider carries the transport plumbing shared by all providers.
type httpProvider struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newHTTPProvider(name string, rps float64, log zerolog.Logger) httpProvider {
	return httpProvider{
		name:    name,
		client:  &http.Client{Timeout: fetchTimeout},
		breaker: newBreaker(name),
		limiter: rate.NewLimiter(rate.Limit(rps), 2),
		log:     log.With().Str("provider", name).Logger(),
	}
}

func (p *httpProvider) Name() string { return p.name }

// getJSON runs one rate-limited, circuit-broken GET and decodes into out.
func (p *httpProvider) getJSON(ctx context.Context, url string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
	}

	_, err := p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open for %s", errs.ErrUpstreamUnavailable, p.name)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s: %w", errs.ErrUpstreamTimeout, p.name, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", errs.ErrUpstreamTimeout, p.name, err)
		}
		return fmt.Errorf("%w: %s: %w", errs.ErrUpstreamUnavailable, p.name, err)
	}
	return nil
}

// PairProvider is the keyed pair-endpoint provider.
type PairProvider struct {
	httpProvider
	baseURL string
	apiKey  string
}

// NewPairProvider builds the primary keyed provider.
func NewPairProvider(baseURL, apiKey string, log zerolog.Logger) *PairProvider {
	if baseURL == "" {
		baseURL = "https://v6.exchangerate-api.com/v6"
	}
	return &PairProvider{
		httpProvider: newHTTPProvider("pair_api", 2, log),
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
	}
}

func (p *PairProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	var body struct {
		Result         string  `json:"result"`
		ConversionRate float64 `json:"conversion_rate"`
	}
	url := fmt.Sprintf("%s/%s/pair/%s/%s", p.baseURL, p.apiKey, from, to)
	if err := p.getJSON(ctx, url, &body); err != nil {
		return 0, err
	}
	if body.Result != "success" || body.ConversionRate <= 0 {
		return 0, fmt.Errorf("%w: %s returned no rate for %s/%s", errs.ErrUpstreamUnavailable, p.name, from, to)
	}
	return body.ConversionRate, nil
}

// OpenProvider is the keyless base+symbol provider.
type OpenProvider struct {
	httpProvider
	baseURL string
}

// NewOpenProvider builds the keyless fallback provider.
func NewOpenProvider(baseURL string, log zerolog.Logger) *OpenProvider {
	if baseURL == "" {
		baseURL = "https://open.er-api.com/v6"
	}
	return &OpenProvider{
		httpProvider: newHTTPProvider("open_api", 1, log),
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

func (p *OpenProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	var body struct {
		Result string             `json:"result"`
		Rates  map[string]float64 `json:"rates"`
	}
	url := fmt.Sprintf("%s/latest/%s", p.baseURL, from)
	if err := p.getJSON(ctx, url, &body); err != nil {
		return 0, err
	}
	rate, ok := body.Rates[strings.ToUpper(to)]
	if body.Result != "success" || !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: %s returned no rate for %s/%s", errs.ErrUpstreamUnavailable, p.name, from, to)
	}
	return rate, nil
}

// HostProvider is the keyed base+symbol provider used last in the chain.
type HostProvider struct {
	httpProvider
	baseURL string
	apiKey  string
}

// NewHostProvider builds the final keyed fallback provider.
func NewHostProvider(baseURL, apiKey string, log zerolog.Logger) *HostProvider {
	if baseURL == "" {
		baseURL = "https://api.exchangerate.host"
	}
	return &HostProvider{
		httpProvider: newHTTPProvider("host_api", 1, log),
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
	}
}

func (p *HostProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	var body struct {
		Success bool               `json:"success"`
		Rates   map[string]float64 `json:"rates"`
	}
	url := fmt.Sprintf("%s/latest?access_key=%s&base=%s&symbols=%s", p.baseURL, p.apiKey, from, to)
	if err := p.getJSON(ctx, url, &body); err != nil {
		return 0, err
	}
	rate, ok := body.Rates[strings.ToUpper(to)]
	if !body.Success || !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: %s returned no rate for %s/%s", errs.ErrUpstreamUnavailable, p.name, from, to)
	}
	return rate, nil
}
