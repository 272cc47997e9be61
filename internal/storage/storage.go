// Package storage defines the persistent tier capability set.
// Two variants implement it: an embedded single-file store (sqlite) and a
// hosted remote store (postgres). Callers never discriminate between them
// at runtime; dialect differences stay behind this interface.
package storage

import (
	"context"
	"time"

	"github.com/stocklens/stocklens/internal/models"
)

// SymbolMetadata carries the mutable attributes applied on upsert.
type SymbolMetadata struct {
	Name     string
	Currency string
	Exchange string
	ISIN     *string
}

// Store is the persistent tier capability set shared by both variants.
//
// Symbol matching is case-insensitive everywhere: the embedded variant
// casefolds at the boundary, the hosted variant normalizes the same way,
// and both agree that "aapl" == "AAPL".
type Store interface {
	// GetSymbol returns the symbol row, or (nil, nil) when absent.
	GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error)

	// UpsertSymbol inserts the symbol if absent, otherwise updates the
	// mutable attributes and bumps updated_at. created_at is preserved.
	UpsertSymbol(ctx context.Context, symbol string, meta SymbolMetadata) (*models.Symbol, error)

	// UpdateSymbol applies a partial update. No-op on an empty field set;
	// ErrNotFound when the symbol is unknown.
	UpdateSymbol(ctx context.Context, symbol string, fields map[string]any) error

	// GetBars returns bars in [start, end] ordered by ascending date.
	// An empty window yields an empty slice, never an error.
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)

	// UpsertBars replaces-on-conflict across the batch atomically: either
	// every row is present post-commit or none. The caller guarantees the
	// bars are normalized. ErrNotFound when the symbol is unknown.
	UpsertBars(ctx context.Context, symbol string, bars []models.Bar) error

	// LastBar returns the most recent bar, or (nil, nil) when none exist.
	LastBar(ctx context.Context, symbol string) (*models.Bar, error)

	// GetFundamentals returns rows ordered by period_ending DESC, then
	// metric_type ASC. metricType filters when non-empty.
	GetFundamentals(ctx context.Context, symbol string, metricType string) ([]models.Fundamental, error)

	// UpsertFundamentals replaces-on-conflict on the uniqueness key.
	UpsertFundamentals(ctx context.Context, symbol string, rows []models.Fundamental) error

	// GetIndicators returns rows ordered by date DESC then indicator_type
	// ASC. indicatorType filters when non-empty; since filters when non-zero.
	GetIndicators(ctx context.Context, symbol string, indicatorType string, since time.Time) ([]models.IndicatorValue, error)

	// UpsertIndicators replaces on (symbol, type, date, params_key).
	UpsertIndicators(ctx context.Context, symbol string, rows []models.IndicatorValue) error

	// GetFxRate returns only a valid row (expires_at strictly in the
	// future), or (nil, nil) when absent or expired.
	GetFxRate(ctx context.Context, from, to string) (*models.FxRate, error)

	// GetFxRateRaw returns the stored row regardless of expiry.
	GetFxRateRaw(ctx context.Context, from, to string) (*models.FxRate, error)

	// UpsertFxRate writes the single active row for the ordered pair.
	UpsertFxRate(ctx context.Context, rate models.FxRate) error

	// FxRateHistory returns all rows ever stored for the pair inside the
	// window, ordered by ascending creation time.
	FxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]models.FxRate, error)

	// IsCacheValid reports whether an unexpired metadata row exists.
	IsCacheValid(ctx context.Context, key string) (bool, error)

	// TouchCache upserts the cache metadata row. On conflict the access
	// count is incremented and last_accessed refreshed; on insert the
	// count starts at 1.
	TouchCache(ctx context.Context, key string, dataType models.DataType, ttl time.Duration) error

	// DeleteCache removes a single metadata row.
	DeleteCache(ctx context.Context, key string) error

	// ClearCache truncates the metadata table.
	ClearCache(ctx context.Context) error

	// ReapExpiredCache deletes all metadata rows with expires_at <= now
	// and returns the count.
	ReapExpiredCache(ctx context.Context) (int64, error)

	// HealthSnapshot reports connectivity and row counts.
	HealthSnapshot(ctx context.Context) models.HealthSnapshot

	// Close releases the underlying connections.
	Close() error
}
