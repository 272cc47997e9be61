// Package postgres implements the hosted remote storage variant.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/keys"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

// Config holds connection configuration for the hosted store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns reasonable pool defaults.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Store is the hosted storage variant backed by PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// Open connects, verifies the connection, and applies the schema.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w: %w", errs.ErrStorageUnavailable, err)
	}

	s := &Store{
		db:      db,
		timeout: cfg.QueryTimeout,
		log:     log.With().Str("component", "storage").Str("variant", "hosted").Logger(),
		now:     time.Now,
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, timeout time.Duration, log zerolog.Logger) *Store {
	return &Store{db: db, timeout: timeout, log: log, now: time.Now}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrStorageUnavailable, err)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) symbolID(ctx context.Context, symbol string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`SELECT id FROM symbols WHERE symbol = $1`, strings.ToUpper(symbol)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: symbol %q", errs.ErrNotFound, symbol)
	}
	if err != nil {
		return 0, storeErr("resolve symbol", err)
	}
	return id, nil
}

// GetSymbol returns the symbol row, or (nil, nil) when absent.
func (s *Store) GetSymbol(ctx context.Context, symbol string) (*models.Symbol, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m models.Symbol
	err := s.db.GetContext(ctx, &m, `
		SELECT id, symbol, name, currency, exchange, isin, created_at, updated_at
		FROM symbols WHERE symbol = $1`, strings.ToUpper(symbol))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get symbol", err)
	}
	return &m, nil
}

// UpsertSymbol inserts or updates metadata, preserving created_at.
func (s *Store) UpsertSymbol(ctx context.Context, symbol string, meta storage.SymbolMetadata) (*models.Symbol, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbols (symbol, name, currency, exchange, isin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (symbol) DO UPDATE SET
			name       = EXCLUDED.name,
			currency   = EXCLUDED.currency,
			exchange   = EXCLUDED.exchange,
			isin       = COALESCE(EXCLUDED.isin, symbols.isin),
			updated_at = now()`,
		strings.ToUpper(symbol), meta.Name, defaultCurrency(meta.Currency), meta.Exchange, meta.ISIN)
	if err != nil {
		return nil, storeErr("upsert symbol", err)
	}
	return s.GetSymbol(ctx, symbol)
}

var symbolColumns = map[string]string{
	"name":     "name",
	"currency": "currency",
	"exchange": "exchange",
	"isin":     "isin",
}

// UpdateSymbol applies a partial update over the recognized columns.
func (s *Store) UpdateSymbol(ctx context.Context, symbol string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sets []string
	var args []any
	i := 1
	for field, value := range fields {
		col, ok := symbolColumns[field]
		if !ok {
			return fmt.Errorf("%w: unknown symbol field %q", errs.ErrValidation, field)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, value)
		i++
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, strings.ToUpper(symbol))

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE symbols SET %s WHERE symbol = $%d`, strings.Join(sets, ", "), i), args...)
	if err != nil {
		return storeErr("update symbol", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update symbol", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: symbol %q", errs.ErrNotFound, symbol)
	}
	return nil
}

// GetBars returns bars in [start, end] ordered by ascending date.
func (s *Store) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.Bar{}, nil
		}
		return nil, err
	}

	bars := []models.Bar{}
	err = s.db.SelectContext(ctx, &bars, `
		SELECT symbol_id, date, open, high, low, close, volume,
		       adjusted_close, split_ratio, dividend, currency, data_source
		FROM bars
		WHERE symbol_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC`,
		id, keys.DateKey(start), keys.DateKey(end))
	if err != nil {
		return nil, storeErr("query bars", err)
	}
	return bars, nil
}

// UpsertBars writes the batch inside one transaction.
func (s *Store) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol_id, date, open, high, low, close, volume,
		                  adjusted_close, split_ratio, dividend, currency, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol_id, date) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume,
			adjusted_close = EXCLUDED.adjusted_close,
			split_ratio = EXCLUDED.split_ratio, dividend = EXCLUDED.dividend,
			currency = EXCLUDED.currency, data_source = EXCLUDED.data_source`)
	if err != nil {
		return storeErr("prepare bar upsert", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err = stmt.ExecContext(ctx, id, keys.DateKey(b.Date),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			b.AdjustedClose, b.SplitRatio, b.Dividend,
			defaultCurrency(b.Currency), b.DataSource)
		if err != nil {
			return storeErr("upsert bar", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit bars", err)
	}
	return nil
}

// LastBar returns the most recent bar, or (nil, nil) when none exist.
func (s *Store) LastBar(ctx context.Context, symbol string) (*models.Bar, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var b models.Bar
	err = s.db.GetContext(ctx, &b, `
		SELECT symbol_id, date, open, high, low, close, volume,
		       adjusted_close, split_ratio, dividend, currency, data_source
		FROM bars WHERE symbol_id = $1 ORDER BY date DESC LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("query last bar", err)
	}
	return &b, nil
}

// GetFundamentals returns rows ordered by period_ending DESC, metric ASC.
func (s *Store) GetFundamentals(ctx context.Context, symbol string, metricType string) ([]models.Fundamental, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.Fundamental{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, metric_type, period_ending, value, currency, reporting_date, data_source
		FROM fundamentals WHERE symbol_id = $1`
	args := []any{id}
	if metricType != "" {
		query += ` AND metric_type = $2`
		args = append(args, metricType)
	}
	query += ` ORDER BY period_ending DESC, metric_type ASC`

	out := []models.Fundamental{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, storeErr("query fundamentals", err)
	}
	return out, nil
}

// UpsertFundamentals replaces-on-conflict across the batch atomically.
func (s *Store) UpsertFundamentals(ctx context.Context, symbol string, fundamentals []models.Fundamental) error {
	if len(fundamentals) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fundamentals (symbol_id, metric_type, period_ending, value, currency, reporting_date, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol_id, metric_type, period_ending) DO UPDATE SET
			value = EXCLUDED.value, currency = EXCLUDED.currency,
			reporting_date = EXCLUDED.reporting_date, data_source = EXCLUDED.data_source`)
	if err != nil {
		return storeErr("prepare fundamental upsert", err)
	}
	defer stmt.Close()

	for _, f := range fundamentals {
		_, err = stmt.ExecContext(ctx, id, f.MetricType, keys.DateKey(f.PeriodEnding),
			f.Value, defaultCurrency(f.Currency), keys.DateKey(f.ReportingDate), f.DataSource)
		if err != nil {
			return storeErr("upsert fundamental", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit fundamentals", err)
	}
	return nil
}

// GetIndicators returns rows ordered by date DESC then type ASC.
func (s *Store) GetIndicators(ctx context.Context, symbol string, indicatorType string, since time.Time) ([]models.IndicatorValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.IndicatorValue{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, indicator_type, date, params_key, value
		FROM indicators WHERE symbol_id = $1`
	args := []any{id}
	n := 2
	if indicatorType != "" {
		query += fmt.Sprintf(` AND indicator_type = $%d`, n)
		args = append(args, indicatorType)
		n++
	}
	if !since.IsZero() {
		query += fmt.Sprintf(` AND date >= $%d`, n)
		args = append(args, keys.DateKey(since))
	}
	query += ` ORDER BY date DESC, indicator_type ASC`

	out := []models.IndicatorValue{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, storeErr("query indicators", err)
	}
	return out, nil
}

// UpsertIndicators replaces on the full parameter-fingerprinted key.
func (s *Store) UpsertIndicators(ctx context.Context, symbol string, values []models.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicators (symbol_id, indicator_type, date, params_key, value, params)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol_id, indicator_type, date, params_key) DO UPDATE SET
			value = EXCLUDED.value, params = EXCLUDED.params`)
	if err != nil {
		return storeErr("prepare indicator upsert", err)
	}
	defer stmt.Close()

	for _, v := range values {
		paramsKey := v.ParamsKey
		if paramsKey == "" {
			paramsKey = keys.ParamFingerprint(v.Params)
		}
		_, err = stmt.ExecContext(ctx, id, v.IndicatorType, keys.DateKey(v.Date),
			paramsKey, v.Value, paramsKey)
		if err != nil {
			return storeErr("upsert indicator", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit indicators", err)
	}
	return nil
}

// GetFxRate returns only a valid row.
func (s *Store) GetFxRate(ctx context.Context, from, to string) (*models.FxRate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.FxRate
	err := s.db.GetContext(ctx, &r, `
		SELECT from_currency, to_currency, rate, source_rate, expires_at, data_source, created_at
		FROM fx_rates
		WHERE from_currency = $1 AND to_currency = $2 AND expires_at > now()`,
		strings.ToUpper(from), strings.ToUpper(to))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get fx rate", err)
	}
	return &r, nil
}

// GetFxRateRaw returns the stored row regardless of expiry.
func (s *Store) GetFxRateRaw(ctx context.Context, from, to string) (*models.FxRate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r models.FxRate
	err := s.db.GetContext(ctx, &r, `
		SELECT from_currency, to_currency, rate, source_rate, expires_at, data_source, created_at
		FROM fx_rates WHERE from_currency = $1 AND to_currency = $2`,
		strings.ToUpper(from), strings.ToUpper(to))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get fx rate", err)
	}
	return &r, nil
}

// UpsertFxRate replaces the active row and appends to the history table.
func (s *Store) UpsertFxRate(ctx context.Context, rate models.FxRate) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rates (from_currency, to_currency, rate, source_rate, expires_at, data_source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (from_currency, to_currency) DO UPDATE SET
			rate = EXCLUDED.rate, source_rate = EXCLUDED.source_rate,
			expires_at = EXCLUDED.expires_at, data_source = EXCLUDED.data_source,
			created_at = now()`,
		strings.ToUpper(rate.FromCurrency), strings.ToUpper(rate.ToCurrency),
		rate.Rate, rate.SourceRate, rate.ExpiresAt.UTC(), rate.DataSource)
	if err != nil {
		return storeErr("upsert fx rate", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rate_history (from_currency, to_currency, rate, source_rate, data_source, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		strings.ToUpper(rate.FromCurrency), strings.ToUpper(rate.ToCurrency),
		rate.Rate, rate.SourceRate, rate.DataSource)
	if err != nil {
		return storeErr("append fx history", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit fx rate", err)
	}
	return nil
}

// FxRateHistory returns all stored rows for the pair inside the window.
func (s *Store) FxRateHistory(ctx context.Context, from, to string, start, end time.Time) ([]models.FxRate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := []models.FxRate{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT from_currency, to_currency, rate, source_rate, data_source, created_at
		FROM fx_rate_history
		WHERE from_currency = $1 AND to_currency = $2 AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at ASC`,
		strings.ToUpper(from), strings.ToUpper(to), start.UTC(), end.UTC())
	if err != nil {
		return nil, storeErr("query fx history", err)
	}
	return out, nil
}

// IsCacheValid reports whether an unexpired metadata row exists.
func (s *Store) IsCacheValid(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowxContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM cache_metadata WHERE cache_key = $1 AND expires_at > now())`,
		key).Scan(&exists)
	if err != nil {
		return false, storeErr("check cache validity", err)
	}
	return exists, nil
}

// TouchCache upserts the metadata row, bumping the access counter on hit.
func (s *Store) TouchCache(ctx context.Context, key string, dataType models.DataType, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_metadata (cache_key, expires_at, data_type, access_count, last_accessed)
		VALUES ($1, now() + $2::interval, $3, 1, now())
		ON CONFLICT (cache_key) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			data_type = EXCLUDED.data_type,
			access_count = cache_metadata.access_count + 1,
			last_accessed = now()`,
		key, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()), string(dataType))
	if err != nil {
		return storeErr("touch cache metadata", err)
	}
	return nil
}

// DeleteCache removes a single metadata row.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE cache_key = $1`, key); err != nil {
		return storeErr("delete cache metadata", err)
	}
	return nil
}

// ClearCache truncates the metadata table.
func (s *Store) ClearCache(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `TRUNCATE cache_metadata`); err != nil {
		return storeErr("clear cache metadata", err)
	}
	return nil
}

// ReapExpiredCache deletes rows with expires_at <= now and returns the count.
func (s *Store) ReapExpiredCache(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE expires_at <= now()`)
	if err != nil {
		return 0, storeErr("reap expired cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("reap expired cache", err)
	}
	return n, nil
}

// HealthSnapshot reports connectivity, counts, and pool stats.
func (s *Store) HealthSnapshot(ctx context.Context) models.HealthSnapshot {
	snap := models.HealthSnapshot{Timestamp: s.now().UTC()}

	pingCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		snap.Connection = "error"
		return snap
	}
	snap.Healthy = true
	snap.Connection = "connected"

	_ = s.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM symbols`).Scan(&snap.Stats.Symbols)
	_ = s.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM bars`).Scan(&snap.Stats.Bars)

	var last sql.NullTime
	if err := s.db.QueryRowxContext(ctx, `SELECT MAX(updated_at) FROM symbols`).Scan(&last); err == nil && last.Valid {
		t := last.Time
		snap.LastUpdated = &t
	}

	stats := s.db.Stats()
	snap.Pool = map[string]int{
		"max_open": stats.MaxOpenConnections,
		"open":     stats.OpenConnections,
		"in_use":   stats.InUse,
		"idle":     stats.Idle,
	}
	return snap
}

func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}
