// Package sqlite implements the embedded single-file storage variant.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/keys"
	"github.com/stocklens/stocklens/internal/models"
	"github.com/stocklens/stocklens/internal/storage"
)

const (
	dateLayout = "2006-01-02"
	tsLayout   = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store is the embedded storage variant backed by a single sqlite file.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// Open creates the database file if needed, applies the schema, and
// returns a ready store.
func Open(dbPath string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w: %w", errs.ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	s := &Store{
		db:   conn,
		path: dbPath,
		log:  log.With().Str("component", "storage").Str("variant", "embedded").Logger(),
		now:  time.Now,
	}
	if err := s.ensureSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrStorageUnavailable, err)
}

// symbolID resolves the surrogate id for a casefolded ticker.
func (s *Store) symbolID(ctx context.Context, symbol string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM symbols WHERE symbol = ?`, strings.ToUpper(symbol)).Scan(&id)
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
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, currency, exchange, isin, created_at, updated_at
		FROM symbols WHERE symbol = ?`, strings.ToUpper(symbol))

	var m models.Symbol
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.Symbol, &m.Name, &m.Currency, &m.Exchange, &m.ISIN, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get symbol", err)
	}
	m.CreatedAt = parseTS(createdAt)
	m.UpdatedAt = parseTS(updatedAt)
	return &m, nil
}

// UpsertSymbol inserts or updates metadata, preserving created_at and
// bumping updated_at.
func (s *Store) UpsertSymbol(ctx context.Context, symbol string, meta storage.SymbolMetadata) (*models.Symbol, error) {
	now := s.now().UTC().Format(tsLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbols (symbol, name, currency, exchange, isin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			name       = excluded.name,
			currency   = excluded.currency,
			exchange   = excluded.exchange,
			isin       = COALESCE(excluded.isin, symbols.isin),
			updated_at = excluded.updated_at`,
		strings.ToUpper(symbol), meta.Name, defaultCurrency(meta.Currency), meta.Exchange, meta.ISIN, now, now)
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

	var sets []string
	var args []any
	for field, value := range fields {
		col, ok := symbolColumns[field]
		if !ok {
			return fmt.Errorf("%w: unknown symbol field %q", errs.ErrValidation, field)
		}
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(tsLayout), strings.ToUpper(symbol))

	res, err := s.db.ExecContext(ctx,
		`UPDATE symbols SET `+strings.Join(sets, ", ")+` WHERE symbol = ?`, args...)
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
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.Bar{}, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, date, open, high, low, close, volume,
		       adjusted_close, split_ratio, dividend, currency, data_source
		FROM bars
		WHERE symbol_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		id, keys.DateKey(start), keys.DateKey(end))
	if err != nil {
		return nil, storeErr("query bars", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// UpsertBars writes the batch atomically; conflict on (symbol_id, date)
// replaces the prior row.
func (s *Store) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol_id, date, open, high, low, close, volume,
		                  adjusted_close, split_ratio, dividend, currency, data_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol_id, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			adjusted_close = excluded.adjusted_close,
			split_ratio = excluded.split_ratio, dividend = excluded.dividend,
			currency = excluded.currency, data_source = excluded.data_source`)
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
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, date, open, high, low, close, volume,
		       adjusted_close, split_ratio, dividend, currency, data_source
		FROM bars WHERE symbol_id = ? ORDER BY date DESC LIMIT 1`, id)
	if err != nil {
		return nil, storeErr("query last bar", err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

// GetFundamentals returns rows ordered by period_ending DESC, metric ASC.
func (s *Store) GetFundamentals(ctx context.Context, symbol string, metricType string) ([]models.Fundamental, error) {
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.Fundamental{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, metric_type, period_ending, value, currency, reporting_date, data_source
		FROM fundamentals WHERE symbol_id = ?`
	args := []any{id}
	if metricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, metricType)
	}
	query += ` ORDER BY period_ending DESC, metric_type ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query fundamentals", err)
	}
	defer rows.Close()

	var out []models.Fundamental
	for rows.Next() {
		var f models.Fundamental
		var period, reported string
		if err := rows.Scan(&f.SymbolID, &f.MetricType, &period, &f.Value, &f.Currency, &reported, &f.DataSource); err != nil {
			return nil, storeErr("scan fundamental", err)
		}
		f.PeriodEnding = parseDate(period)
		f.ReportingDate = parseDate(reported)
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFundamentals replaces-on-conflict across the batch atomically.
func (s *Store) UpsertFundamentals(ctx context.Context, symbol string, fundamentals []models.Fundamental) error {
	if len(fundamentals) == 0 {
		return nil
	}
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fundamentals (symbol_id, metric_type, period_ending, value, currency, reporting_date, data_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol_id, metric_type, period_ending) DO UPDATE SET
			value = excluded.value, currency = excluded.currency,
			reporting_date = excluded.reporting_date, data_source = excluded.data_source`)
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
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return []models.IndicatorValue{}, nil
		}
		return nil, err
	}

	query := `
		SELECT symbol_id, indicator_type, date, params_key, value
		FROM indicators WHERE symbol_id = ?`
	args := []any{id}
	if indicatorType != "" {
		query += ` AND indicator_type = ?`
		args = append(args, indicatorType)
	}
	if !since.IsZero() {
		query += ` AND date >= ?`
		args = append(args, keys.DateKey(since))
	}
	query += ` ORDER BY date DESC, indicator_type ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query indicators", err)
	}
	defer rows.Close()

	var out []models.IndicatorValue
	for rows.Next() {
		var v models.IndicatorValue
		var date string
		if err := rows.Scan(&v.SymbolID, &v.IndicatorType, &date, &v.ParamsKey, &v.Value); err != nil {
			return nil, storeErr("scan indicator", err)
		}
		v.Date = parseDate(date)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertIndicators replaces on the full parameter-fingerprinted key.
func (s *Store) UpsertIndicators(ctx context.Context, symbol string, values []models.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	id, err := s.symbolID(ctx, symbol)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO indicators (symbol_id, indicator_type, date, params_key, value, params)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol_id, indicator_type, date, params_key) DO UPDATE SET
			value = excluded.value, params = excluded.params`)
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

// GetFxRate returns only a valid row; an expiry at or before now is absent.
func (s *Store) GetFxRate(ctx context.Context, from, to string) (*models.FxRate, error) {
	rate, err := s.GetFxRateRaw(ctx, from, to)
	if err != nil || rate == nil {
		return nil, err
	}
	if !rate.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return rate, nil
}

// GetFxRateRaw returns the stored row regardless of expiry.
func (s *Store) GetFxRateRaw(ctx context.Context, from, to string) (*models.FxRate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT from_currency, to_currency, rate, source_rate, expires_at, data_source, created_at
		FROM fx_rates WHERE from_currency = ? AND to_currency = ?`,
		strings.ToUpper(from), strings.ToUpper(to))

	var r models.FxRate
	var expires, created string
	err := row.Scan(&r.FromCurrency, &r.ToCurrency, &r.Rate, &r.SourceRate, &expires, &r.DataSource, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get fx rate", err)
	}
	r.ExpiresAt = parseTS(expires)
	r.CreatedAt = parseTS(created)
	return &r, nil
}

// UpsertFxRate replaces the active row and appends to the history table.
func (s *Store) UpsertFxRate(ctx context.Context, rate models.FxRate) error {
	now := s.now().UTC()
	created := now.Format(tsLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rates (from_currency, to_currency, rate, source_rate, expires_at, data_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_currency, to_currency) DO UPDATE SET
			rate = excluded.rate, source_rate = excluded.source_rate,
			expires_at = excluded.expires_at, data_source = excluded.data_source,
			created_at = excluded.created_at`,
		strings.ToUpper(rate.FromCurrency), strings.ToUpper(rate.ToCurrency),
		rate.Rate, rate.SourceRate, rate.ExpiresAt.UTC().Format(tsLayout), rate.DataSource, created)
	if err != nil {
		return storeErr("upsert fx rate", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_rate_history (from_currency, to_currency, rate, source_rate, data_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToUpper(rate.FromCurrency), strings.ToUpper(rate.ToCurrency),
		rate.Rate, rate.SourceRate, rate.DataSource, created)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_currency, to_currency, rate, source_rate, data_source, created_at
		FROM fx_rate_history
		WHERE from_currency = ? AND to_currency = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`,
		strings.ToUpper(from), strings.ToUpper(to),
		start.UTC().Format(tsLayout), end.UTC().Format(tsLayout))
	if err != nil {
		return nil, storeErr("query fx history", err)
	}
	defer rows.Close()

	var out []models.FxRate
	for rows.Next() {
		var r models.FxRate
		var created string
		if err := rows.Scan(&r.FromCurrency, &r.ToCurrency, &r.Rate, &r.SourceRate, &r.DataSource, &created); err != nil {
			return nil, storeErr("scan fx history", err)
		}
		r.CreatedAt = parseTS(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsCacheValid reports whether an unexpired metadata row exists.
func (s *Store) IsCacheValid(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM cache_metadata WHERE cache_key = ? AND expires_at > ?)`,
		key, s.now().UTC().Format(tsLayout)).Scan(&exists)
	if err != nil {
		return false, storeErr("check cache validity", err)
	}
	return exists, nil
}

// TouchCache upserts the metadata row, bumping the access counter on hit.
func (s *Store) TouchCache(ctx context.Context, key string, dataType models.DataType, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_metadata (cache_key, expires_at, data_type, access_count, last_accessed)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			expires_at = excluded.expires_at,
			data_type = excluded.data_type,
			access_count = cache_metadata.access_count + 1,
			last_accessed = excluded.last_accessed`,
		key, now.Add(ttl).Format(tsLayout), string(dataType), now.Format(tsLayout))
	if err != nil {
		return storeErr("touch cache metadata", err)
	}
	return nil
}

// DeleteCache removes a single metadata row.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE cache_key = ?`, key); err != nil {
		return storeErr("delete cache metadata", err)
	}
	return nil
}

// ClearCache truncates the metadata table.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata`); err != nil {
		return storeErr("clear cache metadata", err)
	}
	return nil
}

// ReapExpiredCache deletes rows with expires_at <= now and returns the count.
func (s *Store) ReapExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_metadata WHERE expires_at <= ?`, s.now().UTC().Format(tsLayout))
	if err != nil {
		return 0, storeErr("reap expired cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("reap expired cache", err)
	}
	return n, nil
}

// HealthSnapshot reports connectivity and entity counts.
func (s *Store) HealthSnapshot(ctx context.Context) models.HealthSnapshot {
	snap := models.HealthSnapshot{Timestamp: s.now().UTC()}

	if err := s.db.PingContext(ctx); err != nil {
		snap.Connection = "error"
		return snap
	}
	snap.Healthy = true
	snap.Connection = "connected"

	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbols`).Scan(&snap.Stats.Symbols)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars`).Scan(&snap.Stats.Bars)

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM symbols`).Scan(&last); err == nil && last.Valid {
		t := parseTS(last.String)
		snap.LastUpdated = &t
	}
	return snap
}

func scanBars(rows *sql.Rows) ([]models.Bar, error) {
	out := []models.Bar{}
	for rows.Next() {
		var b models.Bar
		var date string
		err := rows.Scan(&b.SymbolID, &date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.AdjustedClose, &b.SplitRatio, &b.Dividend, &b.Currency, &b.DataSource)
		if err != nil {
			return nil, storeErr("scan bar", err)
		}
		b.Date = parseDate(date)
		out = append(out, b)
	}
	return out, rows.Err()
}

func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(dateLayout, s, time.UTC)
	return t
}

func parseTS(s string) time.Time {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}
