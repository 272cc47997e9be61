package sqlite

// Schema for the embedded single-file store. Dates are stored as
// YYYY-MM-DD text and timestamps as fixed-width UTC RFC3339 text with nine
// fractional digits, so text order is time order, as in the hosted variant.
const schema = `
CREATE TABLE IF NOT EXISTS symbols (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    currency    TEXT NOT NULL DEFAULT 'USD',
    exchange    TEXT NOT NULL DEFAULT '',
    isin        TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bars (
    symbol_id       INTEGER NOT NULL REFERENCES symbols(id),
    date            TEXT NOT NULL,
    open            REAL NOT NULL,
    high            REAL NOT NULL,
    low             REAL NOT NULL,
    close           REAL NOT NULL,
    volume          INTEGER NOT NULL DEFAULT 0,
    adjusted_close  REAL NOT NULL DEFAULT 0,
    split_ratio     REAL NOT NULL DEFAULT 1.0,
    dividend        REAL NOT NULL DEFAULT 0.0,
    currency        TEXT NOT NULL DEFAULT 'USD',
    data_source     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (symbol_id, date)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_date ON bars(symbol_id, date);

CREATE TABLE IF NOT EXISTS fundamentals (
    symbol_id       INTEGER NOT NULL REFERENCES symbols(id),
    metric_type     TEXT NOT NULL,
    period_ending   TEXT NOT NULL,
    value           REAL NOT NULL,
    currency        TEXT NOT NULL DEFAULT 'USD',
    reporting_date  TEXT NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (symbol_id, metric_type, period_ending)
);
CREATE INDEX IF NOT EXISTS idx_fundamentals_symbol_metric ON fundamentals(symbol_id, metric_type);

CREATE TABLE IF NOT EXISTS indicators (
    symbol_id       INTEGER NOT NULL REFERENCES symbols(id),
    indicator_type  TEXT NOT NULL,
    date            TEXT NOT NULL,
    params_key      TEXT NOT NULL,
    value           REAL NOT NULL,
    params          TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (symbol_id, indicator_type, date, params_key)
);
CREATE INDEX IF NOT EXISTS idx_indicators_symbol_type_date ON indicators(symbol_id, indicator_type, date);

CREATE TABLE IF NOT EXISTS fx_rates (
    from_currency   TEXT NOT NULL,
    to_currency     TEXT NOT NULL,
    rate            REAL NOT NULL,
    source_rate     REAL NOT NULL,
    expires_at      TEXT NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    PRIMARY KEY (from_currency, to_currency)
);
CREATE INDEX IF NOT EXISTS idx_fx_rates_pair ON fx_rates(from_currency, to_currency);

CREATE TABLE IF NOT EXISTS cache_metadata (
    cache_key       TEXT PRIMARY KEY,
    expires_at      TEXT NOT NULL,
    data_type       TEXT NOT NULL DEFAULT 'UNKNOWN',
    access_count    INTEGER NOT NULL DEFAULT 1,
    last_accessed   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_metadata_expires ON cache_metadata(expires_at);

CREATE TABLE IF NOT EXISTS corporate_actions (
    symbol_id       INTEGER NOT NULL REFERENCES symbols(id),
    action_date     TEXT NOT NULL,
    action_type     TEXT NOT NULL,
    split_ratio     REAL NOT NULL DEFAULT 1.0,
    dividend_amount REAL NOT NULL DEFAULT 0.0,
    PRIMARY KEY (symbol_id, action_date, action_type)
);

CREATE TABLE IF NOT EXISTS fx_rate_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    from_currency   TEXT NOT NULL,
    to_currency     TEXT NOT NULL,
    rate            REAL NOT NULL,
    source_rate     REAL NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fx_history_pair_time ON fx_rate_history(from_currency, to_currency, created_at);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  TEXT NOT NULL
);
`
