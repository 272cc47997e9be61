package postgres

// Schema for the hosted remote store. Matches the embedded variant
// table-for-table; symbols are normalized to upper case at the boundary
// so both variants agree on case-insensitive matching.
const schema = `
CREATE TABLE IF NOT EXISTS symbols (
    id          BIGSERIAL PRIMARY KEY,
    symbol      TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    currency    TEXT NOT NULL DEFAULT 'USD',
    exchange    TEXT NOT NULL DEFAULT '',
    isin        TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bars (
    symbol_id       BIGINT NOT NULL REFERENCES symbols(id),
    date            DATE NOT NULL,
    open            DOUBLE PRECISION NOT NULL,
    high            DOUBLE PRECISION NOT NULL,
    low             DOUBLE PRECISION NOT NULL,
    close           DOUBLE PRECISION NOT NULL,
    volume          BIGINT NOT NULL DEFAULT 0,
    adjusted_close  DOUBLE PRECISION NOT NULL DEFAULT 0,
    split_ratio     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    dividend        DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    currency        TEXT NOT NULL DEFAULT 'USD',
    data_source     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (symbol_id, date)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_date ON bars(symbol_id, date);

CREATE TABLE IF NOT EXISTS fundamentals (
    symbol_id       BIGINT NOT NULL REFERENCES symbols(id),
    metric_type     TEXT NOT NULL,
    period_ending   DATE NOT NULL,
    value           DOUBLE PRECISION NOT NULL,
    currency        TEXT NOT NULL DEFAULT 'USD',
    reporting_date  DATE NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (symbol_id, metric_type, period_ending)
);
CREATE INDEX IF NOT EXISTS idx_fundamentals_symbol_metric ON fundamentals(symbol_id, metric_type);

CREATE TABLE IF NOT EXISTS indicators (
    symbol_id       BIGINT NOT NULL REFERENCES symbols(id),
    indicator_type  TEXT NOT NULL,
    date            DATE NOT NULL,
    params_key      TEXT NOT NULL,
    value           DOUBLE PRECISION NOT NULL,
    params          TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (symbol_id, indicator_type, date, params_key)
);
CREATE INDEX IF NOT EXISTS idx_indicators_symbol_type_date ON indicators(symbol_id, indicator_type, date);

CREATE TABLE IF NOT EXISTS fx_rates (
    from_currency   TEXT NOT NULL,
    to_currency     TEXT NOT NULL,
    rate            DOUBLE PRECISION NOT NULL,
    source_rate     DOUBLE PRECISION NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (from_currency, to_currency)
);
CREATE INDEX IF NOT EXISTS idx_fx_rates_pair ON fx_rates(from_currency, to_currency);

CREATE TABLE IF NOT EXISTS cache_metadata (
    cache_key       TEXT PRIMARY KEY,
    expires_at      TIMESTAMPTZ NOT NULL,
    data_type       TEXT NOT NULL DEFAULT 'UNKNOWN',
    access_count    BIGINT NOT NULL DEFAULT 1,
    last_accessed   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_metadata_expires ON cache_metadata(expires_at);

CREATE TABLE IF NOT EXISTS corporate_actions (
    symbol_id       BIGINT NOT NULL REFERENCES symbols(id),
    action_date     DATE NOT NULL,
    action_type     TEXT NOT NULL,
    split_ratio     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    dividend_amount DOUBLE PRECISION NOT NULL DEFAULT 0.0,
    PRIMARY KEY (symbol_id, action_date, action_type)
);

CREATE TABLE IF NOT EXISTS fx_rate_history (
    id              BIGSERIAL PRIMARY KEY,
    from_currency   TEXT NOT NULL,
    to_currency     TEXT NOT NULL,
    rate            DOUBLE PRECISION NOT NULL,
    source_rate     DOUBLE PRECISION NOT NULL,
    data_source     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fx_history_pair_time ON fx_rate_history(from_currency, to_currency, created_at);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version     BIGINT PRIMARY KEY,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
