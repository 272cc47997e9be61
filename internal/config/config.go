// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// StorageMode selects the persistent tier variant.
type StorageMode string

const (
	StorageEmbedded StorageMode = "embedded"
	StorageHosted   StorageMode = "hosted"
)

// Config holds application configuration
type Config struct {
	// Server
	Port     int
	LogLevel string
	Pretty   bool

	// Storage
	Mode       StorageMode
	SQLitePath string

	// Postgres (hosted mode)
	PostgresDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration

	// Redis distributed tier; empty address disables the tier
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upstream providers
	MarketDataAPIKey string
	FxAPIKey         string
	FxEnabled        bool

	// Cache fabric
	MaxMemoryEntries    int
	MaintenanceInterval time.Duration

	// When only a close price is available upstream, synthesize the
	// remaining OHLC fields instead of failing the fetch.
	AllowApproxOHLC bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("HTTP_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),

		Mode:       StorageMode(getEnv("STORAGE_MODE", "embedded")),
		SQLitePath: getEnv("SQLITE_PATH", "./data/stocklens.db"),

		PostgresDSN:     getEnv("PG_DSN", ""),
		MaxOpenConns:    getEnvAsInt("PG_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("PG_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("PG_CONN_MAX_LIFETIME", 30*time.Minute),
		QueryTimeout:    getEnvAsDuration("PG_QUERY_TIMEOUT", 30*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		MarketDataAPIKey: getEnv("MARKET_DATA_API_KEY", ""),
		FxAPIKey:         getEnv("FX_API_KEY", ""),
		FxEnabled:        getEnvAsBool("FX_ENABLED", true),

		MaxMemoryEntries:    getEnvAsInt("MAX_MEMORY_ENTRIES", 10000),
		MaintenanceInterval: getEnvAsDuration("MAINTENANCE_INTERVAL", time.Hour),

		AllowApproxOHLC: getEnvAsBool("ALLOW_APPROX_OHLC", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.Mode {
	case StorageEmbedded:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required in embedded mode")
		}
	case StorageHosted:
		if c.PostgresDSN == "" {
			return fmt.Errorf("PG_DSN is required in hosted mode")
		}
	default:
		return fmt.Errorf("unknown STORAGE_MODE %q", c.Mode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
