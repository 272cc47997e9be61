package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stocklens/stocklens/internal/analysis"
	"github.com/stocklens/stocklens/internal/cache"
	"github.com/stocklens/stocklens/internal/config"
	"github.com/stocklens/stocklens/internal/fx"
	"github.com/stocklens/stocklens/internal/httpapi"
	"github.com/stocklens/stocklens/internal/maintenance"
	"github.com/stocklens/stocklens/internal/marketdata"
	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/storage"
	"github.com/stocklens/stocklens/internal/storage/postgres"
	"github.com/stocklens/stocklens/internal/storage/sqlite"
)

// newLogger builds the process logger. Every component derives its own
// sub-logger from this one via With().Str("component", ...), so the root
// stays bare: service tag, timestamp, level.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Str("service", "stocklens").
		Timestamp().
		Logger()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache fabric and its HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := newLogger(cfg)
	zlog.Logger = log

	var store storage.Store
	switch cfg.Mode {
	case config.StorageHosted:
		pgCfg := postgres.DefaultConfig(cfg.PostgresDSN)
		pgCfg.MaxOpenConns = cfg.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.MaxIdleConns
		pgCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		pgCfg.QueryTimeout = cfg.QueryTimeout
		store, err = postgres.Open(pgCfg, log)
	default:
		store, err = sqlite.Open(cfg.SQLitePath, log)
	}
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	log.Info().Str("mode", string(cfg.Mode)).Msg("storage ready")

	met := metrics.New()

	memory, err := cache.NewMemoryTier(cfg.MaxMemoryEntries)
	if err != nil {
		return fmt.Errorf("failed to build memory tier: %w", err)
	}

	var redisTier *cache.RedisTier
	if cfg.RedisAddr != "" {
		redisTier = cache.NewRedisTier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		defer redisTier.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("distributed tier enabled")
	}

	cacheManager := cache.NewManager(memory, redisTier, store, met, log)

	upstream := marketdata.NewClient("", cfg.MarketDataAPIKey, cfg.AllowApproxOHLC, log)
	orchestrator := analysis.New(cacheManager, store, upstream, met, log)

	var fxService *fx.Service
	if cfg.FxEnabled {
		providers := []fx.Provider{
			fx.NewPairProvider("", cfg.FxAPIKey, log),
			fx.NewOpenProvider("", log),
			fx.NewHostProvider("", cfg.FxAPIKey, log),
		}
		fxService = fx.New(store, providers, met, log)
	}

	loop := maintenance.New(cacheManager, store, met, cfg.MaintenanceInterval, cfg.MaxMemoryEntries, log)
	if err := loop.Start(); err != nil {
		return err
	}
	defer loop.Stop()

	handlers := httpapi.NewHandlers(orchestrator, cacheManager, store, fxService, met, log)
	server := httpapi.NewServer(httpapi.DefaultServerConfig(cfg.Port), handlers, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("draining")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
