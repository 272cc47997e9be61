// Package maintenance runs the periodic reaping loop: in-process sweep,
// persistent metadata reap, and metrics refresh. Failures are logged
// and the loop continues; it never blocks reads.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stocklens/stocklens/internal/cache"
	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/storage"
)

// Loop owns the single background maintenance task.
type Loop struct {
	cron     *cron.Cron
	cache    *cache.Manager
	store    storage.Store
	met      *metrics.Metrics
	log      zerolog.Logger
	interval time.Duration
	maxSize  int
}

// New builds the loop. maxSize <= 0 disables size enforcement.
func New(c *cache.Manager, store storage.Store, met *metrics.Metrics, interval time.Duration, maxSize int, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Loop{
		cron:     cron.New(),
		cache:    c,
		store:    store,
		met:      met,
		log:      log.With().Str("component", "maintenance").Logger(),
		interval: interval,
		maxSize:  maxSize,
	}
}

// Start registers and starts the periodic job. Only one instance runs;
// cron skips a tick if the previous run is still active.
func (l *Loop) Start() error {
	schedule := fmt.Sprintf("@every %s", l.interval)
	_, err := l.cron.AddJob(schedule, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(l.RunOnce)))
	if err != nil {
		return fmt.Errorf("failed to register maintenance job: %w", err)
	}
	l.cron.Start()
	l.log.Info().Dur("interval", l.interval).Msg("maintenance loop started")
	return nil
}

// Stop drains the loop.
func (l *Loop) Stop() {
	ctx := l.cron.Stop()
	<-ctx.Done()
	l.log.Info().Msg("maintenance loop stopped")
}

// RunOnce executes a single maintenance pass.
func (l *Loop) RunOnce() {
	swept := l.cache.SweepExpired()
	if swept > 0 {
		l.log.Debug().Int("swept", swept).Msg("dropped expired in-process entries")
	}

	if l.maxSize > 0 {
		if evicted := l.cache.EnforceMaxSize(l.maxSize); evicted > 0 {
			l.log.Debug().Int("evicted", evicted).Msg("enforced in-process size cap")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped, err := l.store.ReapExpiredCache(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to reap expired cache metadata")
	} else {
		l.met.Reaped(reaped)
		if reaped > 0 {
			l.log.Debug().Int64("reaped", reaped).Msg("deleted expired cache metadata")
		}
	}

	stats := l.cache.Stats()
	l.log.Info().
		Int64("memory_hits", stats.MemoryHits).
		Int64("misses", stats.Misses).
		Int64("evictions", stats.Evictions).
		Int("entries", stats.Entries).
		Msg("maintenance pass complete")
}
