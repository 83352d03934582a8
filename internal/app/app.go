// Package app wires configuration into a running ingestion service.
package app

import (
	"context"
	"fmt"
	"time"

	cfcfg "coinflux/internal/config"
	"coinflux/internal/config/loader"
	"coinflux/internal/ingest"
	"coinflux/internal/logger"
	"coinflux/internal/scheduler"
	"coinflux/internal/store/gormstore"
	apihttp "coinflux/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns the service lifecycle: scheduled ingestion runs, the HTTP API,
// and the nightly cache retention sweep.
type App struct {
	cfg       *cfcfg.Config
	store     *gormstore.Store
	watchlist *loader.Watchlist
	processor *ingest.Processor
	server    *apihttp.Server
}

// NewApp builds the application from config without starting it.
func NewApp(cfg *cfcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildApp(cfg)
}

// Run starts the HTTP server, the aligned ingest loop, and the retention
// sweep, then blocks until ctx cancels or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		sched := scheduler.NewAlignedScheduler(ctx, time.Duration(a.cfg.Ingest.IntervalMinutes)*time.Minute, 0)
		sched.RunImmediately = true
		sched.Start(func() {
			a.processor.RunAll(ctx)
		})
		return nil
	})

	if a.cfg.Cache.RetentionDays > 0 {
		group.Go(func() error {
			scheduler.DailyAt(ctx, a.cfg.Cache.CleanupHourUTC, func() {
				cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Cache.RetentionDays)
				removed, err := a.store.CleanupKlinesBefore(ctx, cutoff)
				if err != nil {
					logger.Warnf("cache retention sweep failed: %v", err)
					return
				}
				logger.Infof("cache retention sweep removed %d rows older than %s", removed, cutoff.Format(time.RFC3339))
			})
			return nil
		})
	}

	logger.Infof("coinflux running: http=%s interval=%dm", a.server.Addr(), a.cfg.Ingest.IntervalMinutes)
	return group.Wait()
}

// Processor exposes the pipeline for test harnesses.
func (a *App) Processor() *ingest.Processor {
	if a == nil {
		return nil
	}
	return a.processor
}

func (a *App) close() {
	if a.watchlist != nil {
		_ = a.watchlist.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
