package app

import (
	"fmt"
	"time"

	"coinflux/internal/cache"
	cfcfg "coinflux/internal/config"
	"coinflux/internal/config/loader"
	"coinflux/internal/fetcher"
	"coinflux/internal/ingest"
	"coinflux/internal/logger"
	"coinflux/internal/store/gormstore"
	apihttp "coinflux/internal/transport/http"
)

// buildApp assembles the dependency graph: store, cache engine, watchlist,
// processor, HTTP server. Construction only; nothing starts running here.
func buildApp(cfg *cfcfg.Config) (*App, error) {
	store, err := gormstore.New(gormstore.Options{
		Path:      cfg.Cache.Path,
		BatchSize: cfg.Ingest.ChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	engine := cache.NewEngine(store, cache.Options{
		MaxAge:      time.Duration(cfg.Cache.MaxAgeHours) * time.Hour,
		MinCoverage: cfg.Cache.MinCoverage,
	})

	watchlist, err := loader.LoadWatchlist(cfg.App.WatchlistPath)
	if err != nil {
		// The service still ingests snapshots without a watchlist; only the
		// kline backfill goes missing.
		logger.Warnf("watchlist unavailable, kline backfill disabled: %v", err)
		watchlist = nil
	}

	processor, err := ingest.NewProcessor(ingest.Deps{
		Config: ingest.Config{
			MaxAssets:      cfg.Ingest.MaxAssets,
			ProtocolLimit:  cfg.Ingest.ProtocolLimit,
			ChunkSize:      cfg.Ingest.ChunkSize,
			ChunkPause:     time.Duration(cfg.Ingest.ChunkPauseMS) * time.Millisecond,
			MaxConcurrency: cfg.Ingest.MaxConcurrency,
		},
		NewPrimary:   priceSourceFactory(cfg, primarySource),
		NewSecondary: priceSourceFactory(cfg, secondarySource),
		NewProtocols: protocolSourceOrNil(cfg),
		Store:        store,
		Cache:        engine,
		Watch:        watchOrNil(watchlist),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Pipeline: processor,
		Stats:    store,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building http server: %w", err)
	}

	return &App{
		cfg:       cfg,
		store:     store,
		watchlist: watchlist,
		processor: processor,
		server:    server,
	}, nil
}

type sourceRole int

const (
	primarySource sourceRole = iota
	secondarySource
)

// priceSourceFactory returns a constructor invoked once per run, so every
// run gets its own connections. When one exchange is disabled both roles
// fall back to the enabled one.
func priceSourceFactory(cfg *cfcfg.Config, role sourceRole) func() ingest.PriceSource {
	timeout := time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second
	retries := cfg.Ingest.MaxRetries

	useBybit := cfg.Sources.Bybit.Enabled
	if role == secondarySource && cfg.Sources.Binance.Enabled {
		useBybit = false
	}
	if useBybit {
		return func() ingest.PriceSource {
			return fetcher.NewBybitSource(fetcher.BybitConfig{
				BaseURL:    cfg.Sources.Bybit.BaseURL,
				Timeout:    timeout,
				MaxRetries: retries,
			})
		}
	}
	return func() ingest.PriceSource {
		return fetcher.NewBinanceSource(fetcher.BinanceConfig{
			BaseURL:    cfg.Sources.Binance.BaseURL,
			Timeout:    timeout,
			MaxRetries: retries,
		})
	}
}

// protocolSourceOrNil honors the defillama toggle: nil switches the whole
// protocol domain off in the processor.
func protocolSourceOrNil(cfg *cfcfg.Config) func() ingest.ProtocolSource {
	if !cfg.Sources.DefiLlama.Enabled {
		logger.Infof("defillama source disabled, protocol ingestion off")
		return nil
	}
	timeout := time.Duration(cfg.Ingest.TimeoutSeconds) * time.Second
	retries := cfg.Ingest.MaxRetries
	return func() ingest.ProtocolSource {
		return fetcher.NewLlamaSource(fetcher.LlamaConfig{
			BaseURL:    cfg.Sources.DefiLlama.BaseURL,
			Timeout:    timeout,
			MaxRetries: retries,
		})
	}
}

// watchOrNil avoids handing the processor a typed nil interface.
func watchOrNil(w *loader.Watchlist) ingest.Watch {
	if w == nil {
		return nil
	}
	return w
}
