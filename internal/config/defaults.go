package config

import "strings"

const (
	defaultAppEnv        = "dev"
	defaultAppLogLevel   = "info"
	defaultAppHTTPAddr   = ":9980"
	defaultAppLogPath    = "data/logs/coinflux.log"
	defaultWatchlistPath = "configs/watchlist.yaml"

	defaultBybitURL   = "https://api.bybit.com/v5"
	defaultBinanceURL = "https://api.binance.com"
	defaultLlamaURL   = "https://api.llama.fi"

	defaultIngestInterval    = 60
	defaultMaxAssets         = 250
	defaultProtocolLimit     = 100
	defaultChunkSize         = 100
	defaultChunkPauseMS      = 100
	defaultMaxConcurrency    = 5
	defaultMaxRetries        = 3
	defaultTimeoutSeconds    = 30
	defaultCachePath         = "data/db/coinflux.db"
	defaultCacheMaxAgeHours  = 4
	defaultCacheMinCoverage  = 0.8
	defaultCacheRetention    = 90
	defaultCacheCleanupHour  = 3
)

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Sources.applyDefaults(keys)
	c.Ingest.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.watchlist_path", &a.WatchlistPath, defaultWatchlistPath),
	)
}

func (s *SourcesConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("sources.bybit.enabled", &s.Bybit.Enabled, true),
		boolFieldDefault("sources.binance.enabled", &s.Binance.Enabled, true),
		boolFieldDefault("sources.defillama.enabled", &s.DefiLlama.Enabled, true),
		stringFieldDefault("sources.bybit.base_url", &s.Bybit.BaseURL, defaultBybitURL),
		stringFieldDefault("sources.binance.base_url", &s.Binance.BaseURL, defaultBinanceURL),
		stringFieldDefault("sources.defillama.base_url", &s.DefiLlama.BaseURL, defaultLlamaURL),
	)
}

func (i *IngestConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("ingest.interval_minutes", &i.IntervalMinutes, defaultIngestInterval),
		intFieldDefault("ingest.max_assets", &i.MaxAssets, defaultMaxAssets),
		intFieldDefault("ingest.protocol_limit", &i.ProtocolLimit, defaultProtocolLimit),
		intFieldDefault("ingest.chunk_size", &i.ChunkSize, defaultChunkSize),
		intFieldDefault("ingest.chunk_pause_ms", &i.ChunkPauseMS, defaultChunkPauseMS),
		intFieldDefault("ingest.max_concurrency", &i.MaxConcurrency, defaultMaxConcurrency),
		intFieldDefault("ingest.max_retries", &i.MaxRetries, defaultMaxRetries),
		intFieldDefault("ingest.timeout_seconds", &i.TimeoutSeconds, defaultTimeoutSeconds),
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("cache.path", &c.Path, defaultCachePath),
		intFieldDefault("cache.max_age_hours", &c.MaxAgeHours, defaultCacheMaxAgeHours),
		floatFieldDefault("cache.min_coverage", &c.MinCoverage, defaultCacheMinCoverage),
		intFieldDefault("cache.retention_days", &c.RetentionDays, defaultCacheRetention),
		intFieldDefault("cache.cleanup_hour_utc", &c.CleanupHourUTC, defaultCacheCleanupHour),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target == 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
