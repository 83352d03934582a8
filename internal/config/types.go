package config

// Config is the full coinflux configuration.
type Config struct {
	App     AppConfig     `toml:"app"`
	Sources SourcesConfig `toml:"sources"`
	Ingest  IngestConfig  `toml:"ingest"`
	Cache   CacheConfig   `toml:"cache"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	HTTPAddr      string `toml:"http_addr"`
	LogPath       string `toml:"log_path"`
	WatchlistPath string `toml:"watchlist_path"`
}

// SourcesConfig groups the upstream API endpoints. Base URLs are
// overridable so tests and region mirrors can point elsewhere.
type SourcesConfig struct {
	Bybit     SourceConfig `toml:"bybit"`
	Binance   SourceConfig `toml:"binance"`
	DefiLlama SourceConfig `toml:"defillama"`
}

type SourceConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

// IngestConfig tunes the pipelines.
type IngestConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	MaxAssets       int `toml:"max_assets"`
	ProtocolLimit   int `toml:"protocol_limit"`
	ChunkSize       int `toml:"chunk_size"`
	ChunkPauseMS    int `toml:"chunk_pause_ms"`
	MaxConcurrency  int `toml:"max_concurrency"`
	MaxRetries      int `toml:"max_retries"`
	TimeoutSeconds  int `toml:"timeout_seconds"`
}

// CacheConfig tunes the kline cache and its freshness policy.
type CacheConfig struct {
	Path           string  `toml:"path"`
	MaxAgeHours    int     `toml:"max_age_hours"`
	MinCoverage    float64 `toml:"min_coverage"`
	RetentionDays  int     `toml:"retention_days"`
	CleanupHourUTC int     `toml:"cleanup_hour_utc"`
}

type keySet map[string]struct{}

func (k keySet) isSet(key string) bool {
	if k == nil {
		return false
	}
	_, ok := k[key]
	return ok
}
