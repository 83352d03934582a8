package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Sources.validate(); err != nil {
		return err
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	return nil
}

func (s *SourcesConfig) validate() error {
	if !s.Bybit.Enabled && !s.Binance.Enabled {
		return fmt.Errorf("sources: at least one price source must be enabled")
	}
	for name, src := range map[string]SourceConfig{
		"bybit":     s.Bybit,
		"binance":   s.Binance,
		"defillama": s.DefiLlama,
	} {
		if src.Enabled && strings.TrimSpace(src.BaseURL) == "" {
			return fmt.Errorf("sources.%s.base_url cannot be empty when enabled", name)
		}
	}
	return nil
}

func (i *IngestConfig) validate() error {
	if i.IntervalMinutes < 1 {
		return fmt.Errorf("ingest.interval_minutes must be >= 1")
	}
	if i.ChunkSize < 1 {
		return fmt.Errorf("ingest.chunk_size must be >= 1")
	}
	if i.ChunkPauseMS < 0 {
		return fmt.Errorf("ingest.chunk_pause_ms must be >= 0")
	}
	if i.MaxConcurrency < 1 {
		return fmt.Errorf("ingest.max_concurrency must be >= 1")
	}
	if i.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must be >= 0")
	}
	if i.TimeoutSeconds < 1 {
		return fmt.Errorf("ingest.timeout_seconds must be >= 1")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("cache.path cannot be empty")
	}
	if c.MaxAgeHours < 1 {
		return fmt.Errorf("cache.max_age_hours must be >= 1")
	}
	if c.MinCoverage <= 0 || c.MinCoverage > 1 {
		return fmt.Errorf("cache.min_coverage must be in (0, 1]")
	}
	if c.CleanupHourUTC < 0 || c.CleanupHourUTC > 23 {
		return fmt.Errorf("cache.cleanup_hour_utc must be in [0, 23]")
	}
	return nil
}
