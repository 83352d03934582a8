package gormstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coinflux/internal/market"
	storemodel "coinflux/internal/store/model"

	"gorm.io/gorm"
)

// CachedCandle is a kline cache row read back out of the store.
type CachedCandle struct {
	Candle    market.Candle
	CreatedAt time.Time
}

// CacheStats summarizes the kline cache contents.
type CacheStats struct {
	TotalRows     int64     `json:"total_rows"`
	UniqueSymbols int64     `json:"unique_symbols"`
	OldestData    time.Time `json:"oldest_data"`
	NewestData    time.Time `json:"newest_data"`
}

// ReplaceKlineWindow atomically swaps the cached window for one
// (symbol, kind, interval) triple: delete everything under the triple, then
// bulk-insert the new candles. Running both inside one transaction means a
// failed insert leaves the previous window untouched instead of an empty
// key.
func (s *Store) ReplaceKlineWindow(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gormstore not initialized")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("gormstore: symbol is required")
	}
	now := time.Now().Unix()
	models := make([]storemodel.KlineCacheModel, 0, len(candles))
	for _, c := range candles {
		models = append(models, storemodel.KlineCacheModel{
			Symbol:        symbol,
			DataKind:      string(kind),
			Interval:      string(interval),
			Timestamp:     c.Timestamp.UnixMilli(),
			Open:          c.Open,
			High:          c.High,
			Low:           c.Low,
			Close:         c.Close,
			Volume:        c.Volume,
			Turnover:      c.Turnover,
			CreatedAtUnix: now,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("symbol = ? AND data_kind = ? AND interval = ?", symbol, string(kind), string(interval)).
			Delete(&storemodel.KlineCacheModel{}).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.CreateInBatches(&models, s.batchSize).Error
	})
	if err != nil {
		return 0, fmt.Errorf("replace kline window %s/%s/%s: %w", symbol, kind, interval, err)
	}
	return len(models), nil
}

// LatestKlineCreatedAt reports when the triple's cache was last written.
// The bool is false when no rows exist.
func (s *Store) LatestKlineCreatedAt(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, fmt.Errorf("gormstore not initialized")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var newest int64
	row := s.db.WithContext(ctx).Model(&storemodel.KlineCacheModel{}).
		Where("symbol = ? AND data_kind = ? AND interval = ?", symbol, string(kind), string(interval)).
		Select("COALESCE(MAX(created_at), 0)").
		Row()
	if err := row.Scan(&newest); err != nil {
		return time.Time{}, false, err
	}
	if newest == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(newest, 0), true, nil
}

// CountKlinesSince counts cached candles whose timestamp falls inside the
// window starting at since.
func (s *Store) CountKlinesSince(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gormstore not initialized")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var count int64
	err := s.db.WithContext(ctx).Model(&storemodel.KlineCacheModel{}).
		Where("symbol = ? AND data_kind = ? AND interval = ? AND timestamp >= ?",
			symbol, string(kind), string(interval), since.UnixMilli()).
		Count(&count).Error
	return count, err
}

// FindKlines returns the cached window ascending by timestamp.
func (s *Store) FindKlines(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) ([]CachedCandle, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gormstore not initialized")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var models []storemodel.KlineCacheModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND data_kind = ? AND interval = ? AND timestamp >= ?",
			symbol, string(kind), string(interval), since.UnixMilli()).
		Order("timestamp ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]CachedCandle, 0, len(models))
	for _, m := range models {
		out = append(out, CachedCandle{
			Candle: market.Candle{
				Timestamp: time.UnixMilli(m.Timestamp).UTC(),
				Open:      m.Open,
				High:      m.High,
				Low:       m.Low,
				Close:     m.Close,
				Volume:    m.Volume,
				Turnover:  m.Turnover,
			},
			CreatedAt: time.Unix(m.CreatedAtUnix, 0),
		})
	}
	return out, nil
}

// CleanupKlinesBefore deletes cache rows written before cutoff and returns
// how many went away.
func (s *Store) CleanupKlinesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gormstore not initialized")
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.Unix()).
		Delete(&storemodel.KlineCacheModel{})
	return res.RowsAffected, res.Error
}

// KlineStats summarizes the cache for the stats endpoint.
func (s *Store) KlineStats(ctx context.Context) (CacheStats, error) {
	if s == nil || s.db == nil {
		return CacheStats{}, fmt.Errorf("gormstore not initialized")
	}
	var stats struct {
		Total   int64
		Symbols int64
		Oldest  int64
		Newest  int64
	}
	row := s.db.WithContext(ctx).Model(&storemodel.KlineCacheModel{}).
		Select("COUNT(*) AS total, COUNT(DISTINCT symbol) AS symbols, COALESCE(MIN(timestamp), 0) AS oldest, COALESCE(MAX(timestamp), 0) AS newest").
		Row()
	if err := row.Scan(&stats.Total, &stats.Symbols, &stats.Oldest, &stats.Newest); err != nil {
		return CacheStats{}, err
	}
	out := CacheStats{TotalRows: stats.Total, UniqueSymbols: stats.Symbols}
	if stats.Oldest > 0 {
		out.OldestData = time.UnixMilli(stats.Oldest).UTC()
	}
	if stats.Newest > 0 {
		out.NewestData = time.UnixMilli(stats.Newest).UTC()
	}
	return out, nil
}
