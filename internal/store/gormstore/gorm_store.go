// Package gormstore implements the ingestion store on gorm + SQLite.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coinflux/internal/market"
	storemodel "coinflux/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store owns every persisted row; no other component writes the tables
// directly. One Store is shared across the concurrent domain pipelines.
type Store struct {
	db        *gorm.DB
	batchSize int
}

// Options tunes store construction.
type Options struct {
	// Path of the sqlite file; ":memory:" style DSNs work for tests.
	Path string
	// BatchSize bounds bulk insert statements. Defaults to 100.
	BatchSize int
}

func New(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("gormstore: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&storemodel.CryptocurrencyModel{},
		&storemodel.ProtocolModel{},
		&storemodel.PricePointModel{},
		&storemodel.TVLPointModel{},
		&storemodel.KlineCacheModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep the connection count small, both domain pipelines
	// share this handle.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Store{db: db, batchSize: batchSize}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------------- Dimension upserts ---------------------------

// UpsertCryptocurrencies inserts-or-updates one dimension row per entity.
// Existing rows keep their created_at; everything else follows the new data.
func (s *Store) UpsertCryptocurrencies(ctx context.Context, recs []market.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gormstore not initialized")
	}
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	models := make([]storemodel.CryptocurrencyModel, 0, len(recs))
	for _, rec := range recs {
		if rec.EntityID == "" {
			continue
		}
		models = append(models, storemodel.CryptocurrencyModel{
			EntityID:      rec.EntityID,
			Symbol:        strings.ToUpper(strings.TrimSpace(rec.Symbol)),
			Name:          strings.TrimSpace(rec.Name),
			Sources:       sourcesJSON(rec.Source),
			CreatedAtUnix: now,
			UpdatedAtUnix: now,
		})
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"symbol", "name", "sources", "updated_at"}),
		}).
		CreateInBatches(&models, s.batchSize).Error
}

// UpsertProtocols is the DeFi counterpart of UpsertCryptocurrencies.
func (s *Store) UpsertProtocols(ctx context.Context, recs []market.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gormstore not initialized")
	}
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	models := make([]storemodel.ProtocolModel, 0, len(recs))
	for _, rec := range recs {
		if rec.EntityID == "" {
			continue
		}
		models = append(models, storemodel.ProtocolModel{
			EntityID:      rec.EntityID,
			Name:          strings.TrimSpace(rec.Name),
			Category:      rec.Category,
			Chain:         rec.Chain,
			TVL:           rec.TVL,
			Sources:       sourcesJSON(rec.Source),
			CreatedAtUnix: now,
			UpdatedAtUnix: now,
		})
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "category", "chain", "tvl", "sources", "updated_at"}),
		}).
		CreateInBatches(&models, s.batchSize).Error
}

// --------------------------- History appends -----------------------------

// AppendPricePoints inserts price history rows. History is append-only;
// there is no conflict target and no update path.
func (s *Store) AppendPricePoints(ctx context.Context, recs []market.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gormstore not initialized")
	}
	models := make([]storemodel.PricePointModel, 0, len(recs))
	for _, rec := range recs {
		if rec.EntityID == "" {
			continue
		}
		models = append(models, storemodel.PricePointModel{
			EntityID:     rec.EntityID,
			Timestamp:    rec.Timestamp.UnixMilli(),
			PriceUSD:     rec.Price,
			Volume24h:    rec.Volume24h,
			MarketCap:    rec.MarketCap,
			ChangePct24h: rec.ChangePct24h,
			Source:       string(rec.Source),
		})
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(&models, s.batchSize).Error
}

// AppendTVLPoints inserts TVL history rows, append-only like price points.
func (s *Store) AppendTVLPoints(ctx context.Context, recs []market.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gormstore not initialized")
	}
	models := make([]storemodel.TVLPointModel, 0, len(recs))
	for _, rec := range recs {
		if rec.EntityID == "" {
			continue
		}
		models = append(models, storemodel.TVLPointModel{
			EntityID:     rec.EntityID,
			Timestamp:    rec.Timestamp.UnixMilli(),
			TVL:          rec.TVL,
			ChangePct24h: rec.ChangePct24h,
			Source:       string(rec.Source),
		})
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(&models, s.batchSize).Error
}

// --------------------------- Helpers -------------------------------------

func sourcesJSON(tag market.SourceTag) datatypes.JSON {
	tags := []string{string(tag)}
	if tag == market.SourceCombined {
		tags = []string{string(market.SourceBybit), string(market.SourceBinance)}
	}
	raw, _ := json.Marshal(tags)
	return datatypes.JSON(raw)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
