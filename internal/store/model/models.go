// Package model holds the gorm table definitions for the ingestion store.
package model

import "gorm.io/datatypes"

// CryptocurrencyModel is a dimension row: one per tracked asset, updated in
// place on re-ingestion. Sources keeps the provenance tags of the merge that
// produced the latest update.
type CryptocurrencyModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EntityID      string         `gorm:"column:entity_id;uniqueIndex"`
	Symbol        string         `gorm:"column:symbol;index"`
	Name          string         `gorm:"column:name"`
	Sources       datatypes.JSON `gorm:"column:sources"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (CryptocurrencyModel) TableName() string { return "cryptocurrencies" }

// ProtocolModel is the DeFi protocol dimension row.
type ProtocolModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EntityID      string         `gorm:"column:entity_id;uniqueIndex"`
	Name          string         `gorm:"column:name"`
	Category      string         `gorm:"column:category"`
	Chain         string         `gorm:"column:chain"`
	TVL           float64        `gorm:"column:tvl"`
	Sources       datatypes.JSON `gorm:"column:sources"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (ProtocolModel) TableName() string { return "defi_protocols" }

// PricePointModel is append-only history; rows are never updated.
type PricePointModel struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	EntityID     string  `gorm:"column:entity_id;index:idx_price_entity_ts"`
	Timestamp    int64   `gorm:"column:timestamp;index:idx_price_entity_ts"`
	PriceUSD     float64 `gorm:"column:price_usd"`
	Volume24h    float64 `gorm:"column:volume_24h"`
	MarketCap    float64 `gorm:"column:market_cap"`
	ChangePct24h float64 `gorm:"column:change_pct_24h"`
	Source       string  `gorm:"column:source"`
}

func (PricePointModel) TableName() string { return "price_history" }

// TVLPointModel is append-only TVL history.
type TVLPointModel struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	EntityID     string  `gorm:"column:entity_id;index:idx_tvl_entity_ts"`
	Timestamp    int64   `gorm:"column:timestamp;index:idx_tvl_entity_ts"`
	TVL          float64 `gorm:"column:tvl"`
	ChangePct24h float64 `gorm:"column:change_pct_24h"`
	Source       string  `gorm:"column:source"`
}

func (TVLPointModel) TableName() string { return "tvl_history" }

// KlineCacheModel stores one cached candle. The composite unique index is
// the row identity: re-ingesting the same candle replaces, never duplicates.
type KlineCacheModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Symbol        string  `gorm:"column:symbol;uniqueIndex:idx_kline_key"`
	DataKind      string  `gorm:"column:data_kind;uniqueIndex:idx_kline_key"`
	Interval      string  `gorm:"column:interval;uniqueIndex:idx_kline_key"`
	Timestamp     int64   `gorm:"column:timestamp;uniqueIndex:idx_kline_key"`
	Open          float64 `gorm:"column:open_price"`
	High          float64 `gorm:"column:high_price"`
	Low           float64 `gorm:"column:low_price"`
	Close         float64 `gorm:"column:close_price"`
	Volume        float64 `gorm:"column:volume"`
	Turnover      float64 `gorm:"column:turnover"`
	CreatedAtUnix int64   `gorm:"column:created_at;index"`
}

func (KlineCacheModel) TableName() string { return "kline_cache" }
