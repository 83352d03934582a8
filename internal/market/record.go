package market

import (
	"strings"
	"time"
)

// SourceTag records which upstream API contributed a record's fields.
type SourceTag string

const (
	SourceBybit    SourceTag = "bybit"
	SourceBinance  SourceTag = "binance"
	SourceLlama    SourceTag = "defillama"
	SourceCombined SourceTag = "combined"
)

// DataKind partitions cached history by what the numbers mean.
type DataKind string

const (
	KindCrypto DataKind = "crypto"
	KindDefi   DataKind = "defi"
)

// Record is the canonical per-entity shape every fetcher normalizes into.
// Numeric fields a source cannot provide stay zero; the merge step never
// fills them from another source (whole-record override, see merger).
type Record struct {
	EntityID string
	Symbol   string
	Name     string

	Price        float64
	ChangePct24h float64
	High24h      float64
	Low24h       float64
	Volume24h    float64
	MarketCap    float64

	// Protocol fields (defi domain only).
	Category string
	Chain    string
	TVL      float64

	Timestamp time.Time
	Source    SourceTag
}

// EntityID derives the canonical identity key from a source-specific
// identifier: lower-cased, spaces collapsed to dashes. Records from
// different sources about the same asset must map to the same key.
func EntityID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(id, " ", "-")
}
