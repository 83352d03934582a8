package fetcher

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"coinflux/internal/market"
	"coinflux/internal/pkg/convert"
)

// LlamaSource normalizes DefiLlama protocol data. The API is free and
// unauthenticated; the protocol list is flat JSON, so a typed decode is
// enough here.
type LlamaSource struct {
	cfg    LlamaConfig
	client *Client
}

type LlamaConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffUnit time.Duration
}

func (c *LlamaConfig) withDefaults() LlamaConfig {
	out := *c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = "https://api.llama.fi"
	}
	return out
}

func NewLlamaSource(cfg LlamaConfig) *LlamaSource {
	final := cfg.withDefaults()
	return &LlamaSource{
		cfg: final,
		client: NewClient(ClientConfig{
			Source:      string(market.SourceLlama),
			Timeout:     final.Timeout,
			MaxRetries:  final.MaxRetries,
			BackoffUnit: final.BackoffUnit,
		}),
	}
}

func (s *LlamaSource) Close() {
	if s != nil {
		s.client.Close()
	}
}

type llamaProtocol struct {
	ID       string   `json:"id"`
	Slug     string   `json:"slug"`
	Name     string   `json:"name"`
	Symbol   string   `json:"symbol"`
	Category string   `json:"category"`
	Chain    string   `json:"chain"`
	Chains   []string `json:"chains"`
	// tvl and change_1d arrive as numbers, strings, or null depending on the
	// protocol; decode loosely and coerce.
	TVL      any `json:"tvl"`
	Change1d any `json:"change_1d"`
}

// FetchProtocols returns normalized records for DeFi protocols, at most
// limit entries (the upstream list is ordered by TVL descending). limit <= 0
// means no cap.
func (s *LlamaSource) FetchProtocols(ctx context.Context, limit int) ([]market.Record, error) {
	body, err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/protocols", nil)
	if err != nil {
		return nil, err
	}
	var protocols []llamaProtocol
	if err := json.Unmarshal(body, &protocols); err != nil {
		return nil, &ProtocolError{Source: string(market.SourceLlama), Detail: "decode protocols: " + err.Error()}
	}

	now := time.Now().UTC()
	records := make([]market.Record, 0, len(protocols))
	for _, p := range protocols {
		if limit > 0 && len(records) >= limit {
			break
		}
		slug := strings.TrimSpace(p.Slug)
		if slug == "" {
			slug = p.Name
		}
		id := market.EntityID(slug)
		if id == "" {
			continue
		}
		chain := strings.TrimSpace(p.Chain)
		if chain == "" && len(p.Chains) > 0 {
			chain = p.Chains[0]
		}
		records = append(records, market.Record{
			EntityID:     id,
			Symbol:       strings.TrimSpace(p.Symbol),
			Name:         strings.TrimSpace(p.Name),
			Category:     orUnknown(p.Category),
			Chain:        orUnknown(chain),
			TVL:          convert.ToFloat64(p.TVL),
			ChangePct24h: convert.ToFloat64(p.Change1d),
			Timestamp:    now,
			Source:       market.SourceLlama,
		})
	}
	return records, nil
}

type llamaTVLHistory struct {
	TVL []struct {
		Date         int64   `json:"date"`
		TotalLiquity float64 `json:"totalLiquidityUSD"`
	} `json:"tvl"`
}

// FetchTVLHistory returns the per-day TVL series for one protocol slug as
// candles with only Close populated (TVL has no OHLC shape upstream).
func (s *LlamaSource) FetchTVLHistory(ctx context.Context, slug string, days int) ([]market.Candle, error) {
	slug = market.EntityID(slug)
	if slug == "" {
		return nil, &ProtocolError{Source: string(market.SourceLlama), Detail: "protocol slug is required"}
	}
	body, err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/protocol/"+slug, nil)
	if err != nil {
		return nil, err
	}
	var hist llamaTVLHistory
	if err := json.Unmarshal(body, &hist); err != nil {
		return nil, &ProtocolError{Source: string(market.SourceLlama), Detail: "decode tvl history: " + err.Error()}
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	candles := make([]market.Candle, 0, len(hist.TVL))
	for _, point := range hist.TVL {
		ts := time.Unix(point.Date, 0).UTC()
		if days > 0 && ts.Before(cutoff) {
			continue
		}
		candles = append(candles, market.Candle{
			Timestamp: ts,
			Close:     point.TotalLiquity,
		})
	}
	return candles, nil
}

func orUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "Unknown"
	}
	return v
}
