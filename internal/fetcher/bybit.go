package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"coinflux/internal/market"

	"github.com/tidwall/gjson"
)

// Bybit caps a single kline request at 1000 points regardless of need.
const bybitMaxLimit = 1000

// BybitSource normalizes Bybit v5 public market data. Public endpoints need
// no API key. A run constructs one source, uses it, and closes it.
type BybitSource struct {
	cfg    BybitConfig
	client *Client
}

type BybitConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffUnit time.Duration
}

func (c *BybitConfig) withDefaults() BybitConfig {
	out := *c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = "https://api.bybit.com/v5"
	}
	return out
}

func NewBybitSource(cfg BybitConfig) *BybitSource {
	final := cfg.withDefaults()
	return &BybitSource{
		cfg: final,
		client: NewClient(ClientConfig{
			Source:      string(market.SourceBybit),
			Timeout:     final.Timeout,
			MaxRetries:  final.MaxRetries,
			BackoffUnit: final.BackoffUnit,
		}),
	}
}

func (s *BybitSource) Close() {
	if s != nil {
		s.client.Close()
	}
}

// FetchSpotTickers returns one normalized record per USDT spot pair, sorted
// by 24h volume descending (volume stands in for popularity; Bybit has no
// market cap or rank).
func (s *BybitSource) FetchSpotTickers(ctx context.Context) ([]market.Record, error) {
	params := url.Values{}
	params.Set("category", "spot")
	body, err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/market/tickers", params)
	if err != nil {
		return nil, err
	}
	list, err := s.resultList(body)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]market.Record, 0, len(list))
	for _, item := range list {
		symbol := item.Get("symbol").String()
		if !strings.HasSuffix(symbol, "USDT") {
			continue
		}
		base := strings.TrimSuffix(symbol, "USDT")
		records = append(records, market.Record{
			EntityID: market.EntityID(base),
			Symbol:   base,
			// Bybit does not expose full asset names.
			Name:         base,
			Price:        item.Get("lastPrice").Float(),
			ChangePct24h: item.Get("price24hPcnt").Float() * 100,
			High24h:      item.Get("highPrice24h").Float(),
			Low24h:       item.Get("lowPrice24h").Float(),
			Volume24h:    item.Get("volume24h").Float(),
			Timestamp:    now,
			Source:       market.SourceBybit,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Volume24h > records[j].Volume24h
	})
	return records, nil
}

// FetchKlines pulls candle history for the requested window. Granularity
// follows the window length and the request limit is the smaller of the
// theoretical point count and Bybit's 1000-point cap.
func (s *BybitSource) FetchKlines(ctx context.Context, symbol string, days int) ([]market.Candle, market.Interval, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, "", &ProtocolError{Source: string(market.SourceBybit), Detail: "symbol is required"}
	}
	if days <= 0 {
		days = 30
	}
	interval := market.IntervalForWindow(days)
	limit := interval.ExpectedPoints(days)
	if limit > bybitMaxLimit {
		limit = bybitMaxLimit
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol+"USDT")
	params.Set("interval", string(interval))
	params.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	body, err := s.client.GetJSON(ctx, s.cfg.BaseURL+"/market/kline", params)
	if err != nil {
		return nil, "", err
	}
	list, err := s.resultList(body)
	if err != nil {
		return nil, "", err
	}

	candles := make([]market.Candle, 0, len(list))
	for _, row := range list {
		// Kline rows are tuples: [start, open, high, low, close, volume, turnover].
		tuple := row.Array()
		if len(tuple) < 7 {
			continue
		}
		candles = append(candles, market.Candle{
			Timestamp: time.UnixMilli(tuple[0].Int()).UTC(),
			Open:      tuple[1].Float(),
			High:      tuple[2].Float(),
			Low:       tuple[3].Float(),
			Close:     tuple[4].Float(),
			Volume:    tuple[5].Float(),
			Turnover:  tuple[6].Float(),
		})
	}
	// Bybit returns newest-first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, interval, nil
}

// resultList validates the v5 envelope and extracts result.list. A non-zero
// retCode is an application-level rejection, never retried.
func (s *BybitSource) resultList(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ProtocolError{Source: string(market.SourceBybit), Detail: "response is not valid JSON"}
	}
	parsed := gjson.ParseBytes(body)
	if code := parsed.Get("retCode"); code.Exists() && code.Int() != 0 {
		return nil, &ProtocolError{
			Source: string(market.SourceBybit),
			Detail: fmt.Sprintf("api error retCode=%d retMsg=%q", code.Int(), parsed.Get("retMsg").String()),
		}
	}
	return parsed.Get("result.list").Array(), nil
}
