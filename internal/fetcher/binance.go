package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coinflux/internal/logger"
	"coinflux/internal/market"
	"coinflux/internal/pkg/convert"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

// Binance spot klines accept at most 1000 points per call.
const binanceMaxLimit = 1000

// BinanceSource wraps the go-binance spot client as the secondary price
// source. Public market data endpoints work without credentials.
type BinanceSource struct {
	cfg    BinanceConfig
	client *binance.Client
}

type BinanceConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffUnit time.Duration
}

func (c *BinanceConfig) withDefaults() BinanceConfig {
	out := *c
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffUnit <= 0 {
		out.BackoffUnit = time.Second
	}
	return out
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	final := cfg.withDefaults()
	client := binance.NewClient("", "")
	if final.BaseURL != "" {
		client.BaseURL = final.BaseURL
	}
	client.HTTPClient = &http.Client{Timeout: final.Timeout}
	return &BinanceSource{cfg: final, client: client}
}

func (s *BinanceSource) Close() {
	if s != nil && s.client != nil && s.client.HTTPClient != nil {
		s.client.HTTPClient.CloseIdleConnections()
	}
}

// FetchSpotTickers returns normalized records for all USDT spot pairs from
// the 24h price change statistics endpoint.
func (s *BinanceSource) FetchSpotTickers(ctx context.Context) ([]market.Record, error) {
	var stats []*binance.PriceChangeStats
	err := s.withRetry(ctx, "tickers", func() error {
		var inner error
		stats, inner = s.client.NewListPriceChangeStatsService().Do(ctx)
		return inner
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]market.Record, 0, len(stats))
	for _, st := range stats {
		if st == nil || !strings.HasSuffix(st.Symbol, "USDT") {
			continue
		}
		base := strings.TrimSuffix(st.Symbol, "USDT")
		records = append(records, market.Record{
			EntityID:     market.EntityID(base),
			Symbol:       base,
			Name:         base,
			Price:        convert.Float(st.LastPrice),
			ChangePct24h: convert.Float(st.PriceChangePercent),
			High24h:      convert.Float(st.HighPrice),
			Low24h:       convert.Float(st.LowPrice),
			Volume24h:    convert.Float(st.Volume),
			Timestamp:    now,
			Source:       market.SourceBinance,
		})
	}
	return records, nil
}

// FetchKlines mirrors the Bybit windowing math with Binance interval names.
func (s *BinanceSource) FetchKlines(ctx context.Context, symbol string, days int) ([]market.Candle, market.Interval, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, "", &ProtocolError{Source: string(market.SourceBinance), Detail: "symbol is required"}
	}
	if days <= 0 {
		days = 30
	}
	interval := market.IntervalForWindow(days)
	limit := interval.ExpectedPoints(days)
	if limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	var klines []*binance.Kline
	err := s.withRetry(ctx, "klines", func() error {
		var inner error
		klines, inner = s.client.NewKlinesService().
			Symbol(symbol + "USDT").
			Interval(binanceInterval(interval)).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(limit).
			Do(ctx)
		return inner
	})
	if err != nil {
		return nil, "", err
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		candles = append(candles, market.Candle{
			Timestamp: time.UnixMilli(kl.OpenTime).UTC(),
			Open:      convert.Float(kl.Open),
			High:      convert.Float(kl.High),
			Low:       convert.Float(kl.Low),
			Close:     convert.Float(kl.Close),
			Volume:    convert.Float(kl.Volume),
			Turnover:  convert.Float(kl.QuoteAssetVolume),
		})
	}
	return candles, interval, nil
}

// withRetry applies the shared retry policy to an SDK call. API-level
// rejections (common.APIError) fail immediately as ProtocolError; everything
// else counts as transport and is retried with doubling backoff.
func (s *BinanceSource) withRetry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.BackoffUnit * (1 << (attempt - 1))
			logger.Debugf("[binance] %s retry %d/%d after %s: %v", op, attempt+1, s.cfg.MaxRetries, delay, lastErr)
			if !sleepWithContext(ctx, delay) {
				return &TransportError{Source: string(market.SourceBinance), Err: ctx.Err()}
			}
		}
		err := call()
		if err == nil {
			return nil
		}
		if common.IsAPIError(err) {
			return &ProtocolError{
				Source: string(market.SourceBinance),
				Detail: fmt.Sprintf("%s rejected: %v", op, err),
			}
		}
		lastErr = err
	}
	return &TransportError{Source: string(market.SourceBinance), Err: lastErr}
}

func binanceInterval(iv market.Interval) string {
	switch iv {
	case market.IntervalHourly:
		return "1h"
	case market.Interval4Hour:
		return "4h"
	default:
		return "1d"
	}
}
