package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"coinflux/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBybitTestSource(t *testing.T, handler http.HandlerFunc) *BybitSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src := NewBybitSource(BybitConfig{
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		MaxRetries:  1,
		BackoffUnit: time.Millisecond,
	})
	t.Cleanup(src.Close)
	return src
}

func TestBybitFetchSpotTickers(t *testing.T) {
	src := newBybitTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/market/tickers", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("category"))
		w.Write([]byte(`{
			"retCode": 0,
			"result": {"list": [
				{"symbol":"BTCUSDT","lastPrice":"60000","price24hPcnt":"0.015","highPrice24h":"61000","lowPrice24h":"59000","volume24h":"1000"},
				{"symbol":"ETHUSDT","lastPrice":"3000","price24hPcnt":"-0.02","highPrice24h":"3100","lowPrice24h":"2900","volume24h":"5000"},
				{"symbol":"BTCEUR","lastPrice":"55000","price24hPcnt":"0.01","highPrice24h":"56000","lowPrice24h":"54000","volume24h":"200"}
			]}
		}`))
	})

	records, err := src.FetchSpotTickers(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2, "non-USDT pairs are filtered out")

	// Sorted by 24h volume descending, so ETH first.
	assert.Equal(t, "ETH", records[0].Symbol)
	assert.Equal(t, "eth", records[0].EntityID)
	assert.InDelta(t, -2.0, records[0].ChangePct24h, 1e-9, "fractional change becomes percent")
	assert.Equal(t, market.SourceBybit, records[0].Source)

	assert.Equal(t, "BTC", records[1].Symbol)
	assert.Equal(t, 60000.0, records[1].Price)
	assert.InDelta(t, 1.5, records[1].ChangePct24h, 1e-9)
}

func TestBybitAPIErrorIsNotRetried(t *testing.T) {
	calls := 0
	src := newBybitTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	})

	_, err := src.FetchSpotTickers(context.Background())
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
	assert.Contains(t, err.Error(), "10001")
	assert.Equal(t, 1, calls)
}

func TestBybitFetchKlines(t *testing.T) {
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Hour)
	rows := ""
	// Newest first, the way Bybit serves them.
	for i := 2; i >= 0; i-- {
		ts := base.Add(time.Duration(i) * time.Hour).UnixMilli()
		if rows != "" {
			rows += ","
		}
		rows += fmt.Sprintf(`["%d","100","110","90","105","12","1260"]`, ts)
	}

	var gotInterval, gotLimit string
	src := newBybitTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/market/kline", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		gotInterval = r.URL.Query().Get("interval")
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`{"retCode":0,"result":{"list":[` + rows + `]}}`))
	})

	candles, interval, err := src.FetchKlines(context.Background(), "btc", 7)
	require.NoError(t, err)
	assert.Equal(t, market.IntervalHourly, interval)
	assert.Equal(t, "60", gotInterval)
	assert.Equal(t, strconv.Itoa(7*24), gotLimit)

	require.Len(t, candles, 3)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp), "candles are resorted ascending")
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 1260.0, candles[0].Turnover)
}

func TestBybitFetchKlinesCapsLimit(t *testing.T) {
	var gotLimit string
	src := newBybitTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		assert.Equal(t, "D", r.URL.Query().Get("interval"))
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})

	_, interval, err := src.FetchKlines(context.Background(), "BTC", 2000)
	require.NoError(t, err)
	assert.Equal(t, market.IntervalDaily, interval)
	assert.Equal(t, "1000", gotLimit)
}

func TestBybitFetchKlinesRequiresSymbol(t *testing.T) {
	src := NewBybitSource(BybitConfig{})
	defer src.Close()
	_, _, err := src.FetchKlines(context.Background(), "  ", 7)
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
}
