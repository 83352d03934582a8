package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"coinflux/internal/config/loader"
	"coinflux/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePriceSource struct {
	tickers    []market.Record
	tickersErr error
	candles    []market.Candle
	klinesErr  error
	closed     bool
}

func (f *fakePriceSource) FetchSpotTickers(ctx context.Context) ([]market.Record, error) {
	return f.tickers, f.tickersErr
}

func (f *fakePriceSource) FetchKlines(ctx context.Context, symbol string, days int) ([]market.Candle, market.Interval, error) {
	if f.klinesErr != nil {
		return nil, "", f.klinesErr
	}
	return f.candles, market.IntervalForWindow(days), nil
}

func (f *fakePriceSource) Close() { f.closed = true }

type fakeProtocolSource struct {
	protocols []market.Record
	err       error
	history   []market.Candle
	closed    bool
}

func (f *fakeProtocolSource) FetchProtocols(ctx context.Context, limit int) ([]market.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.protocols) {
		return f.protocols[:limit], nil
	}
	return f.protocols, nil
}

func (f *fakeProtocolSource) FetchTVLHistory(ctx context.Context, slug string, days int) ([]market.Candle, error) {
	return f.history, f.err
}

func (f *fakeProtocolSource) Close() { f.closed = true }

type fakeStorage struct {
	mu        sync.Mutex
	cryptos   []market.Record
	protocols []market.Record
	pricePts  int
	tvlPts    int
	upsertErr error
}

func (f *fakeStorage) UpsertCryptocurrencies(ctx context.Context, recs []market.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.cryptos = append(f.cryptos, recs...)
	return nil
}

func (f *fakeStorage) UpsertProtocols(ctx context.Context, recs []market.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.protocols = append(f.protocols, recs...)
	return nil
}

func (f *fakeStorage) AppendPricePoints(ctx context.Context, recs []market.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pricePts += len(recs)
	return nil
}

func (f *fakeStorage) AppendTVLPoints(ctx context.Context, recs []market.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tvlPts += len(recs)
	return nil
}

type fakeCache struct {
	mu    sync.Mutex
	fresh map[string]bool
	saves map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{fresh: map[string]bool{}, saves: map[string]int{}}
}

func (f *fakeCache) IsFresh(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, windowDays int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh[symbol]
}

func (f *fakeCache) Save(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves[symbol] += len(candles)
	return len(candles), nil
}

type staticWatch []loader.Entry

func (s staticWatch) Snapshot() []loader.Entry { return s }

func rec(id string, price float64, source market.SourceTag) market.Record {
	return market.Record{EntityID: id, Symbol: id, Price: price, Timestamp: time.Now().UTC(), Source: source}
}

func newTestProcessor(t *testing.T, primary, secondary *fakePriceSource, protocols *fakeProtocolSource, store *fakeStorage, cache *fakeCache, watch Watch) *Processor {
	t.Helper()
	p, err := NewProcessor(Deps{
		Config: Config{
			MaxAssets:      10,
			ProtocolLimit:  10,
			ChunkSize:      2,
			ChunkPause:     0,
			MaxConcurrency: 2,
		},
		NewPrimary:   func() PriceSource { return primary },
		NewSecondary: func() PriceSource { return secondary },
		NewProtocols: func() ProtocolSource { return protocols },
		Store:        store,
		Cache:        cache,
		Watch:        watch,
	})
	require.NoError(t, err)
	return p
}

func TestRunPricesMergesAndPersists(t *testing.T) {
	primary := &fakePriceSource{tickers: []market.Record{
		rec("btc", 60000, market.SourceBybit),
		rec("eth", 3000, market.SourceBybit),
	}}
	secondary := &fakePriceSource{tickers: []market.Record{
		rec("eth", 2990, market.SourceBinance),
		rec("sol", 150, market.SourceBinance),
	}}
	store := &fakeStorage{}
	p := newTestProcessor(t, primary, secondary, &fakeProtocolSource{}, store, newFakeCache(), nil)

	result := p.RunPrices(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 4, result.RecordsFetched)
	assert.Equal(t, 3, result.RecordsSaved, "eth deduplicated in the merge")
	assert.Equal(t, 3, store.pricePts)
	assert.NotEmpty(t, result.RunID)
	assert.True(t, primary.closed)
	assert.True(t, secondary.closed)
	assert.Equal(t, StateIdle, p.State(DomainPrices))

	for _, r := range store.cryptos {
		if r.EntityID == "eth" {
			assert.Equal(t, 3000.0, r.Price, "primary value wins")
			assert.Equal(t, market.SourceCombined, r.Source)
		}
	}
}

func TestRunPricesSurvivesOneFailedSource(t *testing.T) {
	primary := &fakePriceSource{tickersErr: errors.New("bybit down")}
	secondary := &fakePriceSource{tickers: []market.Record{rec("btc", 60000, market.SourceBinance)}}
	store := &fakeStorage{}
	p := newTestProcessor(t, primary, secondary, &fakeProtocolSource{}, store, newFakeCache(), nil)

	result := p.RunPrices(context.Background())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "bybit down")
	assert.Equal(t, 1, result.RecordsSaved)
	require.Len(t, store.cryptos, 1)
	assert.Equal(t, market.SourceBinance, store.cryptos[0].Source)
}

func TestRunPricesBothSourcesFailed(t *testing.T) {
	primary := &fakePriceSource{tickersErr: errors.New("down")}
	secondary := &fakePriceSource{tickersErr: errors.New("also down")}
	store := &fakeStorage{}
	p := newTestProcessor(t, primary, secondary, &fakeProtocolSource{}, store, newFakeCache(), nil)

	result := p.RunPrices(context.Background())
	assert.Len(t, result.Errors, 3, "both source errors plus the empty-run error")
	assert.Zero(t, result.RecordsSaved)
	assert.Empty(t, store.cryptos)
}

func TestRunPricesCapsMaxAssets(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	tickers := make([]market.Record, 0, len(ids))
	for i, id := range ids {
		r := rec(id, 1, market.SourceBybit)
		r.Volume24h = float64(i + 1)
		tickers = append(tickers, r)
	}
	primary := &fakePriceSource{tickers: tickers}
	store := &fakeStorage{}
	p := newTestProcessor(t, primary, &fakePriceSource{}, &fakeProtocolSource{}, store, newFakeCache(), nil)

	result := p.RunPrices(context.Background())
	assert.Equal(t, 10, result.RecordsSaved)
	require.Len(t, store.cryptos, 10)
	kept := map[string]bool{}
	for _, r := range store.cryptos {
		kept[r.EntityID] = true
	}
	assert.False(t, kept["a"], "thinnest markets fall out of the cap")
	assert.False(t, kept["b"])
	assert.True(t, kept["l"], "most traded asset survives")
}

func TestRunPricesCapKeepsMostTraded(t *testing.T) {
	heavy := rec("zec", 40, market.SourceBybit)
	heavy.Volume24h = 1e9
	thin := rec("aaa", 2, market.SourceBybit)
	thin.Volume24h = 10
	primary := &fakePriceSource{tickers: []market.Record{heavy, thin}}
	store := &fakeStorage{}
	p, err := NewProcessor(Deps{
		Config:       Config{MaxAssets: 1},
		NewPrimary:   func() PriceSource { return primary },
		NewSecondary: func() PriceSource { return &fakePriceSource{} },
		NewProtocols: func() ProtocolSource { return &fakeProtocolSource{} },
		Store:        store,
		Cache:        newFakeCache(),
	})
	require.NoError(t, err)

	result := p.RunPrices(context.Background())
	assert.Equal(t, 1, result.RecordsSaved)
	require.Len(t, store.cryptos, 1)
	assert.Equal(t, "zec", store.cryptos[0].EntityID, "the cap selects by volume, not entity order")
}

func TestRunPricesBackfillsStaleWatchlistSymbols(t *testing.T) {
	candles := []market.Candle{{Timestamp: time.Now(), Close: 1}, {Timestamp: time.Now(), Close: 2}}
	primary := &fakePriceSource{
		tickers: []market.Record{rec("btc", 60000, market.SourceBybit)},
		candles: candles,
	}
	cache := newFakeCache()
	cache.fresh["ETHUSDT"] = true
	watch := staticWatch{
		{Symbol: "BTCUSDT", WindowDays: 7},
		{Symbol: "ETHUSDT", WindowDays: 7},
		{Symbol: "SOLUSDT", WindowDays: 30},
	}
	p := newTestProcessor(t, primary, &fakePriceSource{}, &fakeProtocolSource{}, &fakeStorage{}, cache, watch)

	result := p.RunPrices(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, cache.saves["BTCUSDT"])
	assert.Equal(t, 2, cache.saves["SOLUSDT"])
	assert.Zero(t, cache.saves["ETHUSDT"], "fresh symbols are skipped")
	// 1 merged record + 2 candles for each of the 2 stale symbols.
	assert.Equal(t, 5, result.RecordsSaved)
}

func TestRunPricesKlineFailureIsPerSymbol(t *testing.T) {
	primary := &fakePriceSource{
		tickers:   []market.Record{rec("btc", 60000, market.SourceBybit)},
		klinesErr: errors.New("rate limited"),
	}
	cache := newFakeCache()
	watch := staticWatch{{Symbol: "BTCUSDT", WindowDays: 7}, {Symbol: "ETHUSDT", WindowDays: 7}}
	p := newTestProcessor(t, primary, &fakePriceSource{}, &fakeProtocolSource{}, &fakeStorage{}, cache, watch)

	result := p.RunPrices(context.Background())
	assert.Len(t, result.Errors, 2, "one error per failed symbol")
	assert.Equal(t, 1, result.RecordsSaved, "snapshot save is unaffected")
}

func TestRunProtocols(t *testing.T) {
	source := &fakeProtocolSource{protocols: []market.Record{
		{EntityID: "uniswap", Name: "Uniswap", TVL: 5e9, Source: market.SourceLlama},
		{EntityID: "aave", Name: "Aave", TVL: 4e9, Source: market.SourceLlama},
		{EntityID: "curve", Name: "Curve", TVL: 2e9, Source: market.SourceLlama},
	}}
	store := &fakeStorage{}
	p := newTestProcessor(t, &fakePriceSource{}, &fakePriceSource{}, source, store, newFakeCache(), nil)

	result := p.RunProtocols(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, result.RecordsFetched)
	assert.Equal(t, 3, result.RecordsSaved)
	assert.Equal(t, 3, store.tvlPts)
	assert.True(t, source.closed)
}

func TestRunProtocolsSourceFailure(t *testing.T) {
	source := &fakeProtocolSource{err: errors.New("llama down")}
	p := newTestProcessor(t, &fakePriceSource{}, &fakePriceSource{}, source, &fakeStorage{}, newFakeCache(), nil)

	result := p.RunProtocols(context.Background())
	require.Len(t, result.Errors, 1)
	assert.Zero(t, result.RecordsSaved)
}

func TestRunAllIsolatesDomains(t *testing.T) {
	primary := &fakePriceSource{tickers: []market.Record{rec("btc", 60000, market.SourceBybit)}}
	protocols := &fakeProtocolSource{err: errors.New("llama down")}
	store := &fakeStorage{}
	p := newTestProcessor(t, primary, &fakePriceSource{}, protocols, store, newFakeCache(), nil)

	results := p.RunAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, DomainPrices, results[0].Domain)
	assert.Empty(t, results[0].Errors)
	assert.Equal(t, 1, results[0].RecordsSaved, "prices unaffected by protocol failure")
	assert.Equal(t, DomainProtocols, results[1].Domain)
	assert.NotEmpty(t, results[1].Errors)
}

func TestRefreshSymbolBypassesFreshness(t *testing.T) {
	candles := []market.Candle{{Timestamp: time.Now(), Close: 1}}
	primary := &fakePriceSource{candles: candles}
	cache := newFakeCache()
	cache.fresh["BTCUSDT"] = true
	p := newTestProcessor(t, primary, &fakePriceSource{}, &fakeProtocolSource{}, &fakeStorage{}, cache, nil)

	saved, err := p.RefreshSymbol(context.Background(), "btcusdt", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, 1, cache.saves["BTCUSDT"], "force refresh ignores the fresh cache")
}

func TestRefreshSymbolValidation(t *testing.T) {
	p := newTestProcessor(t, &fakePriceSource{}, &fakePriceSource{}, &fakeProtocolSource{}, &fakeStorage{}, newFakeCache(), nil)
	_, err := p.RefreshSymbol(context.Background(), "   ", 7)
	assert.Error(t, err)
}

func TestRefreshProtocolHistory(t *testing.T) {
	source := &fakeProtocolSource{history: []market.Candle{{Timestamp: time.Now(), Close: 5e9}}}
	cache := newFakeCache()
	p := newTestProcessor(t, &fakePriceSource{}, &fakePriceSource{}, source, &fakeStorage{}, cache, nil)

	saved, err := p.RefreshProtocolHistory(context.Background(), "Uniswap", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, 1, cache.saves["uniswap"])
}

func TestProtocolDomainDisabled(t *testing.T) {
	primary := &fakePriceSource{tickers: []market.Record{rec("btc", 60000, market.SourceBybit)}}
	p, err := NewProcessor(Deps{
		NewPrimary:   func() PriceSource { return primary },
		NewSecondary: func() PriceSource { return &fakePriceSource{} },
		Store:        &fakeStorage{},
		Cache:        newFakeCache(),
	})
	require.NoError(t, err)
	assert.False(t, p.ProtocolsEnabled())

	result := p.RunProtocols(context.Background())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "disabled")
	assert.Zero(t, result.RecordsFetched)

	_, err = p.RefreshProtocolHistory(context.Background(), "uniswap", 30)
	assert.ErrorContains(t, err, "disabled")

	results := p.RunAll(context.Background())
	require.Len(t, results, 1, "only the price domain runs")
	assert.Equal(t, DomainPrices, results[0].Domain)
	assert.Equal(t, 1, results[0].RecordsSaved)
}

func TestRunResultDurationSerializesMilliseconds(t *testing.T) {
	result := newRunResult(DomainPrices)
	result.StartedAt = result.StartedAt.Add(-1500 * time.Millisecond)
	finishRun(&result)
	assert.GreaterOrEqual(t, result.DurationMS, int64(1500))

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"duration_ms"`)
	assert.NotContains(t, string(raw), `"duration":`, "nanosecond figure stays out of the payload")
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(Deps{})
	assert.Error(t, err)
}
