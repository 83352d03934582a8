package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coinflux/internal/batch"
	"coinflux/internal/config/loader"
	"coinflux/internal/logger"
	"coinflux/internal/market"
	"coinflux/internal/merger"
)

// RunPrices executes the cryptocurrency pipeline: fetch from both exchanges
// concurrently, merge with Bybit as primary, persist in bounded chunks, then
// backfill klines for the watchlist symbols whose cache went stale.
func (p *Processor) RunPrices(ctx context.Context) RunResult {
	result := newRunResult(DomainPrices)
	defer func() { p.setState(DomainPrices, StateIdle) }()
	defer finishRun(&result)

	primary := p.newPrimary()
	secondary := p.newSecondary()
	defer primary.Close()
	defer secondary.Close()

	p.setState(DomainPrices, StateFetching)
	primaryRecs, secondaryRecs := p.fetchBothExchanges(ctx, primary, secondary, &result)
	result.RecordsFetched = len(primaryRecs) + len(secondaryRecs)
	if result.RecordsFetched == 0 {
		result.addError(fmt.Errorf("prices: no source produced records"))
		return result
	}

	p.setState(DomainPrices, StateMerging)
	merged := capByVolume(merger.Merge(primaryRecs, secondaryRecs), p.cfg.MaxAssets)

	p.setState(DomainPrices, StateBatchInserting)
	saved := p.persistPrices(ctx, merged, &result)
	result.RecordsSaved = saved

	p.backfillKlines(ctx, primary, &result)
	return result
}

// capByVolume keeps the n most traded records, 24h volume standing in for
// popularity the same way the ticker sort does. The merge output arrives
// entity-ordered, so volume ties resolve by entity ID; the survivors are
// re-sorted by entity ID to keep insert order deterministic.
func capByVolume(recs []market.Record, n int) []market.Record {
	if len(recs) <= n {
		return recs
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Volume24h > recs[j].Volume24h })
	recs = recs[:n]
	sort.Slice(recs, func(i, j int) bool { return recs[i].EntityID < recs[j].EntityID })
	return recs
}

// fetchBothExchanges queries both spot sources in parallel. A failed source
// contributes nothing but records its error; the run continues with whatever
// the other source returned.
func (p *Processor) fetchBothExchanges(ctx context.Context, primary, secondary PriceSource, result *RunResult) ([]market.Record, []market.Record) {
	var (
		wg            sync.WaitGroup
		primaryRecs   []market.Record
		secondaryRecs []market.Record
		primaryErr    error
		secondaryErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryRecs, primaryErr = primary.FetchSpotTickers(ctx)
	}()
	go func() {
		defer wg.Done()
		secondaryRecs, secondaryErr = secondary.FetchSpotTickers(ctx)
	}()
	wg.Wait()

	if primaryErr != nil {
		logger.Warnf("prices: primary source failed: %v", primaryErr)
		result.addError(fmt.Errorf("primary source: %w", primaryErr))
		primaryRecs = nil
	}
	if secondaryErr != nil {
		logger.Warnf("prices: secondary source failed: %v", secondaryErr)
		result.addError(fmt.Errorf("secondary source: %w", secondaryErr))
		secondaryRecs = nil
	}
	return primaryRecs, secondaryRecs
}

// persistPrices upserts the dimension rows and appends the history rows in
// chunks, pausing between chunks to keep SQLite responsive for readers.
func (p *Processor) persistPrices(ctx context.Context, merged []market.Record, result *RunResult) int {
	saved := 0
	err := batch.ForEachChunk(ctx, merged, p.cfg.ChunkSize, p.cfg.ChunkPause, func(ctx context.Context, chunk []market.Record) error {
		if err := p.store.UpsertCryptocurrencies(ctx, chunk); err != nil {
			return fmt.Errorf("upsert cryptocurrencies: %w", err)
		}
		if err := p.store.AppendPricePoints(ctx, chunk); err != nil {
			return fmt.Errorf("append price points: %w", err)
		}
		saved += len(chunk)
		return nil
	})
	if err != nil {
		result.addError(err)
	}
	return saved
}

// backfillKlines refetches candle history for every watchlist symbol whose
// cache is stale, fanning out with bounded concurrency. Failures are
// per-symbol; one symbol erroring never stops the others.
func (p *Processor) backfillKlines(ctx context.Context, source PriceSource, result *RunResult) {
	if p.watch == nil {
		return
	}
	entries := p.watch.Snapshot()
	if len(entries) == 0 {
		return
	}

	stale := make([]loader.Entry, 0, len(entries))
	for _, e := range entries {
		interval := market.IntervalForWindow(e.WindowDays)
		if p.cache.IsFresh(ctx, e.Symbol, market.KindCrypto, interval, e.WindowDays) {
			continue
		}
		stale = append(stale, e)
	}
	if len(stale) == 0 {
		logger.Debugf("prices: kline cache fresh for all %d watchlist symbols", len(entries))
		return
	}
	logger.Infof("prices: backfilling klines for %d of %d watchlist symbols", len(stale), len(entries))

	results := batch.Map(ctx, stale, p.cfg.MaxConcurrency, func(ctx context.Context, e loader.Entry) (int, error) {
		return p.refreshKlines(ctx, source, e.Symbol, e.WindowDays)
	})
	for _, r := range results {
		if r.Err != nil {
			result.addError(fmt.Errorf("klines %s: %w", r.Item.Symbol, r.Err))
			continue
		}
		result.RecordsSaved += r.Value
	}
}

// refreshKlines fetches one symbol's window and swaps it into the cache.
func (p *Processor) refreshKlines(ctx context.Context, source PriceSource, symbol string, windowDays int) (int, error) {
	candles, interval, err := source.FetchKlines(ctx, symbol, windowDays)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles returned")
	}
	return p.cache.Save(ctx, symbol, market.KindCrypto, interval, candles)
}

// RefreshSymbol force-refetches one symbol's kline window, bypassing the
// freshness check. Serves the manual refresh endpoint.
func (p *Processor) RefreshSymbol(ctx context.Context, symbol string, windowDays int) (int, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	source := p.newPrimary()
	defer source.Close()

	start := time.Now()
	saved, err := p.refreshKlines(ctx, source, symbol, windowDays)
	if err != nil {
		return 0, err
	}
	logger.Infof("prices: refreshed %s (%dd window, %d candles) in %s",
		symbol, windowDays, saved, time.Since(start).Truncate(time.Millisecond))
	return saved, nil
}
