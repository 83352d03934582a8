package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coinflux/internal/batch"
	"coinflux/internal/market"
)

// errProtocolsDisabled is returned when the defillama source is switched
// off in configuration but a protocol operation is still invoked.
var errProtocolsDisabled = errors.New("protocol ingestion is disabled")

// RunProtocols executes the DeFi pipeline: fetch the top protocols by TVL
// from DefiLlama and persist them in bounded chunks. A single upstream, so
// no merge stage; the state still walks Fetching then BatchInserting.
func (p *Processor) RunProtocols(ctx context.Context) RunResult {
	result := newRunResult(DomainProtocols)
	defer func() { p.setState(DomainProtocols, StateIdle) }()
	defer finishRun(&result)

	if !p.ProtocolsEnabled() {
		result.addError(errProtocolsDisabled)
		return result
	}

	source := p.newProtocols()
	defer source.Close()

	p.setState(DomainProtocols, StateFetching)
	recs, err := source.FetchProtocols(ctx, p.cfg.ProtocolLimit)
	if err != nil {
		result.addError(fmt.Errorf("protocol source: %w", err))
		return result
	}
	result.RecordsFetched = len(recs)
	if len(recs) == 0 {
		result.addError(fmt.Errorf("protocols: source returned no records"))
		return result
	}

	p.setState(DomainProtocols, StateBatchInserting)
	saved := 0
	chunkErr := batch.ForEachChunk(ctx, recs, p.cfg.ChunkSize, p.cfg.ChunkPause, func(ctx context.Context, chunk []market.Record) error {
		if err := p.store.UpsertProtocols(ctx, chunk); err != nil {
			return fmt.Errorf("upsert protocols: %w", err)
		}
		if err := p.store.AppendTVLPoints(ctx, chunk); err != nil {
			return fmt.Errorf("append tvl points: %w", err)
		}
		saved += len(chunk)
		return nil
	})
	if chunkErr != nil {
		result.addError(chunkErr)
	}
	result.RecordsSaved = saved
	return result
}

// RefreshProtocolHistory force-refetches one protocol's TVL history window
// and caches it under the DeFi kind at daily resolution.
func (p *Processor) RefreshProtocolHistory(ctx context.Context, slug string, windowDays int) (int, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return 0, fmt.Errorf("protocol slug is required")
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	if !p.ProtocolsEnabled() {
		return 0, errProtocolsDisabled
	}
	source := p.newProtocols()
	defer source.Close()

	candles, err := source.FetchTVLHistory(ctx, slug, windowDays)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no tvl history returned for %s", slug)
	}
	return p.cache.Save(ctx, slug, market.KindDefi, market.IntervalDaily, candles)
}
