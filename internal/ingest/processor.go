// Package ingest composes fetchers, merge, batching and storage into the
// per-domain ingestion pipelines.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinflux/internal/config/loader"
	"coinflux/internal/logger"
	"coinflux/internal/market"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Domain names one independent ingestion pipeline.
type Domain string

const (
	DomainPrices    Domain = "prices"
	DomainProtocols Domain = "protocols"
)

// State tracks where a pipeline currently is. Purely observational; the
// pipeline never blocks on it.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateMerging        State = "merging"
	StateBatchInserting State = "batch_inserting"
)

// RunResult is the outcome of one domain run. Every run produces one, even
// when every source failed.
type RunResult struct {
	RunID          string    `json:"run_id"`
	Domain         Domain    `json:"domain"`
	RecordsFetched int       `json:"records_fetched"`
	RecordsSaved   int       `json:"records_saved"`
	Errors         []string  `json:"errors,omitempty"`
	StartedAt      time.Time `json:"started_at"`

	// Duration is for in-process consumers; the API payload carries the
	// millisecond figure instead of raw nanoseconds.
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

func (r *RunResult) addError(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, err.Error())
}

// PriceSource is the contract both spot price fetchers satisfy.
type PriceSource interface {
	FetchSpotTickers(ctx context.Context) ([]market.Record, error)
	FetchKlines(ctx context.Context, symbol string, days int) ([]market.Candle, market.Interval, error)
	Close()
}

// ProtocolSource supplies DeFi protocol snapshots and TVL history.
type ProtocolSource interface {
	FetchProtocols(ctx context.Context, limit int) ([]market.Record, error)
	FetchTVLHistory(ctx context.Context, slug string, days int) ([]market.Candle, error)
	Close()
}

// Storage is the slice of the persistence layer the orchestrator writes
// through. Dimension rows are upserted, history rows only ever appended.
type Storage interface {
	UpsertCryptocurrencies(ctx context.Context, recs []market.Record) error
	UpsertProtocols(ctx context.Context, recs []market.Record) error
	AppendPricePoints(ctx context.Context, recs []market.Record) error
	AppendTVLPoints(ctx context.Context, recs []market.Record) error
}

// KlineCache is the freshness engine surface the pipelines consult before
// refetching candle history.
type KlineCache interface {
	IsFresh(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, windowDays int) bool
	Save(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error)
}

// Watch provides the current watchlist snapshot.
type Watch interface {
	Snapshot() []loader.Entry
}

// Config carries the pipeline tuning knobs.
type Config struct {
	// MaxAssets caps how many merged price records are persisted per run.
	MaxAssets int
	// ProtocolLimit caps how many protocols are taken from the TVL-ordered
	// upstream list.
	ProtocolLimit int
	// ChunkSize bounds one insert submission.
	ChunkSize int
	// ChunkPause is the courtesy delay between sequential insert chunks.
	ChunkPause time.Duration
	// MaxConcurrency bounds the kline backfill fan-out.
	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxAssets <= 0 {
		c.MaxAssets = 250
	}
	if c.ProtocolLimit <= 0 {
		c.ProtocolLimit = 100
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}
	return c
}

// Processor owns one ingestion run end to end. Sources are constructed per
// run and released when the run finishes, so runs never share connections.
type Processor struct {
	cfg          Config
	newPrimary   func() PriceSource
	newSecondary func() PriceSource
	newProtocols func() ProtocolSource
	store        Storage
	cache        KlineCache
	watch        Watch

	mu     sync.Mutex
	states map[Domain]State
}

// Deps wires a Processor. Every field is required except Watch (an empty
// watchlist just skips the kline backfill) and NewProtocols (nil disables
// the protocol domain entirely).
type Deps struct {
	Config       Config
	NewPrimary   func() PriceSource
	NewSecondary func() PriceSource
	NewProtocols func() ProtocolSource
	Store        Storage
	Cache        KlineCache
	Watch        Watch
}

func NewProcessor(deps Deps) (*Processor, error) {
	if deps.NewPrimary == nil || deps.NewSecondary == nil {
		return nil, fmt.Errorf("ingest: price source constructors are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("ingest: storage is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("ingest: kline cache is required")
	}
	return &Processor{
		cfg:          deps.Config.withDefaults(),
		newPrimary:   deps.NewPrimary,
		newSecondary: deps.NewSecondary,
		newProtocols: deps.NewProtocols,
		store:        deps.Store,
		cache:        deps.Cache,
		watch:        deps.Watch,
		states: map[Domain]State{
			DomainPrices:    StateIdle,
			DomainProtocols: StateIdle,
		},
	}, nil
}

// State reports where a domain pipeline currently is.
func (p *Processor) State(domain Domain) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[domain]; ok {
		return s
	}
	return StateIdle
}

func (p *Processor) setState(domain Domain, s State) {
	p.mu.Lock()
	p.states[domain] = s
	p.mu.Unlock()
}

// ProtocolsEnabled reports whether the protocol domain was wired up.
func (p *Processor) ProtocolsEnabled() bool {
	return p.newProtocols != nil
}

// RunAll executes both domain pipelines concurrently. They are independent:
// one failing or producing errors neither cancels nor rolls back the other.
// With the protocol domain disabled only the price result is returned.
func (p *Processor) RunAll(ctx context.Context) []RunResult {
	if !p.ProtocolsEnabled() {
		return []RunResult{p.RunPrices(ctx)}
	}
	results := make([]RunResult, 2)
	var group errgroup.Group
	group.Go(func() error {
		results[0] = p.RunPrices(ctx)
		return nil
	})
	group.Go(func() error {
		results[1] = p.RunProtocols(ctx)
		return nil
	})
	_ = group.Wait()
	return results
}

func newRunResult(domain Domain) RunResult {
	return RunResult{
		RunID:     uuid.NewString(),
		Domain:    domain,
		StartedAt: time.Now().UTC(),
	}
}

func finishRun(result *RunResult) {
	result.Duration = time.Since(result.StartedAt)
	result.DurationMS = result.Duration.Milliseconds()
	if len(result.Errors) == 0 {
		logger.Infof("[%s] run %s done: fetched=%d saved=%d in %s",
			result.Domain, result.RunID, result.RecordsFetched, result.RecordsSaved, result.Duration.Truncate(time.Millisecond))
		return
	}
	logger.Warnf("[%s] run %s finished with %d error(s): fetched=%d saved=%d",
		result.Domain, result.RunID, len(result.Errors), result.RecordsFetched, result.RecordsSaved)
}
