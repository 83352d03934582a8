// Package cache decides whether previously persisted history is still
// trustworthy or a refetch is due.
package cache

import (
	"context"
	"fmt"
	"time"

	"coinflux/internal/logger"
	"coinflux/internal/market"
	"coinflux/internal/store/gormstore"
)

// DefaultMinCoverage tolerates gaps (market closures, delistings) before
// declaring a window incomplete.
const DefaultMinCoverage = 0.8

// Store is the slice of the persistence layer the freshness engine needs.
type Store interface {
	LatestKlineCreatedAt(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval) (time.Time, bool, error)
	CountKlinesSince(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) (int64, error)
	ReplaceKlineWindow(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error)
	FindKlines(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) ([]gormstore.CachedCandle, error)
}

// Verdict explains a freshness decision. It is derived at query time and
// never persisted.
type Verdict struct {
	Fresh  bool
	Reason string
}

// Engine evaluates cache freshness and funnels every cache write through
// the store's atomic window replace.
type Engine struct {
	store       Store
	maxAge      time.Duration
	minCoverage float64
	nowFn       func() time.Time
}

// Options configures an Engine. Zero values get defaults (4h max age,
// 80% coverage).
type Options struct {
	MaxAge      time.Duration
	MinCoverage float64
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 4 * time.Hour
	}
	if opts.MinCoverage <= 0 || opts.MinCoverage > 1 {
		opts.MinCoverage = DefaultMinCoverage
	}
	return &Engine{
		store:       store,
		maxAge:      opts.MaxAge,
		minCoverage: opts.MinCoverage,
		nowFn:       time.Now,
	}
}

// Check returns the freshness verdict for one cache key. Freshness is the
// conjunction of recency (written within maxAge) and completeness (window
// row count at least minCoverage of the theoretical point count). Either
// check failing, or any store error, yields a stale verdict.
func (e *Engine) Check(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, windowDays int) (Verdict, error) {
	if e == nil || e.store == nil {
		return Verdict{}, fmt.Errorf("cache engine not initialized")
	}
	newest, found, err := e.store.LatestKlineCreatedAt(ctx, symbol, kind, interval)
	if err != nil {
		// A broken store must never masquerade as a fresh cache.
		return Verdict{Fresh: false, Reason: "store error: " + err.Error()}, err
	}
	if !found {
		return Verdict{Fresh: false, Reason: "no cached rows"}, nil
	}
	now := e.nowFn()
	if age := now.Sub(newest); age > e.maxAge {
		return Verdict{Fresh: false, Reason: fmt.Sprintf("cache is %s old, max age %s", age.Truncate(time.Minute), e.maxAge)}, nil
	}

	since := now.AddDate(0, 0, -windowDays)
	count, err := e.store.CountKlinesSince(ctx, symbol, kind, interval, since)
	if err != nil {
		return Verdict{Fresh: false, Reason: "store error: " + err.Error()}, err
	}
	expected := interval.ExpectedPoints(windowDays)
	required := int64(float64(expected) * e.minCoverage)
	if count < required {
		return Verdict{
			Fresh:  false,
			Reason: fmt.Sprintf("window has %d of %d expected points (need %d)", count, expected, required),
		}, nil
	}
	return Verdict{Fresh: true, Reason: "recent and complete"}, nil
}

// IsFresh is Check without the explanation.
func (e *Engine) IsFresh(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, windowDays int) bool {
	verdict, err := e.Check(ctx, symbol, kind, interval, windowDays)
	if err != nil {
		logger.Warnf("cache: freshness check failed for %s/%s/%s: %v", symbol, kind, interval, err)
		return false
	}
	if !verdict.Fresh {
		logger.Debugf("cache: %s/%s/%s stale: %s", symbol, kind, interval, verdict.Reason)
	}
	return verdict.Fresh
}

// Save replaces the cached window for the key with freshly fetched candles
// and returns how many rows were written. The replace is one unit of work:
// on error the caller must treat the cache state as indeterminate, which
// the freshness check then reports as stale.
func (e *Engine) Save(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error) {
	if e == nil || e.store == nil {
		return 0, fmt.Errorf("cache engine not initialized")
	}
	return e.store.ReplaceKlineWindow(ctx, symbol, kind, interval, candles)
}

// Find returns the cached window, ascending by candle timestamp.
func (e *Engine) Find(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, windowDays int) ([]gormstore.CachedCandle, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("cache engine not initialized")
	}
	since := e.nowFn().AddDate(0, 0, -windowDays)
	return e.store.FindKlines(ctx, symbol, kind, interval, since)
}
