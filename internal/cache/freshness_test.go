package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinflux/internal/market"
	"coinflux/internal/store/gormstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	createdAt    time.Time
	createdFound bool
	createdErr   error

	count    int64
	countErr error

	saved     []market.Candle
	saveErr   error
	findCalls int
}

func (s *stubStore) LatestKlineCreatedAt(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval) (time.Time, bool, error) {
	return s.createdAt, s.createdFound, s.createdErr
}

func (s *stubStore) CountKlinesSince(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) (int64, error) {
	return s.count, s.countErr
}

func (s *stubStore) ReplaceKlineWindow(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, candles []market.Candle) (int, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.saved = candles
	return len(candles), nil
}

func (s *stubStore) FindKlines(ctx context.Context, symbol string, kind market.DataKind, interval market.Interval, since time.Time) ([]gormstore.CachedCandle, error) {
	s.findCalls++
	return nil, nil
}

func newTestEngine(store *stubStore, now time.Time) *Engine {
	e := NewEngine(store, Options{MaxAge: 4 * time.Hour, MinCoverage: 0.8})
	e.nowFn = func() time.Time { return now }
	return e
}

func TestCheckEmptyCacheIsStale(t *testing.T) {
	now := time.Now()
	e := newTestEngine(&stubStore{createdFound: false}, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.False(t, verdict.Fresh)
	assert.Contains(t, verdict.Reason, "no cached rows")
}

func TestCheckOldWriteIsStale(t *testing.T) {
	now := time.Now()
	store := &stubStore{
		createdFound: true,
		createdAt:    now.Add(-5 * time.Hour),
		count:        1000,
	}
	e := newTestEngine(store, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.False(t, verdict.Fresh)
	assert.Contains(t, verdict.Reason, "max age")
}

func TestCheckIncompleteWindowIsStale(t *testing.T) {
	now := time.Now()
	// 7 hourly days expect 168 points; 80% needs 134. 100 falls short.
	store := &stubStore{
		createdFound: true,
		createdAt:    now.Add(-time.Hour),
		count:        100,
	}
	e := newTestEngine(store, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.False(t, verdict.Fresh)
	assert.Contains(t, verdict.Reason, "expected points")
}

func TestCheckRecentAndCompleteIsFresh(t *testing.T) {
	now := time.Now()
	store := &stubStore{
		createdFound: true,
		createdAt:    now.Add(-time.Hour),
		count:        140,
	}
	e := newTestEngine(store, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.True(t, verdict.Fresh)
	assert.True(t, e.IsFresh(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7))
}

func TestCheckCoverageBoundary(t *testing.T) {
	now := time.Now()
	// Exactly at the threshold counts as complete: 168 * 0.8 = 134.
	store := &stubStore{
		createdFound: true,
		createdAt:    now.Add(-time.Minute),
		count:        134,
	}
	e := newTestEngine(store, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.True(t, verdict.Fresh)

	store.count = 133
	verdict, err = e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	require.NoError(t, err)
	assert.False(t, verdict.Fresh)
}

func TestCheckStoreErrorIsStale(t *testing.T) {
	now := time.Now()
	boom := errors.New("disk on fire")
	e := newTestEngine(&stubStore{createdErr: boom}, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	assert.ErrorIs(t, err, boom)
	assert.False(t, verdict.Fresh)
	assert.False(t, e.IsFresh(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7))
}

func TestCheckCountErrorIsStale(t *testing.T) {
	now := time.Now()
	boom := errors.New("query failed")
	store := &stubStore{
		createdFound: true,
		createdAt:    now.Add(-time.Minute),
		countErr:     boom,
	}
	e := newTestEngine(store, now)

	verdict, err := e.Check(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, 7)
	assert.ErrorIs(t, err, boom)
	assert.False(t, verdict.Fresh)
}

func TestSaveDelegatesToStore(t *testing.T) {
	store := &stubStore{}
	e := newTestEngine(store, time.Now())

	candles := []market.Candle{{Timestamp: time.Now(), Close: 1}}
	n, err := e.Save(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, candles)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, candles, store.saved)
}

func TestSaveErrorSurfaces(t *testing.T) {
	boom := errors.New("replace failed")
	e := newTestEngine(&stubStore{saveErr: boom}, time.Now())

	_, err := e.Save(context.Background(), "BTC", market.KindCrypto, market.IntervalHourly, nil)
	assert.ErrorIs(t, err, boom)
}
