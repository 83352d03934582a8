// Package batch provides the two execution primitives of the ingestion
// pipeline: fixed-size chunking for bulk inserts and bounded-concurrency
// fan-out for per-item work against rate-limited APIs.
package batch

import (
	"context"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize matches the store's bulk insert batch size.
	DefaultChunkSize = 100
	// DefaultConcurrency stays low to respect third-party rate limits.
	DefaultConcurrency = 5
	// DefaultChunkPause is the courtesy delay between sequential chunk
	// submissions. It does not apply to concurrent fan-out.
	DefaultChunkPause = 100 * time.Millisecond
)

// Chunks yields items in order, size elements at a time, the last chunk
// possibly shorter. Chunks share backing memory with items.
func Chunks[T any](items []T, size int) iter.Seq[[]T] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			if !yield(items[start:end]) {
				return
			}
		}
	}
}

// ForEachChunk walks the chunks sequentially, pausing between submissions,
// and stops at the first error. A pause <= 0 disables the delay.
func ForEachChunk[T any](ctx context.Context, items []T, size int, pause time.Duration, fn func(context.Context, []T) error) error {
	first := true
	for chunk := range Chunks(items, size) {
		if !first && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		first = false
		if err := fn(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Result pairs an input item with its outcome so callers never rely on
// completion order to know which item produced which value.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Map runs worker over items with at most maxConcurrency invocations in
// flight. A failing worker does not abort its siblings; its error is
// captured in the corresponding Result. The returned slice is in input
// order regardless of completion order.
func Map[T, R any](ctx context.Context, items []T, maxConcurrency int, worker func(context.Context, T) (R, error)) []Result[T, R] {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConcurrency
	}
	results := make([]Result[T, R], len(items))

	var group errgroup.Group
	group.SetLimit(maxConcurrency)
	for i, item := range items {
		results[i].Item = item
		group.Go(func() error {
			value, err := worker(ctx, item)
			results[i].Value = value
			results[i].Err = err
			// Errors stay in the result slot; returning them here would
			// tear down the whole group.
			return nil
		})
	}
	_ = group.Wait()
	return results
}
