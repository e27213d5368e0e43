// Package batch orchestrates upstream calls behind the cache, the
// rate limiter, and a global concurrency gate.
package batch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// Limiter admits calls past the rate gate.
type Limiter interface {
	Acquire(ctx context.Context, n int) error
}

// Cache is the orchestrator's view of the result cache.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttlSeconds int)
}

// Result is the outcome for a single input item: either Value or Err
// is set. Every input item produces exactly one Result.
type Result[V any] struct {
	Value V
	Err   error
}

// Orchestrator sequences cache lookup, rate-limit admission, and
// concurrency-gated dispatch for single calls and batches.
//
// The semaphore bounds in-flight upstream calls globally, across
// chunks and across concurrent FetchMany invocations.
type Orchestrator struct {
	batchSize int
	limiter   Limiter
	cache     Cache
	gate      *semaphore.Weighted
	logger    zerolog.Logger
}

// New creates an orchestrator. The cache may be nil to disable
// caching entirely.
func New(batchSize, maxConcurrent int, limiter Limiter, cache Cache, logger zerolog.Logger) (*Orchestrator, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch: batch size must be positive, got %d", batchSize)
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("batch: max concurrent must be positive, got %d", maxConcurrent)
	}
	if limiter == nil {
		return nil, fmt.Errorf("batch: limiter is required")
	}
	return &Orchestrator{
		batchSize: batchSize,
		limiter:   limiter,
		cache:     cache,
		gate:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:    logger.With().Str("component", "batch").Logger(),
	}, nil
}

// Fetch runs one call through the full sequence: cache check,
// rate-limit admission, concurrency gate, the call itself, and
// cache-on-success. An empty key disables caching for the call.
func Fetch[V any](ctx context.Context, o *Orchestrator, key string, ttlSeconds int, fn func(context.Context) (V, error)) (V, error) {
	var zero V

	if key != "" && o.cache != nil {
		if cached, ok := o.cache.Get(key); ok {
			if v, ok := cached.(V); ok {
				o.logger.Debug().Str("key", key).Msg("cache hit")
				return v, nil
			}
		}
	}

	if err := o.limiter.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("rate limit admission: %w", err)
	}

	if err := o.gate.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("concurrency gate: %w", err)
	}
	v, err := fn(ctx)
	o.gate.Release(1)
	if err != nil {
		return zero, err
	}

	if key != "" && o.cache != nil {
		o.cache.Set(key, v, ttlSeconds)
	}
	return v, nil
}

// FetchMany fetches all items in consecutive chunks of the configured
// batch size, one concurrent call per item within a chunk. A chunk is
// awaited in full before the next one starts.
//
// The returned slice is positioned 1:1 with items. Failures, including
// panics inside fn, are confined to their own item's Result.
func FetchMany[I, V any](ctx context.Context, o *Orchestrator, items []I, keyFn func(I) string, ttlSeconds int, fn func(context.Context, I) (V, error)) []Result[V] {
	results := make([]Result[V], len(items))

	for start := 0; start < len(items); start += o.batchSize {
		end := min(start+o.batchSize, len(items))

		var wg conc.WaitGroup
		for i := start; i < end; i++ {
			idx := i
			wg.Go(func() {
				recovered := panics.Try(func() {
					key := ""
					if keyFn != nil {
						key = keyFn(items[idx])
					}
					v, err := Fetch(ctx, o, key, ttlSeconds, func(ctx context.Context) (V, error) {
						return fn(ctx, items[idx])
					})
					results[idx] = Result[V]{Value: v, Err: err}
				})
				if recovered != nil {
					results[idx] = Result[V]{Err: fmt.Errorf("fetch panicked: %w", recovered.AsError())}
				}
			})
		}
		wg.Wait()

		o.logger.Debug().
			Int("chunk_start", start).
			Int("chunk_end", end).
			Int("total", len(items)).
			Msg("batch chunk complete")
	}

	return results
}
