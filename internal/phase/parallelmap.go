package phase

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ItemResult pairs an item with the error its fn invocation produced,
// if any.
type ItemResult[T any] struct {
	Item  T
	Err   error
}

// ParallelMapResult is what ParallelMap returns: the items that
// succeeded (including those whose "not found" error was collapsed to
// success per the idempotency convention) and those that genuinely failed.
type ParallelMapResult[T any] struct {
	Succeeded []T
	Failed    []ItemResult[T]
}

// ProgressFunc is invoked periodically (every progressInterval
// completions) to report parallel_map progress.
type ProgressFunc func(completed, total int, itemName string)

// ParallelMap applies fn to every item in items with bounded
// concurrency maxConcurrent. It is the sole intra-phase concurrency
// primitive (spec.md §4.2): phases must not spawn unbounded tasks.
//
// fn errors whose message contains "not found" are treated as success
// (idempotent create-or-reuse / cascade-delete convention). Context
// cancellation stops launching new items; items already in flight run
// to completion because the underlying upstream call cannot be safely
// aborted mid-request (spec.md §4.6 "Cancellation semantics").
func ParallelMap[T any](
	ctx context.Context,
	items []T,
	fn func(ctx context.Context, item T) error,
	maxConcurrent int,
	itemName string,
	onProgress ProgressFunc,
	progressInterval int,
) ParallelMapResult[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var mu sync.Mutex
	var wg sync.WaitGroup
	result := ParallelMapResult[T]{}
	completed := 0

	for _, item := range items {
		select {
		case <-ctx.Done():
			mu.Lock()
			result.Failed = append(result.Failed, ItemResult[T]{Item: item, Err: ctx.Err()})
			mu.Unlock()
			continue
		default:
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failed = append(result.Failed, ItemResult[T]{Item: item, Err: err})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			defer sem.Release(1)

			err := fn(ctx, it)

			mu.Lock()
			defer mu.Unlock()

			if err == nil || isNotFound(err) {
				result.Succeeded = append(result.Succeeded, it)
			} else {
				result.Failed = append(result.Failed, ItemResult[T]{Item: it, Err: err})
			}

			completed++
			if onProgress != nil && progressInterval > 0 && completed%progressInterval == 0 {
				onProgress(completed, len(items), itemName)
			}
		}(item)
	}

	wg.Wait()

	if onProgress != nil {
		onProgress(completed, len(items), itemName)
	}

	return result
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}
