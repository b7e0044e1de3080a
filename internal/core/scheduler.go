package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PoolSize bounds the worker count by the number of tasks.
func PoolSize(concurrency, tasks int) int {
	if concurrency <= 0 {
		concurrency = 1
	}
	if tasks < concurrency {
		return tasks
	}
	return concurrency
}

// RunPool calls fn for each index in [0, n) with at most limit calls in
// flight. Tasks not yet started when ctx is cancelled are handed to skip
// instead. fn errors do not stop the pool; each task owns its outcome.
func RunPool(ctx context.Context, limit, n int, fn func(ctx context.Context, i int), skip func(i int)) {
	if n == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(PoolSize(limit, n))
	for i := 0; i < n; i++ {
		i := i
		// Go blocks while the pool is full, so cancellation is observed
		// before each dispatch.
		if ctx.Err() != nil {
			if skip != nil {
				skip(i)
			}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				if skip != nil {
					skip(i)
				}
				return nil
			}
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}
