// Package partition fans a batch of keyed work out to a bounded set of
// goroutines while keeping items that share a key in their original order.
package partition

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers matches the consumer concurrency used by the bus listeners.
const DefaultWorkers = 3

// Run calls fn for every item. Items with the same key run sequentially in
// input order; distinct keys run concurrently on at most workers goroutines.
// Once ctx is done no further items are started. Run returns after every
// started call has returned.
func Run[T any](ctx context.Context, workers int, items []T, key func(T) string, fn func(context.Context, T)) {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var order []string
	groups := make(map[string][]T)
	for _, it := range items {
		k := key(it)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		group := groups[k]
		g.Go(func() error {
			for _, it := range group {
				if ctx.Err() != nil {
					return nil
				}
				fn(ctx, it)
			}
			return nil
		})
	}
	_ = g.Wait()
}
