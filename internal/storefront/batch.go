package storefront

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type Result[T any] struct {
	Value T
	Err   error
}

// Batch runs calls concurrently, at most limit at a time (no limit when
// limit <= 0), and returns every result in call order. A failing call does
// not cancel the others.
func Batch[T any](ctx context.Context, limit int, calls ...func(context.Context) (T, error)) []Result[T] {
	results := make([]Result[T], len(calls))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, call := range calls {
		g.Go(func() error {
			v, err := call(ctx)
			results[i] = Result[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
