package aggregator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

// FetchAllOrFail sends all requests concurrently and waits for all of them.
//
// If all requests succeed, the payloads are returned index-aligned with the input specs.
// Otherwise, the first failure by input order is returned, no partial result.
func (a *Aggregator[T]) FetchAllOrFail(ctx context.Context, specs ...request.Spec) outcome.Outcome[[]T] {
	outcomes := a.dispatch(ctx, nil, specs).Outcomes()
	payloads := make([]T, len(outcomes))
	for i, o := range outcomes {
		payload, ok := o.Payload()
		if !ok {
			return outcome.Fail[[]T](o.Failure())
		}
		payloads[i] = payload
	}
	return outcome.Success(payloads)
}

// FetchAllOrFailFast is the same as FetchAllOrFail, but on the first failure the remaining requests are cancelled,
// and the first failure by completion order is returned.
func (a *Aggregator[T]) FetchAllOrFailFast(ctx context.Context, specs ...request.Spec) outcome.Outcome[[]T] {
	group, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(a.limit)
	payloads := make([]T, len(specs))
	for i, spec := range request.ShareBodies(specs) {
		group.Go(func() error {
			// Limit number of concurrent requests
			if err := sem.Acquire(ctx, 1); err != nil {
				// Ctx is done, another request failed or the parent ctx is cancelled, the request is reported as not sent
				failure := outcome.NewTransportFailure(spec.Method(), spec.URL, err)
				a.observe(ctx, i, spec, outcome.Fail[T](failure), 0, 0)
				return failure
			}
			defer sem.Release(1)

			startTime := time.Now()
			result, statusCode := a.fetch(ctx, spec)
			a.observe(ctx, i, spec, result, statusCode, time.Since(startTime))
			payload, ok := result.Payload()
			if !ok {
				return result.Failure()
			}
			payloads[i] = payload
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return outcome.Fail[[]T](outcome.AsFailure("", "", err))
	}
	return outcome.Success(payloads)
}
