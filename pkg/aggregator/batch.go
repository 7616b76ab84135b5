package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

// Report summarizes a finished Batch.
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	// Err contains all failures, in completion order.
	// A single failure is not wrapped. It is nil if all requests succeeded.
	Err error
}

// Batch is a set of requests dispatched concurrently.
//
// Requests start immediately when the Batch is created.
// A failure of one request never affects the others.
// The Wait method blocks until all requests are done.
type Batch[T any] struct {
	wg       sync.WaitGroup
	sem      *semaphore.Weighted // limit concurrency
	outcomes []outcome.Outcome[T]

	lock      sync.Mutex // for the fields below
	succeeded int
	failed    int
	err       *multierror.Error
}

// FetchEachIndependently sends all requests concurrently and returns immediately.
// Each outcome is reported to the observer independently, in completion order.
func (a *Aggregator[T]) FetchEachIndependently(ctx context.Context, specs ...request.Spec) *Batch[T] {
	return a.dispatch(ctx, nil, specs)
}

// FetchEachWithHandler is the same as FetchEachIndependently, but each successful payload is passed to the handler.
// A handler error or panic results in a Handler failure of the item, other items are not affected.
func (a *Aggregator[T]) FetchEachWithHandler(ctx context.Context, handler Handler[T], specs ...request.Spec) *Batch[T] {
	if handler == nil {
		panic(fmt.Errorf("handler cannot be nil"))
	}
	return a.dispatch(ctx, handler, specs)
}

func (a *Aggregator[T]) dispatch(ctx context.Context, handler Handler[T], specs []request.Spec) *Batch[T] {
	b := &Batch[T]{sem: semaphore.NewWeighted(a.limit), outcomes: make([]outcome.Outcome[T], len(specs))}
	for i, spec := range request.ShareBodies(specs) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()

			// Limit number of concurrent requests
			var result outcome.Outcome[T]
			if err := b.sem.Acquire(ctx, 1); err != nil {
				// Ctx is done, the request is reported as not sent
				result = outcome.Fail[T](outcome.NewTransportFailure(spec.Method(), spec.URL, err))
				a.observe(ctx, i, spec, result, 0, 0)
			} else {
				result = a.fetchAndObserve(ctx, i, spec, handler)
				b.sem.Release(1)
			}

			b.add(i, result)
		}()
	}
	return b
}

func (b *Batch[T]) add(index int, result outcome.Outcome[T]) {
	// Each goroutine writes its own index
	b.outcomes[index] = result

	b.lock.Lock()
	defer b.lock.Unlock()
	if result.IsSuccess() {
		b.succeeded++
	} else {
		b.failed++
		b.err = multierror.Append(b.err, result.Failure())
	}
}

// Wait for all requests to complete.
func (b *Batch[T]) Wait() Report {
	b.wg.Wait()
	b.lock.Lock()
	defer b.lock.Unlock()
	r := Report{Total: len(b.outcomes), Succeeded: b.succeeded, Failed: b.failed}
	// If there is only one error, then unwrap multierror
	if b.err != nil && len(b.err.Errors) == 1 {
		r.Err = b.err.Errors[0]
	} else {
		r.Err = b.err.ErrorOrNil()
	}
	return r
}

// Outcomes waits for all requests and returns outcomes index-aligned with the input specs.
func (b *Batch[T]) Outcomes() []outcome.Outcome[T] {
	b.wg.Wait()
	out := make([]outcome.Outcome[T], len(b.outcomes))
	copy(out, b.outcomes)
	return out
}
