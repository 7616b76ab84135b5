// Package aggregator fetches one or more requests and aggregates their outcomes.
//
// All operations share one single-request primitive, FetchOne, which never panics
// and always returns an outcome.Outcome. Request failures are values, not errors:
//   - FetchOne sends one request.
//   - FetchEachIndependently sends all requests concurrently, each outcome is reported in isolation.
//   - FetchEachWithHandler is the same, successful payloads are passed to a Handler.
//   - FetchAllOrFail succeeds only if all requests succeed, otherwise it returns the first failure by input order.
//   - FetchAllOrFailFast cancels remaining requests on the first failure and returns it.
//
// Each finished request is reported to the Observer, in completion order.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/keboola/go-fetch/pkg/client"
	"github.com/keboola/go-fetch/pkg/observer"
	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

// ConcurrencyLimit is the default maximum number of in-flight requests of one operation.
const ConcurrencyLimit = 8

// Handler processes a successful payload, see FetchEachWithHandler.
type Handler[T any] func(ctx context.Context, payload T, url string) error

type config struct {
	observers []observer.Observer
	limit     int64
}

type Option func(c *config)

// WithObserver adds an observer, all observers receive all events.
func WithObserver(o observer.Observer) Option {
	return func(c *config) {
		c.observers = append(c.observers, o)
	}
}

// WithConcurrencyLimit sets the maximum number of in-flight requests of one operation.
// Requests over the limit wait, they are never dropped.
func WithConcurrencyLimit(limit int) Option {
	return func(c *config) {
		if limit < 1 {
			panic(fmt.Errorf("concurrency limit must be greater than 0, found %d", limit))
		}
		c.limit = int64(limit)
	}
}

// Aggregator decodes each response body to the payload type T.
// The value can be used concurrently, no state survives an operation.
type Aggregator[T any] struct {
	sender   client.Sender
	observer observer.Observer
	limit    int64
}

// New creates an Aggregator which sends requests by the sender, for example a client.Client.
func New[T any](sender client.Sender, opts ...Option) *Aggregator[T] {
	if sender == nil {
		panic(fmt.Errorf("sender cannot be nil"))
	}
	cfg := config{limit: ConcurrencyLimit}
	for _, o := range opts {
		o(&cfg)
	}
	return &Aggregator[T]{sender: sender, observer: observer.Multi(cfg.observers...), limit: cfg.limit}
}

// FetchOne sends the request and decodes the body to T.
// An empty body, for example "204 No Content", results in the zero value of T.
func (a *Aggregator[T]) FetchOne(ctx context.Context, spec request.Spec) outcome.Outcome[T] {
	return a.fetchAndObserve(ctx, 0, spec, nil)
}

func (a *Aggregator[T]) fetchAndObserve(ctx context.Context, index int, spec request.Spec, handler Handler[T]) outcome.Outcome[T] {
	startTime := time.Now()
	result, statusCode := a.fetch(ctx, spec)
	if handler != nil && result.IsSuccess() {
		result = callHandler(ctx, handler, spec, result)
	}
	a.observe(ctx, index, spec, result, statusCode, time.Since(startTime))
	return result
}

// fetch never panics, all errors are converted to an outcome.Failure.
func (a *Aggregator[T]) fetch(ctx context.Context, spec request.Spec) (result outcome.Outcome[T], statusCode int) {
	method := spec.Method()
	defer func() {
		if r := recover(); r != nil {
			result = outcome.Fail[T](outcome.NewTransportFailure(method, spec.URL, fmt.Errorf("sender panic: %v", r)))
		}
	}()

	// The network call cannot start
	if err := spec.Validate(); err != nil {
		return outcome.Fail[T](outcome.NewTransportFailure(method, spec.URL, err)), 0
	}

	var payload T
	res, err := a.sender.Send(ctx, spec, &jsonPayload[T]{value: &payload})
	if res != nil {
		statusCode = res.StatusCode
	}
	if err != nil {
		// AsFailure returns a copy, the error of the Sender is not modified
		failure := outcome.AsFailure(method, spec.URL, err)
		if failure.StatusCode == 0 {
			failure.StatusCode = statusCode
		}
		return outcome.Fail[T](failure), statusCode
	}
	return outcome.Success(payload), statusCode
}

func (a *Aggregator[T]) observe(ctx context.Context, index int, spec request.Spec, result outcome.Outcome[T], statusCode int, duration time.Duration) {
	event := observer.Event{
		Index:      index,
		Method:     spec.Method(),
		URL:        spec.URL,
		Failure:    result.Failure(),
		StatusCode: statusCode,
		Duration:   duration,
	}
	if payload, ok := result.Payload(); ok {
		event.Payload = payload
	}
	a.observer.Observe(ctx, event)
}

// callHandler converts a handler error or panic to a Handler failure of the item.
func callHandler[T any](ctx context.Context, handler Handler[T], spec request.Spec, result outcome.Outcome[T]) (out outcome.Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome.Fail[T](outcome.NewHandlerFailure(spec.Method(), spec.URL, fmt.Errorf("handler panic: %v", r)))
		}
	}()
	payload, _ := result.Payload()
	if err := handler(ctx, payload, spec.URL); err != nil {
		return outcome.Fail[T](outcome.NewHandlerFailure(spec.Method(), spec.URL, err))
	}
	return result
}
