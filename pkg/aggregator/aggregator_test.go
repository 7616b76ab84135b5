package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/go-fetch/pkg/aggregator"
	"github.com/keboola/go-fetch/pkg/client"
	"github.com/keboola/go-fetch/pkg/observer"
	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

type payload struct {
	X int `json:"x"`
}

func get(url string) request.Spec {
	return request.NewSpec(url, request.Options{})
}

func delayedResponder(delay time.Duration, status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		time.Sleep(delay)
		return httpmock.NewStringResponse(status, body), nil
	}
}

// newExample mocks the endpoints: "http://ok/a" -> 200 {"x":1}, "http://bad/b" -> 500.
func newExample(t *testing.T) (client.Client, *httpmock.MockTransport) {
	t.Helper()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/a", httpmock.NewStringResponder(200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://bad/b", httpmock.NewStringResponder(500, `{"error":"boom"}`))
	return c, transport
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	assert.PanicsWithError(t, "sender cannot be nil", func() {
		aggregator.New[payload](nil)
	})
	assert.PanicsWithError(t, "concurrency limit must be greater than 0, found 0", func() {
		aggregator.New[payload](client.New(), aggregator.WithConcurrencyLimit(0))
	})
}

func TestFetchOne_Success(t *testing.T) {
	t.Parallel()
	c, transport := newExample(t)
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	result := agg.FetchOne(context.Background(), get("http://ok/a"))
	require.True(t, result.IsSuccess(), spew.Sdump(result))
	p, ok := result.Payload()
	assert.True(t, ok)
	assert.Equal(t, payload{X: 1}, p)
	assert.Equal(t, "Success({1})", result.String())
	assert.Equal(t, 1, transport.GetCallCountInfo()["GET http://ok/a"])

	// Reported to the observer
	if e := events.Events(); assert.Len(t, e, 1) {
		assert.True(t, e[0].IsSuccess())
		assert.Equal(t, 0, e[0].Index)
		assert.Equal(t, "GET", e[0].Method)
		assert.Equal(t, "http://ok/a", e[0].URL)
		assert.Equal(t, payload{X: 1}, e[0].Payload)
		assert.Equal(t, 200, e[0].StatusCode)
	}
}

func TestFetchOne_Failures(t *testing.T) {
	t.Parallel()
	c, transport := newExample(t)
	transport.RegisterResponder("GET", "http://bad/missing", httpmock.NewStringResponder(404, ``))
	transport.RegisterResponder("GET", "http://bad/json", httpmock.NewStringResponder(200, `<html>`))
	transport.RegisterResponder("GET", "http://down/c", httpmock.NewErrorResponder(errors.New("connection reset by peer")))
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	cases := []struct {
		url    string
		kind   outcome.Kind
		detail string
		status int
	}{
		{url: "http://bad/b", kind: outcome.KindHTTPStatus, detail: "500", status: 500},
		{url: "http://bad/missing", kind: outcome.KindHTTPStatus, detail: "404", status: 404},
		{url: "http://bad/json", kind: outcome.KindDecode, status: 200},
		{url: "http://down/c", kind: outcome.KindTransport, detail: "connection reset by peer"},
		{url: "", kind: outcome.KindTransport, detail: "request url is not set"},
		{url: "http://", kind: outcome.KindTransport, detail: `url "http://" is not valid: missing host`},
	}
	for _, tc := range cases {
		result := agg.FetchOne(context.Background(), get(tc.url))
		require.False(t, result.IsSuccess(), tc.url)
		p, ok := result.Payload()
		assert.False(t, ok, tc.url)
		assert.Equal(t, payload{}, p, tc.url)

		failure := result.Failure()
		assert.Equal(t, tc.kind, failure.Kind, tc.url)
		assert.Equal(t, tc.status, failure.StatusCode, tc.url)
		if tc.detail != "" {
			assert.Equal(t, tc.detail, failure.Detail, tc.url)
		}
		assert.Equal(t, failure, result.Err(), tc.url)
	}

	// Each failure is reported, invalid URLs are not sent
	assert.Len(t, events.Events(), len(cases))
	assert.Equal(t, 4, transport.GetTotalCallCount())
}

func TestFetchOne_EmptyBody(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("DELETE", "http://ok/item", httpmock.NewStringResponder(http.StatusNoContent, ``))
	transport.RegisterResponder("HEAD", "http://ok/item", httpmock.NewStringResponder(http.StatusOK, ``))
	transport.RegisterResponder("GET", "http://ok/item", httpmock.NewStringResponder(http.StatusOK, ` `))
	agg := aggregator.New[*payload](c)

	// No body is expected
	result := agg.FetchOne(context.Background(), get("http://ok/item").WithMethod(http.MethodDelete))
	require.True(t, result.IsSuccess(), spew.Sdump(result))
	p, _ := result.Payload()
	assert.Nil(t, p)
	assert.True(t, agg.FetchOne(context.Background(), get("http://ok/item").WithMethod(http.MethodHead)).IsSuccess())

	// Empty body is not a valid JSON
	result = agg.FetchOne(context.Background(), get("http://ok/item"))
	require.False(t, result.IsSuccess())
	assert.Equal(t, outcome.KindDecode, result.Failure().Kind)
	assert.Equal(t, "cannot decode JSON result: empty body", result.Failure().Detail)
	assert.Equal(t, http.StatusOK, result.Failure().StatusCode)
}

func TestFetchOne_StringPayload(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/string", httpmock.NewStringResponder(200, `"abc"`))
	transport.RegisterResponder("GET", "http://ok/bytes", httpmock.NewStringResponder(200, `"aGVsbG8="`))
	transport.RegisterResponder("GET", "http://bad/html", httpmock.NewStringResponder(200, `<html>not json`))

	// String and bytes are decoded from JSON, not copied from the body
	str := aggregator.New[string](c)
	assert.Equal(t, "Success(abc)", str.FetchOne(context.Background(), get("http://ok/string")).String())
	result := str.FetchOne(context.Background(), get("http://bad/html"))
	require.False(t, result.IsSuccess())
	assert.Equal(t, outcome.KindDecode, result.Failure().Kind)

	bytes, err := aggregator.New[[]byte](c).FetchOne(context.Background(), get("http://ok/bytes")).Unpack()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), bytes)
	result2 := aggregator.New[[]byte](c).FetchOne(context.Background(), get("http://bad/html"))
	require.False(t, result2.IsSuccess())
	assert.Equal(t, outcome.KindDecode, result2.Failure().Kind)
}

func TestFetchOne_FailureIsolation(t *testing.T) {
	t.Parallel()
	c, _ := newExample(t)
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	batch := agg.FetchEachIndependently(context.Background(), get("http://bad/b"))
	batch.Wait()

	// Neither a returned failure nor the reported event shares the outcome failure
	returned := batch.Outcomes()[0].Failure()
	returned.Kind, returned.Detail = outcome.KindDecode, "tampered"
	events.Events()[0].Failure.Detail = "tampered"
	assert.Equal(t, "Failure(http_status, 500)", batch.Outcomes()[0].String())
}

func TestFetchOne_Idempotence(t *testing.T) {
	t.Parallel()
	c, _ := client.NewMockedClient()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://ok/list", httpmock.NewStringResponder(200, `[{"x":1},{"x":2}]`))
	agg := aggregator.New[[]*payload](c.WithTransport(transport))

	first, err := agg.FetchOne(context.Background(), get("http://ok/list")).Unpack()
	require.NoError(t, err)
	second, err := agg.FetchOne(context.Background(), get("http://ok/list")).Unpack()
	require.NoError(t, err)

	// Equal values, not identical
	assert.Equal(t, first, second)
	assert.NotSame(t, first[0], second[0])
}

func TestFetchOne_SenderPanic(t *testing.T) {
	t.Parallel()
	sender := panicSender{}
	agg := aggregator.New[payload](sender)

	var result outcome.Outcome[payload]
	assert.NotPanics(t, func() {
		result = agg.FetchOne(context.Background(), get("http://ok/a"))
	})
	require.False(t, result.IsSuccess())
	assert.Equal(t, outcome.KindTransport, result.Failure().Kind)
	assert.Equal(t, "sender panic: unexpected", result.Failure().Detail)
}

type panicSender struct{}

func (panicSender) Send(context.Context, request.Spec, any) (*http.Response, error) {
	panic("unexpected")
}

func TestFetchEachIndependently(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/slow", delayedResponder(60*time.Millisecond, 200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://bad/medium", delayedResponder(30*time.Millisecond, 503, ``))
	transport.RegisterResponder("GET", "http://ok/fast", delayedResponder(0, 200, `{"x":3}`))
	transport.RegisterResponder("GET", "http://bad/fast", delayedResponder(0, 400, ``))
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	batch := agg.FetchEachIndependently(context.Background(),
		get("http://ok/slow"),
		get("http://bad/medium"),
		get("http://ok/fast"),
		get("http://bad/fast"),
	)
	report := batch.Wait()

	// Exactly N outcomes, k failures
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	if assert.Error(t, report.Err) {
		assert.Contains(t, report.Err.Error(), "2 errors occurred")
		assert.Contains(t, report.Err.Error(), `request GET "http://bad/medium" failed: http_status 503`)
		assert.Contains(t, report.Err.Error(), `request GET "http://bad/fast" failed: http_status 400`)
	}
	succeeded, failed := events.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 2, failed)

	// Outcomes are index-aligned
	outcomes := batch.Outcomes()
	require.Len(t, outcomes, 4)
	assert.Equal(t, "Success({1})", outcomes[0].String())
	assert.Equal(t, "Failure(http_status, 503)", outcomes[1].String())
	assert.Equal(t, "Success({3})", outcomes[2].String())
	assert.Equal(t, "Failure(http_status, 400)", outcomes[3].String())

	// Events are reported in completion order, the slow request is the last one
	all := events.Events()
	require.Len(t, all, 4)
	assert.Equal(t, 0, all[3].Index)
	assert.Equal(t, "http://ok/slow", all[3].URL)
	byIndex := events.ByIndex()
	for i, o := range outcomes {
		assert.Equal(t, o.IsSuccess(), byIndex[i].IsSuccess())
	}
}

func TestFetchEachIndependently_SingleFailure(t *testing.T) {
	t.Parallel()
	c, _ := newExample(t)
	agg := aggregator.New[payload](c)

	report := agg.FetchEachIndependently(context.Background(), get("http://ok/a"), get("http://bad/b"), get("http://ok/a")).Wait()
	assert.Equal(t, aggregator.Report{Total: 3, Succeeded: 2, Failed: 1, Err: report.Err}, report)

	// Single error is not wrapped
	var failure *outcome.Failure
	require.ErrorAs(t, report.Err, &failure)
	assert.Equal(t, `request GET "http://bad/b" failed: http_status 500`, report.Err.Error())

	// Empty input
	report = agg.FetchEachIndependently(context.Background()).Wait()
	assert.Equal(t, aggregator.Report{}, report)
}

func TestFetchEachWithHandler(t *testing.T) {
	t.Parallel()
	c, transport := newExample(t)
	transport.RegisterResponder("GET", "http://ok/c", httpmock.NewStringResponder(200, `{"x":3}`))
	transport.RegisterResponder("GET", "http://ok/d", httpmock.NewStringResponder(200, `{"x":4}`))
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	var handled atomic.Int64
	handler := func(ctx context.Context, p payload, url string) error {
		switch url {
		case "http://ok/c":
			return errors.New("cannot store payload")
		case "http://ok/d":
			panic("handler bug")
		}
		handled.Add(int64(p.X))
		return nil
	}

	batch := agg.FetchEachWithHandler(context.Background(), handler,
		get("http://ok/a"),
		get("http://bad/b"),
		get("http://ok/c"),
		get("http://ok/d"),
	)
	report := batch.Wait()
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.Failed)

	// Handler is called only for the successful payload
	assert.Equal(t, int64(1), handled.Load())

	// Handler failures are isolated
	outcomes := batch.Outcomes()
	assert.True(t, outcomes[0].IsSuccess())
	assert.Equal(t, outcome.KindHTTPStatus, outcomes[1].Failure().Kind)
	assert.Equal(t, outcome.KindHandler, outcomes[2].Failure().Kind)
	assert.Equal(t, "cannot store payload", outcomes[2].Failure().Detail)
	assert.Equal(t, outcome.KindHandler, outcomes[3].Failure().Kind)
	assert.Equal(t, "handler panic: handler bug", outcomes[3].Failure().Detail)
	assert.Equal(t, `request GET "http://ok/c" failed: handler: cannot store payload`, outcomes[2].Err().Error())

	// Handler failure is reported with the response status
	byIndex := events.ByIndex()
	assert.False(t, byIndex[2].IsSuccess())
	assert.Equal(t, 200, byIndex[2].StatusCode)

	assert.PanicsWithError(t, "handler cannot be nil", func() {
		agg.FetchEachWithHandler(context.Background(), nil, get("http://ok/a"))
	})
}

func TestFetchEachIndependently_SharedReaderBody(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("POST", `=~^http://ok/`, func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(200, fmt.Sprintf(`{"x":%d}`, len(body))), nil
	})
	agg := aggregator.New[payload](c, aggregator.WithConcurrencyLimit(3))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))
	file, err := os.Open(path) //nolint:gosec
	require.NoError(t, err)

	// One reader is shared by all specs
	var specs []request.Spec
	for i := range 10 {
		specs = append(specs, request.Spec{URL: fmt.Sprintf("http://ok/%d", i), Options: request.Options{Method: "POST", Body: file}})
	}
	outcomes := agg.FetchEachIndependently(context.Background(), specs...).Outcomes()
	require.Len(t, outcomes, 10)
	for _, o := range outcomes {
		assert.Equal(t, "Success({7})", o.String())
	}
	assert.Equal(t, 10, transport.GetTotalCallCount())

	// The file is read once and closed
	assert.ErrorIs(t, file.Close(), os.ErrClosed)
}

func TestFetchAllOrFail_Success(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/1", delayedResponder(40*time.Millisecond, 200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://ok/2", delayedResponder(20*time.Millisecond, 200, `{"x":2}`))
	transport.RegisterResponder("GET", "http://ok/3", delayedResponder(0, 200, `{"x":3}`))
	agg := aggregator.New[payload](c)

	result := agg.FetchAllOrFail(context.Background(), get("http://ok/1"), get("http://ok/2"), get("http://ok/3"))
	payloads, err := result.Unpack()
	require.NoError(t, err)

	// Index-aligned with input, not with completion
	assert.Equal(t, []payload{{X: 1}, {X: 2}, {X: 3}}, payloads)

	// Empty input
	payloads, err = agg.FetchAllOrFail(context.Background()).Unpack()
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestFetchAllOrFail_Failure(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/1", delayedResponder(0, 200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://bad/slow", delayedResponder(50*time.Millisecond, 500, ``))
	transport.RegisterResponder("GET", "http://bad/fast", delayedResponder(0, 404, ``))
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	result := agg.FetchAllOrFail(context.Background(), get("http://ok/1"), get("http://bad/slow"), get("http://bad/fast"))
	require.False(t, result.IsSuccess())

	// No partial result
	payloads, ok := result.Payload()
	assert.False(t, ok)
	assert.Nil(t, payloads)

	// First failure by input order, although it completed last
	assert.Equal(t, "Failure(http_status, 500)", result.String())
	assert.Equal(t, "http://bad/slow", result.Failure().URL)

	// All requests were completed and reported
	assert.Len(t, events.Events(), 3)
	assert.Equal(t, 3, transport.GetTotalCallCount())
}

func TestFetchAllOrFailFast(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/1", delayedResponder(0, 200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://bad/slow", delayedResponder(time.Second, 500, ``))
	transport.RegisterResponder("GET", "http://bad/fast", delayedResponder(10*time.Millisecond, 404, ``))
	agg := aggregator.New[payload](c)

	startTime := time.Now()
	result := agg.FetchAllOrFailFast(context.Background(), get("http://ok/1"), get("http://bad/slow"), get("http://bad/fast"))
	require.False(t, result.IsSuccess())

	// First failure by completion order, the slow request is cancelled
	assert.Equal(t, "Failure(http_status, 404)", result.String())
	assert.Less(t, time.Since(startTime), 500*time.Millisecond)

	// All success
	payloads, err := agg.FetchAllOrFailFast(context.Background(), get("http://ok/1"), get("http://ok/1")).Unpack()
	require.NoError(t, err)
	assert.Equal(t, []payload{{X: 1}, {X: 1}}, payloads)
}

func TestFetchAllOrFailFast_Observer(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	transport.RegisterResponder("GET", "http://ok/1", delayedResponder(20*time.Millisecond, 200, `{"x":1}`))
	transport.RegisterResponder("GET", "http://bad/fast", delayedResponder(0, 404, ``))
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events), aggregator.WithConcurrencyLimit(1))

	specs := []request.Spec{get("http://bad/fast"), get("http://ok/1"), get("http://ok/1"), get("http://ok/1")}
	result := agg.FetchAllOrFailFast(context.Background(), specs...)
	require.False(t, result.IsSuccess())

	// Each input is reported once, including requests which have not been sent
	byIndex := events.ByIndex()
	assert.Len(t, events.Events(), len(specs))
	assert.Len(t, byIndex, len(specs))
	assert.LessOrEqual(t, transport.GetTotalCallCount(), len(specs))
}

func TestWorkedExample(t *testing.T) {
	t.Parallel()
	c, _ := newExample(t)
	events := observer.NewCollector()
	agg := aggregator.New[map[string]any](c, aggregator.WithObserver(events))
	specs := request.Specs([]string{"http://ok/a", "http://bad/b"}, request.Options{})

	// All or fail
	all := agg.FetchAllOrFail(context.Background(), specs...)
	require.False(t, all.IsSuccess())
	assert.Equal(t, outcome.KindHTTPStatus, all.Failure().Kind)
	assert.Equal(t, "500", all.Failure().Detail)

	// Independently
	events.Reset()
	agg.FetchEachIndependently(context.Background(), specs...).Wait()
	byIndex := events.ByIndex()
	require.Len(t, byIndex, 2)
	assert.True(t, byIndex[0].IsSuccess())
	assert.Equal(t, map[string]any{"x": float64(1)}, byIndex[0].Payload)
	assert.False(t, byIndex[1].IsSuccess())
	assert.Equal(t, outcome.KindHTTPStatus, byIndex[1].Failure.Kind)
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()
	c, transport := client.NewMockedClient()
	var inFlight, maxInFlight atomic.Int64
	transport.RegisterResponder("GET", `=~^http://ok/`, func(req *http.Request) (*http.Response, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if current <= prev || maxInFlight.CompareAndSwap(prev, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return httpmock.NewStringResponse(200, `{"x":1}`), nil
	})
	agg := aggregator.New[payload](c, aggregator.WithConcurrencyLimit(2))

	var specs []request.Spec
	for range 10 {
		specs = append(specs, get("http://ok/item"))
	}
	report := agg.FetchEachIndependently(context.Background(), specs...).Wait()

	// Requests over the limit wait, none is dropped
	assert.Equal(t, 10, report.Succeeded)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(2))
	assert.Equal(t, 10, transport.GetTotalCallCount())
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()
	c, transport := newExample(t)
	events := observer.NewCollector()
	agg := aggregator.New[payload](c, aggregator.WithObserver(events))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := agg.FetchEachIndependently(ctx, get("http://ok/a"), get("http://ok/a")).Wait()
	assert.Equal(t, 2, report.Failed)
	for _, e := range events.Events() {
		assert.Equal(t, outcome.KindTransport, e.Failure.Kind)
	}
	assert.Equal(t, 0, transport.GetTotalCallCount())
}
