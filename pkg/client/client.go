// Package client provides the single-request primitive used by the aggregator.
//
// Requests are defined by the request.Spec value and sent using the Sender interface.
//
// Client is a default implementation of the Sender interface.
// Client is based on the standard net/http package and contains timeout, authorization
// and tracing/telemetry support. It is easy to implement your custom HTTP client, by implementing Sender interface.
//
// Every error returned by the Client is an *outcome.Failure, classified as
// a transport error, an unsuccessful HTTP status or a body decoding error.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	otelMetric "go.opentelemetry.io/otel/metric"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/keboola/go-fetch/pkg/client/decode"
	"github.com/keboola/go-fetch/pkg/client/trace"
	"github.com/keboola/go-fetch/pkg/client/trace/otel"
	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

// RequestTimeout - default timeout of one fetch, including reading of the response body.
const RequestTimeout = 30 * time.Second

// UserAgent - default User-Agent header.
const UserAgent = "keboola-go-fetch"

// Sender represents an HTTP client, the Client is a default implementation using the standard net/http package.
type Sender interface {
	// Send method sends defined request and maps the response body to the resultDef.
	// Supported resultDef types are `*[]byte`, `*string`, `io.Writer` and a pointer to any JSON-decodable value.
	// Returned error is always an *outcome.Failure.
	Send(ctx context.Context, spec request.Spec, resultDef any) (*http.Response, error)
}

// Client is a default and configurable implementation of the Sender interface by Go native http.Client.
// It supports timeout, OAuth2 and tracing/telemetry.
type Client struct {
	transport    http.RoundTripper
	baseURL      *url.URL
	header       http.Header
	timeout      time.Duration
	tokenSource  oauth2.TokenSource
	traceFactory []trace.Factory
}

// New creates new HTTP Client.
func New() Client {
	c := Client{transport: DefaultTransport(), header: make(http.Header), timeout: RequestTimeout}
	c.header.Set("User-Agent", UserAgent)
	c.header.Set("Accept-Encoding", "gzip, br")
	return c
}

// WithBaseURL returns a clone of the Client with base url set, relative URLs are resolved against it.
func (c Client) WithBaseURL(baseURLStr string) Client {
	baseURL, err := url.Parse(baseURLStr)
	if err != nil {
		panic(fmt.Errorf(`base url "%s" is not valid: %w`, baseURLStr, err))
	}
	c.baseURL = baseURL
	return c
}

// WithUserAgent returns a clone of the Client with user agent set.
func (c Client) WithUserAgent(v string) Client {
	return c.WithHeader("User-Agent", v)
}

// WithHeader returns a clone of the Client with common header set.
func (c Client) WithHeader(key, value string) Client {
	c.header = c.header.Clone()
	c.header.Set(key, value)
	return c
}

// AddHeader returns a clone of the Client with a value added to the common header.
func (c Client) AddHeader(key, value string) Client {
	c.header = c.header.Clone()
	c.header.Add(key, value)
	return c
}

// WithHeaders returns a clone of the Client with common headers set.
func (c Client) WithHeaders(headers map[string]string) Client {
	c.header = c.header.Clone()
	for k, v := range headers {
		c.header.Set(k, v)
	}
	return c
}

// WithTransport returns a clone of the Client with a HTTP transport set.
func (c Client) WithTransport(transport http.RoundTripper) Client {
	if transport == nil {
		panic(fmt.Errorf("transport cannot be nil"))
	}
	c.transport = transport
	return c
}

// WithTimeout returns a clone of the Client with the per-request timeout set, zero means no timeout.
func (c Client) WithTimeout(timeout time.Duration) Client {
	c.timeout = timeout
	return c
}

// WithTokenSource returns a clone of the Client which authorizes each request by a token from the source.
func (c Client) WithTokenSource(src oauth2.TokenSource) Client {
	c.tokenSource = src
	return c
}

// WithTrace returns a clone of the Client with the Trace hooks set. Previous hooks are removed.
func (c Client) WithTrace(fn trace.Factory) Client {
	c.traceFactory = []trace.Factory{fn}
	return c
}

// AndTrace returns a clone of the Client with the Trace hooks added.
func (c Client) AndTrace(fn trace.Factory) Client {
	c.traceFactory = append(c.traceFactory[:len(c.traceFactory):len(c.traceFactory)], fn)
	return c
}

// WithTelemetry returns a clone of the Client with OpenTelemetry tracing and metrics added.
func (c Client) WithTelemetry(tracerProvider otelTrace.TracerProvider, meterProvider otelMetric.MeterProvider, opts ...otel.Option) Client {
	return c.AndTrace(otel.NewTrace(tracerProvider, meterProvider, opts...))
}

// Send method sends HTTP request and maps the response body, it implements the Sender interface.
// The response body is always read and closed before the method returns.
func (c Client) Send(ctx context.Context, spec request.Spec, resultDef any) (res *http.Response, err error) {
	// Method cannot be called on an empty value
	if c.transport == nil {
		panic(fmt.Errorf("client value is not initialized"))
	}

	method := spec.Method()

	// Init trace
	var tc *trace.ClientTrace
	for _, fn := range c.traceFactory {
		var t *trace.ClientTrace
		ctx, t = fn(ctx, spec)
		if t != nil {
			t.Compose(tc)
			tc = t
		}
	}
	if tc != nil {
		ctx = httptrace.WithClientTrace(ctx, &tc.ClientTrace)
		if tc.RequestProcessed != nil {
			defer func() {
				var result any
				if err == nil {
					result = resultDef
				}
				tc.RequestProcessed(result, err)
			}()
		}
	}

	// Convert to absolute url
	reqURL, err := spec.ParsedURL()
	if err != nil {
		return nil, outcome.NewTransportFailure(method, spec.URL, err)
	}
	if c.baseURL != nil {
		reqURL = c.baseURL.ResolveReference(reqURL)
	}
	if !reqURL.IsAbs() {
		return nil, outcome.NewTransportFailure(method, spec.URL, fmt.Errorf(`url "%s" is not absolute`, spec.URL))
	}
	reqURLStr := reqURL.String()

	// Timeout covers the whole fetch, including the body
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, reqURLStr, nil)
	if err != nil {
		return nil, outcome.NewTransportFailure(method, reqURLStr, err)
	}

	// Global headers
	for k, values := range c.header {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	// Request headers
	for k, values := range spec.Header() {
		req.Header.Del(k) // clear global values
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	// Body
	if spec.HasBody() {
		body, err := spec.BodyBytes()
		if err != nil {
			return nil, outcome.NewTransportFailure(method, reqURLStr, fmt.Errorf(`cannot prepare request body: %w`, err))
		}
		req.ContentLength = int64(len(body))
		// GetBody factory is used for requests when a redirect requires reading the body more than once.
		req.GetBody = func() (io.ReadCloser, error) {
			if len(body) == 0 {
				return http.NoBody, nil
			}
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.Body, _ = req.GetBody()
	}

	// Authorization
	transport := c.transport
	if c.tokenSource != nil {
		transport = &oauth2.Transport{Source: c.tokenSource, Base: transport}
	}

	// Setup native client
	nativeClient := http.Client{
		Transport: roundTripper{trace: tc, wrapped: transport}, // wrapped transport for trace
	}

	// Send request
	startedAt := time.Now()
	res, err = nativeClient.Do(req)
	if err != nil {
		return nil, outcome.NewTransportFailure(method, reqURLStr, handleSendError(startedAt, req, err))
	}
	defer res.Body.Close()

	// Generic HTTP error
	if res.StatusCode < 200 || res.StatusCode > 399 {
		_, _ = io.Copy(io.Discard, res.Body)
		return res, outcome.NewHTTPStatusFailure(method, reqURLStr, res.StatusCode)
	}

	// Process body
	if tc != nil && tc.BodyParseStart != nil {
		tc.BodyParseStart(res)
	}
	if err := handleResponseBody(res, method, resultDef); err != nil {
		var f *outcome.Failure
		if errors.As(err, &f) {
			f.Method, f.URL = method, reqURLStr
			return res, f
		}
		return res, outcome.NewTransportFailure(method, reqURLStr, handleSendError(startedAt, req, err))
	}

	return res, nil
}

// handleResponseBody maps the response body to the resultDef.
// Read errors are returned as they are, parsing errors as *outcome.Failure.
func handleResponseBody(r *http.Response, method string, resultDef any) error {
	body, err := decode.Decode(r.Body, r.Header.Get("Content-Encoding"))
	if err != nil {
		return outcome.NewDecodeFailure("", "", r.StatusCode, err)
	}

	// Stream response to io.Writer
	if v, ok := resultDef.(io.Writer); ok {
		if _, err := io.Copy(v, body); err != nil {
			return fmt.Errorf(`cannot read response body: %w`, err)
		}
		if v, ok := v.(io.WriteCloser); ok {
			if err := v.Close(); err != nil {
				return fmt.Errorf(`cannot read response body: %w`, err)
			}
		}
		return nil
	}

	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf(`cannot read response body: %w`, err)
	}

	switch v := resultDef.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = bodyBytes
		return nil
	case *string:
		*v = string(bodyBytes)
		return nil
	}

	// Only responses which cannot have a body keep the zero value of the result
	if len(strings.TrimSpace(string(bodyBytes))) == 0 {
		if isBodyless(method, r.StatusCode) {
			return nil
		}
		return outcome.NewDecodeFailure("", "", r.StatusCode, fmt.Errorf(`cannot decode JSON result: empty body`))
	}

	// Body is parsed as JSON regardless of the Content-Type
	if err := json.Unmarshal(bodyBytes, resultDef); err != nil {
		return outcome.NewDecodeFailure("", "", r.StatusCode, fmt.Errorf(`cannot decode JSON result: %w`, err))
	}
	return nil
}

func isBodyless(method string, statusCode int) bool {
	return method == http.MethodHead || statusCode == http.StatusNoContent || statusCode == http.StatusNotModified
}

// handleSendError converts error to a short human-readable message, the URL is not included.
func handleSendError(startedAt time.Time, req *http.Request, err error) error {
	// Timeout
	var netErr net.Error
	if deadline, ok := req.Context().Deadline(); ok && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timeout after %s", deadline.Sub(startedAt).Round(time.Millisecond))
	} else if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("canceled after %s", time.Since(startedAt).Truncate(time.Millisecond))
	} else if errors.As(err, &netErr) && netErr.Timeout() {
		err = fmt.Errorf("timeout after %s", time.Since(startedAt).Truncate(time.Millisecond))
	}

	// Url error, the URL is already part of the outcome.Failure
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	return err
}

// roundTripper wraps a http.RoundTripper and adds trace functionality.
type roundTripper struct {
	trace   *trace.ClientTrace
	wrapped http.RoundTripper
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Trace request start
	if rt.trace != nil && rt.trace.HTTPRequestStart != nil {
		rt.trace.HTTPRequestStart(req)
	}

	// Send
	res, err := rt.wrapped.RoundTrip(req)

	// Trace request done
	if rt.trace != nil && rt.trace.HTTPRequestDone != nil {
		rt.trace.HTTPRequestDone(res, err)
	}

	return res, err
}
