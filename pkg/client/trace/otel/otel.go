// Package otel provides OpenTelemetry tracing and metrics for fetches sent by the client.Client.
//
// Spans:
//   - "keboola.go.fetch.request" wraps one fetch, including redirects and body parsing.
//   - "http.request" is created for each sent HTTP request, so for each redirect too.
//   - "keboola.go.fetch.request.body.parse" tracks reading and decoding of the accepted response body.
//   - Low-level spans "http.dns", "http.getconn", "http.connect", "http.tls", "http.headers",
//     "http.send" and "http.receive" are created from the native httptrace hooks.
//
// Metrics names start with "keboola.go.fetch." and "keboola.go.http.", see the allMeters struct.
//
// The package [otelhttptrace] is not used, it does not end spans reliably.
//
// [otelhttptrace]: https://pkg.go.dev/go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelMetric "go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/keboola/go-fetch/pkg/client/counter"
	"github.com/keboola/go-fetch/pkg/client/trace"
	"github.com/keboola/go-fetch/pkg/request"
)

const (
	traceAppName     = "github.com/keboola/go-fetch"
	attrResourceName = attribute.Key("resource.name")
	// Low-level tracing, for each redirect.
	httpSpanPrefix             = "http."
	httpRequestSpanName        = httpSpanPrefix + "request"
	httpDNSSpanName            = httpSpanPrefix + "dns"
	httpGetConnSpanName        = httpSpanPrefix + "getconn"
	httpConnectSpanName        = httpSpanPrefix + "connect"
	httpTLSHandshakeSpanName   = httpSpanPrefix + "tls"
	httpHeadersSpanName        = httpSpanPrefix + "headers"
	httpSendSpanName           = httpSpanPrefix + "send"
	httpReceiveSpanName        = httpSpanPrefix + "receive"
	attrDNSAddresses           = attribute.Key("http.dns.addrs")
	attrRemoteAddr             = attribute.Key("http.remote")
	attrLocalAddr              = attribute.Key("http.local")
	attrConnectionReused       = attribute.Key("http.conn.reused")
	attrConnectionWasIdle      = attribute.Key("http.conn.wasidle")
	attrConnectionIdleTime     = attribute.Key("http.conn.idletime")
	attrConnectionStartNetwork = attribute.Key("http.conn.start.network")
	attrConnectionDoneNetwork  = attribute.Key("http.conn.done.network")
	attrConnectionDoneAddr     = attribute.Key("http.conn.done.addr")
	attrReadBytes              = attribute.Key("http.read_bytes")
	// High-level tracing.
	fetchSpanPrefix        = "keboola.go.fetch."
	fetchRequestSpanName   = fetchSpanPrefix + "request"
	fetchBodyParseSpanName = fetchSpanPrefix + "request.body.parse"
	// Extra attributes for DataDog.
	attrSpanKind            = attribute.Key("span.kind")
	attrSpanKindValueClient = "client"
	attrSpanType            = attribute.Key("span.type")
	attrSpanTypeValueHTTP   = "http"
)

// NewTrace creates a trace.Factory which reports spans and metrics of each fetch.
// Nil providers are replaced by noop implementations.
func NewTrace(tracerProvider otelTrace.TracerProvider, meterProvider otelMetric.MeterProvider, opts ...Option) trace.Factory {
	cfg := newConfig(opts)
	if tracerProvider == nil {
		tracerProvider = noop.NewTracerProvider()
	}
	if meterProvider == nil {
		meterProvider = metricNoop.NewMeterProvider()
	}
	tracer := tracerProvider.Tracer(traceAppName)
	meters := newMeters(meterProvider.Meter(traceAppName))

	return func(rootCtx context.Context, spec request.Spec) (context.Context, *trace.ClientTrace) {
		t := &fetchTrace{
			cfg:    cfg,
			tracer: tracer,
			meters: meters,
			attrs:  newAttributes(cfg, spec),
			tc:     &trace.ClientTrace{},
		}
		t.start(rootCtx)
		t.registerHTTPHooks()
		t.registerParseHooks()
		t.registerDNSHooks()
		t.registerConnHooks()
		t.registerSendHooks()
		t.tc.RequestProcessed = t.end
		return t.rootCtx, t.tc
	}
}

// fetchTrace holds the state of one fetch, hooks are called sequentially by the client.
type fetchTrace struct {
	cfg    config
	tracer otelTrace.Tracer
	meters *allMeters
	attrs  *attributes
	tc     *trace.ClientTrace

	startTime time.Time
	rootCtx   context.Context
	rootSpan  otelTrace.Span

	httpCtx         context.Context
	httpRequestSpan otelTrace.Span
	receiveSpan     otelTrace.Span

	parseStart     time.Time
	parseAttrs     []attribute.KeyValue
	bodyParseSpan  otelTrace.Span
	responseLength int64
}

func (t *fetchTrace) start(ctx context.Context) {
	t.startTime = time.Now()
	t.meters.fetch.inFlight.Add(ctx, 1, otelMetric.WithAttributes(t.attrs.definition...))
	t.rootCtx, t.rootSpan = t.tracer.Start(
		ctx,
		fetchRequestSpanName,
		otelTrace.WithSpanKind(otelTrace.SpanKindClient),
		otelTrace.WithAttributes(
			attrResourceName.String(t.attrs.definitionURL.Path),
			attrSpanKind.String(attrSpanKindValueClient),
			attrSpanType.String(attrSpanTypeValueHTTP),
		),
		otelTrace.WithAttributes(t.attrs.definition...),
		otelTrace.WithAttributes(t.attrs.definitionExtra...),
	)
	t.httpCtx = t.rootCtx
}

func (t *fetchTrace) end(_ any, err error) {
	elapsedTime := float64(time.Since(t.startTime)) / float64(time.Millisecond)
	t.attrs.SetFromResult(err)

	// Body parsing, if it has been started
	if t.bodyParseSpan != nil {
		parseElapsed := float64(time.Since(t.parseStart)) / float64(time.Millisecond)
		t.meters.parse.inFlight.Add(t.rootCtx, -1, otelMetric.WithAttributes(t.parseAttrs...))
		t.meters.parse.duration.Record(t.rootCtx, parseElapsed, otelMetric.WithAttributes(t.parseAttrs...), otelMetric.WithAttributes(t.attrs.fetchResult...))
		t.bodyParseSpan.SetAttributes(attrReadBytes.Int64(t.responseLength))
		if err != nil {
			t.bodyParseSpan.RecordError(err)
			t.bodyParseSpan.SetStatus(codes.Error, err.Error())
		}
		t.bodyParseSpan.End()
		t.bodyParseSpan = nil
	}

	// Metrics
	t.meters.fetch.inFlight.Add(t.rootCtx, -1, otelMetric.WithAttributes(t.attrs.definition...)) // same attributes/dimensions as in start!
	t.meters.fetch.duration.Record(t.rootCtx, elapsedTime, otelMetric.WithAttributes(t.attrs.definition...), otelMetric.WithAttributes(t.attrs.fetchResult...))

	// Tracing, attributes from the last response
	t.rootSpan.SetAttributes(t.attrs.httpResponse...)
	t.rootSpan.SetAttributes(t.attrs.httpResponseExtra...)
	t.rootSpan.SetAttributes(t.attrs.fetchResult...)
	if err == nil {
		t.rootSpan.End()
		return
	}
	t.rootSpan.RecordError(err)
	t.rootSpan.SetStatus(codes.Error, err.Error())
	t.rootSpan.End(otelTrace.WithStackTrace(true))
}

func (t *fetchTrace) registerHTTPHooks() {
	var httpRequestStart time.Time
	t.tc.HTTPRequestStart = func(req *http.Request) {
		t.httpCtx, t.httpRequestSpan = t.tracer.Start(
			t.rootCtx,
			httpRequestSpanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(
				attrSpanKind.String(attrSpanKindValueClient),
				attrSpanType.String(attrSpanTypeValueHTTP),
			),
		)

		// Inject trace headers
		if t.cfg.propagators != nil {
			t.cfg.propagators.Inject(t.httpCtx, propagation.HeaderCarrier(req.Header))
		}

		httpRequestStart = time.Now()
		t.attrs.SetFromRequest(req)
		t.meters.http.inFlight.Add(t.rootCtx, 1, otelMetric.WithAttributes(t.attrs.httpRequest...))
		t.httpRequestSpan.SetAttributes(attrResourceName.String(req.URL.Path))
		t.httpRequestSpan.SetAttributes(t.attrs.httpRequest...)
		t.httpRequestSpan.SetAttributes(t.attrs.httpRequestExtra...)
	}
	t.tc.GotFirstResponseByte = func() {
		_, t.receiveSpan = t.tracer.Start(t.httpCtx, httpReceiveSpanName, otelTrace.WithSpanKind(otelTrace.SpanKindClient))
	}
	t.tc.HTTPRequestDone = func(res *http.Response, err error) {
		elapsedTime := float64(time.Since(httpRequestStart)) / float64(time.Millisecond)
		t.attrs.SetFromResponse(res, err)

		// Metrics
		t.meters.http.inFlight.Add(t.rootCtx, -1, otelMetric.WithAttributes(t.attrs.httpRequest...)) // same attributes/dimensions as in HTTPRequestStart!
		t.meters.http.duration.Record(
			t.rootCtx,
			elapsedTime,
			otelMetric.WithAttributes(t.attrs.httpRequest...),
			otelMetric.WithAttributes(t.attrs.httpResponse...),
		)

		// Tracing
		httpRequestSpan, receiveSpan := t.httpRequestSpan, t.receiveSpan
		t.httpRequestSpan, t.receiveSpan = nil, nil
		if httpRequestSpan == nil {
			return
		}
		httpRequestSpan.SetAttributes(t.attrs.httpResponse...)
		httpRequestSpan.SetAttributes(t.attrs.httpResponseExtra...)
		switch {
		case err != nil:
			httpRequestSpan.RecordError(err)
			httpRequestSpan.SetStatus(codes.Error, err.Error())
		case !isSuccess(res, nil):
			httpErr := fmt.Errorf(`HTTP status code: %d %s`, res.StatusCode, http.StatusText(res.StatusCode))
			httpRequestSpan.RecordError(httpErr)
			httpRequestSpan.SetStatus(codes.Error, httpErr.Error())
		}

		endSpans := func(readBytes int64, readErr error) {
			if receiveSpan != nil {
				receiveSpan.SetAttributes(attrReadBytes.Int64(readBytes))
				if readErr != nil {
					receiveSpan.RecordError(readErr)
					receiveSpan.SetStatus(codes.Error, readErr.Error())
				}
				receiveSpan.End()
			}
			httpRequestSpan.SetAttributes(attrReadBytes.Int64(readBytes))
			httpRequestSpan.End()
		}

		// The body is read later, spans are ended when it is closed
		if res == nil || res.Body == nil || res.Body == http.NoBody {
			endSpans(0, nil)
			return
		}
		attrs := append(t.attrs.httpRequest[:len(t.attrs.httpRequest):len(t.attrs.httpRequest)], t.attrs.httpResponse...)
		res.Body = counter.NewReadCloser(res.Body, func(readBytes int64, readErr error) {
			t.responseLength = readBytes
			t.meters.http.responseContentLength.Add(t.rootCtx, readBytes, otelMetric.WithAttributes(attrs...))
			endSpans(readBytes, readErr)
		})
	}
}

func (t *fetchTrace) registerParseHooks() {
	t.tc.BodyParseStart = func(_ *http.Response) {
		t.parseStart = time.Now()
		t.parseAttrs = append(t.attrs.definition[:len(t.attrs.definition):len(t.attrs.definition)], t.attrs.httpResponse...)
		t.meters.parse.inFlight.Add(t.rootCtx, 1, otelMetric.WithAttributes(t.parseAttrs...))
		_, t.bodyParseSpan = t.tracer.Start(
			t.rootCtx,
			fetchBodyParseSpanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(t.attrs.httpRequest...),
			otelTrace.WithAttributes(t.attrs.httpResponse...),
		)
	}
}

// registerDNSHooks and the following methods register low-level tracing from the native httptrace hooks.
func (t *fetchTrace) registerDNSHooks() {
	var dnsSpan otelTrace.Span
	t.tc.DNSStart = func(info httptrace.DNSStartInfo) {
		_, dnsSpan = t.tracer.Start(
			t.httpCtx,
			httpDNSSpanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(semconv.NetHostNameKey.String(info.Host)),
		)
	}
	t.tc.DNSDone = func(info httptrace.DNSDoneInfo) {
		if dnsSpan == nil {
			return
		}
		var addrs []string
		for _, netAddr := range info.Addrs {
			addrs = append(addrs, netAddr.String())
		}
		dnsSpan.SetAttributes(attrDNSAddresses.String(strings.Join(addrs, ";")))
		endSpan(dnsSpan, info.Err)
		dnsSpan = nil
	}
}

func (t *fetchTrace) registerConnHooks() {
	var getConnSpan, connectSpan, tlsSpan otelTrace.Span
	t.tc.GetConn = func(host string) {
		_, getConnSpan = t.tracer.Start(
			t.httpCtx,
			httpGetConnSpanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(semconv.NetHostNameKey.String(host)),
		)
	}
	t.tc.GotConn = func(info httptrace.GotConnInfo) {
		if getConnSpan == nil {
			return
		}
		getConnSpan.SetAttributes(
			attrRemoteAddr.String(info.Conn.RemoteAddr().String()),
			attrLocalAddr.String(info.Conn.LocalAddr().String()),
			attrConnectionReused.Bool(info.Reused),
			attrConnectionWasIdle.Bool(info.WasIdle),
		)
		if info.WasIdle {
			getConnSpan.SetAttributes(attrConnectionIdleTime.String(info.IdleTime.String()))
		}
		getConnSpan.End()
		getConnSpan = nil
	}
	t.tc.ConnectStart = func(network, addr string) {
		_, connectSpan = t.tracer.Start(
			t.httpCtx,
			httpConnectSpanName,
			otelTrace.WithSpanKind(otelTrace.SpanKindClient),
			otelTrace.WithAttributes(attrRemoteAddr.String(addr), attrConnectionStartNetwork.String(network)),
		)
	}
	t.tc.ConnectDone = func(network, addr string, err error) {
		if connectSpan == nil {
			return
		}
		connectSpan.SetAttributes(attrConnectionDoneAddr.String(addr), attrConnectionDoneNetwork.String(network))
		endSpan(connectSpan, err)
		connectSpan = nil
	}
	// Note: TLS handshake is not reported if the http2.Transport is used directly.
	t.tc.TLSHandshakeStart = func() {
		_, tlsSpan = t.tracer.Start(t.httpCtx, httpTLSHandshakeSpanName, otelTrace.WithSpanKind(otelTrace.SpanKindClient))
	}
	t.tc.TLSHandshakeDone = func(_ tls.ConnectionState, err error) {
		if tlsSpan == nil {
			return
		}
		endSpan(tlsSpan, err)
		tlsSpan = nil
	}
}

func (t *fetchTrace) registerSendHooks() {
	var headersSpan, sendSpan otelTrace.Span
	t.tc.WroteHeaderField = func(_ string, _ []string) {
		// Start headers span at first header
		if headersSpan == nil {
			_, headersSpan = t.tracer.Start(t.httpCtx, httpHeadersSpanName, otelTrace.WithSpanKind(otelTrace.SpanKindClient))
		}
	}
	t.tc.WroteHeaders = func() {
		if headersSpan != nil {
			headersSpan.End()
			headersSpan = nil
		}
		_, sendSpan = t.tracer.Start(t.httpCtx, httpSendSpanName, otelTrace.WithSpanKind(otelTrace.SpanKindClient))
	}
	t.tc.WroteRequest = func(info httptrace.WroteRequestInfo) {
		if sendSpan == nil {
			return
		}
		endSpan(sendSpan, info.Err)
		sendSpan = nil
	}
}

func endSpan(span otelTrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

