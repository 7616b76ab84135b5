package otel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/keboola/go-fetch/pkg/outcome"
	"github.com/keboola/go-fetch/pkg/request"
)

const (
	maskedAttrValue = "****"
)

type attributes struct {
	config config
	// definitionURL parsed from the request.Spec, it may be relative
	definitionURL *url.URL
	// definition attributes for span and metrics
	definition []attribute.KeyValue
	// definitionExtra attributes for span only
	definitionExtra []attribute.KeyValue
	// httpRequest attributes for span and metrics
	httpRequest []attribute.KeyValue
	// httpRequestExtra attributes for span only
	httpRequestExtra []attribute.KeyValue
	// httpResponse attributes for span and metrics
	httpResponse []attribute.KeyValue
	// httpResponseExtra attributes for span only
	httpResponseExtra []attribute.KeyValue
	// fetchResult attributes for span and metrics
	fetchResult []attribute.KeyValue
}

func newAttributes(cfg config, spec request.Spec) *attributes {
	out := &attributes{config: cfg}

	reqURL, err := spec.ParsedURL()
	if err != nil {
		reqURL = &url.URL{Path: spec.URL}
	}
	out.definitionURL = reqURL

	out.definition = []attribute.KeyValue{
		attribute.String("definition.method", spec.Method()),
		attribute.String("definition.url.path", mustURLPathUnescape(reqURL.Path)),
		attribute.String("definition.url.host.full", reqURL.Host),
	}
	if dotPos := strings.IndexByte(reqURL.Host, '.'); dotPos > 0 {
		// Host parts: to trace service name (host prefix) and domain (host suffix).
		out.definition = append(out.definition,
			attribute.String("definition.url.host.prefix", reqURL.Host[:dotPos]),
			attribute.String("definition.url.host.suffix", strings.TrimLeft(reqURL.Host[dotPos:], ".")),
		)
	}

	// Definition params
	var extra []attribute.KeyValue
	for k, v := range spec.Header() {
		value := strings.Join(v, ";")
		if cfg.isRedactedHeader(k) {
			value = maskedAttrValue
		}
		extra = append(extra, attribute.String("definition.header."+k, value))
	}
	for k, v := range reqURL.Query() {
		value := strings.Join(v, ";")
		if cfg.isRedactedQueryParam(k) {
			value = maskedAttrValue
		}
		extra = append(extra, attribute.String("definition.params.query."+k, value))
	}
	sortAttrs(extra)
	out.definitionExtra = append(out.definitionExtra, attribute.String("definition.url.full", out.redactedURL(reqURL)))
	out.definitionExtra = append(out.definitionExtra, extra...)

	return out
}

func (v *attributes) SetFromRequest(req *http.Request) {
	if req == nil {
		v.httpRequest = nil
		v.httpRequestExtra = nil
		return
	}

	// Base
	v.httpRequest = []attribute.KeyValue{
		semconv.HTTPMethodKey.String(req.Method),
		semconv.NetPeerNameKey.String(req.URL.Hostname()),
		semconv.HTTPSchemeKey.String(req.URL.Scheme),
	}

	// Extra
	attrs := []attribute.KeyValue{semconv.HTTPURLKey.String(v.redactedURL(req.URL))}
	for key, values := range req.Header {
		key = strings.ToLower(key)
		value := strings.Join(values, ";")
		if v.config.isRedactedHeader(key) {
			value = maskedAttrValue
		}
		attrs = append(attrs, attribute.String("http.header."+key, value))
	}
	sortAttrs(attrs[1:])
	v.httpRequestExtra = attrs
}

func (v *attributes) SetFromResponse(res *http.Response, err error) {
	if res == nil {
		v.httpResponse = nil
		v.httpResponseExtra = nil
	} else {
		// Base
		v.httpResponse = []attribute.KeyValue{
			semconv.HTTPStatusCodeKey.Int(res.StatusCode),
			attribute.Bool("http.response.isRedirection", isRedirection(res)),
		}

		// Extra
		var attrs []attribute.KeyValue
		for key, values := range res.Header {
			key = strings.ToLower(key)
			value := strings.Join(values, ";")
			if v.config.isRedactedHeader(key) {
				value = maskedAttrValue
			}
			attrs = append(attrs, attribute.String("http.response.header."+key, value))
		}
		sortAttrs(attrs)
		v.httpResponseExtra = attrs
	}

	// Error
	var netErr net.Error
	errors.As(err, &netErr)
	v.httpResponse = append(v.httpResponse,
		attribute.Bool("http.response.isSuccess", isSuccess(res, err)),
		attribute.Bool("http.response.error.has", err != nil),
		attribute.Bool("http.response.error.net", netErr != nil),
		attribute.Bool("http.response.error.timeout", netErr != nil && netErr.Timeout()),
		attribute.Bool("http.response.error.cancelled", errors.Is(err, context.Canceled)),
		attribute.Bool("http.response.error.deadline_exceeded", errors.Is(err, context.DeadlineExceeded)),
	)
}

// SetFromResult classifies the whole fetch, see outcome.Kind.
func (v *attributes) SetFromResult(err error) {
	kind := "none"
	if err != nil {
		kind = outcome.AsFailure("", "", err).Kind.String()
	}
	v.fetchResult = []attribute.KeyValue{
		attribute.Bool("fetch.success", err == nil),
		attribute.String("fetch.failure.kind", kind),
	}
}

func (v *attributes) redactedURL(in *url.URL) string {
	u := *in
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if v.config.isRedactedQueryParam(k) {
				q.Set(k, maskedAttrValue)
			}
		}
		u.RawQuery = q.Encode()
	}
	return mustURLPathUnescape(u.String())
}

func sortAttrs(attrs []attribute.KeyValue) {
	sort.SliceStable(attrs, func(i, j int) bool {
		return attrs[i].Key < attrs[j].Key
	})
}
