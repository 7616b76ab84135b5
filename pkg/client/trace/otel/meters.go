package otel

import otelMetric "go.opentelemetry.io/otel/metric"

const (
	fetchMeterPrefix = "keboola.go.fetch."
	httpMeterPrefix  = "keboola.go.http."
)

type allMeters struct {
	fetch fetchMeters
	http  httpMeters
	parse parseMeters
}

type fetchMeters struct {
	inFlight otelMetric.Int64UpDownCounter
	duration otelMetric.Float64Histogram
}

type httpMeters struct {
	inFlight              otelMetric.Int64UpDownCounter
	duration              otelMetric.Float64Histogram
	responseContentLength otelMetric.Int64Counter
}

type parseMeters struct {
	inFlight otelMetric.Int64UpDownCounter
	duration otelMetric.Float64Histogram
}

func newMeters(meter otelMetric.Meter) *allMeters {
	return &allMeters{
		fetch: fetchMeters{
			inFlight: upDownCounter(meter, fetchMeterPrefix+"request.in_flight", "Fetch: in flight requests."),
			duration: histogram(meter, fetchMeterPrefix+"request.duration", "Fetch: request duration, including redirects and body parsing.", "ms"),
		},
		http: httpMeters{
			inFlight:              upDownCounter(meter, httpMeterPrefix+"request.in_flight", "HTTP request: in flight requests."),
			duration:              histogram(meter, httpMeterPrefix+"request.duration", "HTTP request: response received duration (without parsing).", "ms"),
			responseContentLength: int64Counter(meter, httpMeterPrefix+"response.content_length", "HTTP request: read response bytes.", "By"),
		},
		parse: parseMeters{
			inFlight: upDownCounter(meter, fetchMeterPrefix+"request.parse.in_flight", "Fetch: in flight body parsing."),
			duration: histogram(meter, fetchMeterPrefix+"request.parse.duration", "Fetch: body parse duration.", "ms"),
		},
	}
}

func upDownCounter(meter otelMetric.Meter, name, desc string) otelMetric.Int64UpDownCounter {
	return mustInstrument(meter.Int64UpDownCounter(name, otelMetric.WithDescription(desc)))
}

func int64Counter(meter otelMetric.Meter, name, desc, unit string) otelMetric.Int64Counter {
	return mustInstrument(meter.Int64Counter(name, otelMetric.WithDescription(desc), otelMetric.WithUnit(unit)))
}

func histogram(meter otelMetric.Meter, name, desc, unit string) otelMetric.Float64Histogram {
	return mustInstrument(meter.Float64Histogram(name, otelMetric.WithDescription(desc), otelMetric.WithUnit(unit)))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
