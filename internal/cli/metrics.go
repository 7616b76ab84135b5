package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	export "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const metricsReadHeaderTimeout = 5 * time.Second

// metrics serves fetch meters on the "/metrics" endpoint in the Prometheus format.
type metrics struct {
	registry       *prometheus.Registry
	meterProvider  *metric.MeterProvider
	tracerProvider trace.TracerProvider
	server         *http.Server
	listener       net.Listener
}

func startMetrics(addr string, logger *zap.SugaredLogger) (*metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := export.New(export.WithRegisterer(registry), export.WithoutScopeInfo())
	if err != nil {
		return nil, fmt.Errorf("cannot create prometheus exporter: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, configError(`cannot listen on "%s": %w`, addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	m := &metrics{
		registry:       registry,
		meterProvider:  metric.NewMeterProvider(metric.WithReader(exporter)),
		tracerProvider: noop.NewTracerProvider(),
		server:         &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout},
		listener:       listener,
	}

	go func() {
		logger.Infow("metrics server started", "addr", listener.Addr().String())
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", "err", err.Error())
		}
	}()
	return m, nil
}

func (m *metrics) addr() string {
	return m.listener.Addr().String()
}

func (m *metrics) shutdown(ctx context.Context) error {
	return errors.Join(m.server.Shutdown(ctx), m.meterProvider.Shutdown(ctx))
}
