package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"

	"github.com/keboola/go-fetch/pkg/aggregator"
	"github.com/keboola/go-fetch/pkg/archive"
	"github.com/keboola/go-fetch/pkg/client"
	"github.com/keboola/go-fetch/pkg/client/trace"
	"github.com/keboola/go-fetch/pkg/observer"
	"github.com/keboola/go-fetch/pkg/observer/kafka"
	"github.com/keboola/go-fetch/pkg/outcome"
)

// ShutdownTimeout limits closing of sinks and the metrics server.
const ShutdownTimeout = 10 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

// run is one invocation of a fetch sub-command.
type run struct {
	*flags
	stdout    io.Writer
	stderr    io.Writer
	transport http.RoundTripper

	logger    *zap.SugaredLogger
	collector *observer.Collector
	closers   []func(ctx context.Context) error
	outLock   sync.Mutex
}

func (r *run) one(ctx context.Context, args []string) (err error) {
	specs, err := r.specs(args)
	if err != nil {
		return err
	}
	if len(specs) != 1 {
		return configError("exactly one request expected, found %d", len(specs))
	}

	agg, err := r.setup(ctx)
	defer r.shutdown(&err)
	if err != nil {
		return err
	}

	agg.FetchOne(ctx, specs[0])
	return r.finish()
}

func (r *run) each(ctx context.Context, args []string, stream bool) (err error) {
	specs, err := r.specs(args)
	if err != nil {
		return err
	}

	agg, err := r.setup(ctx)
	defer r.shutdown(&err)
	if err != nil {
		return err
	}

	var batch *aggregator.Batch[any]
	if stream {
		batch = agg.FetchEachWithHandler(ctx, r.printPayload, specs...)
	} else {
		batch = agg.FetchEachIndependently(ctx, specs...)
	}
	report := batch.Wait()
	r.logger.Infow("fetch done", "total", report.Total, "succeeded", report.Succeeded, "failed", report.Failed)
	if stream {
		return r.exitErr()
	}
	return r.finish()
}

func (r *run) all(ctx context.Context, args []string, failFast bool) (err error) {
	specs, err := r.specs(args)
	if err != nil {
		return err
	}

	agg, err := r.setup(ctx)
	defer r.shutdown(&err)
	if err != nil {
		return err
	}

	var result outcome.Outcome[[]any]
	if failFast {
		result = agg.FetchAllOrFailFast(ctx, specs...)
	} else {
		result = agg.FetchAllOrFail(ctx, specs...)
	}

	// Only the aggregate is printed, there is no partial result
	if payloads, ok := result.Payload(); ok {
		return r.printLine(allRecord{Success: true, Payload: payloads})
	}
	failure := result.Failure()
	r.logger.Warnw("fetch all failed", "err", failure.Error())
	if err := r.printLine(allRecord{
		Method:     failure.Method,
		URL:        failure.URL,
		Failure:    &observer.RecordFailure{Kind: failure.Kind, Detail: failure.Detail},
		StatusCode: failure.StatusCode,
	}); err != nil {
		return err
	}
	return &ExitError{Code: ExitFetchError, Err: failure}
}

// allRecord is the output of the "all" command, the payloads by input order or the failure.
type allRecord struct {
	Success    bool                    `json:"success"`
	Payload    []any                   `json:"payload,omitempty"`
	Method     string                  `json:"method,omitempty"`
	URL        string                  `json:"url,omitempty"`
	Failure    *observer.RecordFailure `json:"failure,omitempty"`
	StatusCode int                     `json:"statusCode,omitempty"`
}

// setup creates the aggregator with all configured observers.
// Resources opened before an error are closed by shutdown.
func (r *run) setup(ctx context.Context) (*aggregator.Aggregator[any], error) {
	r.logger = newLogger(r.stderr, r.verbose)
	r.collector = observer.NewCollector()

	transport := r.transport
	if transport == nil {
		cfg := client.DefaultTransportConfig()
		cfg.MaxConnsPerHost = r.maxConns
		cfg.HTTP2 = r.http2
		transport = cfg.NewTransport()
	}
	c := client.New().WithTransport(transport).WithTimeout(r.timeout)
	if r.baseURL != "" {
		c = c.WithBaseURL(r.baseURL)
	}
	if r.token != "" {
		c = c.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: r.token, TokenType: "Bearer"}))
	}
	if r.verbose {
		c = c.AndTrace(trace.LogTracer(r.stderr))
	}
	if r.dump {
		c = c.AndTrace(trace.DumpTracer(r.stderr))
	}

	opts := []aggregator.Option{
		aggregator.WithConcurrencyLimit(r.concurrency),
		aggregator.WithObserver(r.collector),
		aggregator.WithObserver(observer.NewZapObserver(r.logger)),
	}

	if r.metricsAddr != "" {
		m, err := startMetrics(r.metricsAddr, r.logger)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, m.shutdown)
		c = c.WithTelemetry(m.tracerProvider, m.meterProvider)
	}

	if r.archiveDestinations() > 0 {
		bucket, archiveOpts, err := r.openArchive(ctx)
		if err != nil {
			return nil, configError("%w", err)
		}
		sink := archive.NewSink(bucket, archiveOpts...)
		opts = append(opts, aggregator.WithObserver(sink))
		r.closers = append(r.closers, func(context.Context) error {
			err := sink.Err()
			r.logger.Infow("archive closed", "written", sink.Written())
			if closeErr := sink.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
			return err
		})
	}

	if len(r.kafkaBrokers) > 0 {
		producer, err := kafka.New(r.kafkaBrokers, r.kafkaTopic)
		if err != nil {
			return nil, configError("%w", err)
		}
		opts = append(opts, aggregator.WithObserver(producer))
		r.closers = append(r.closers, func(ctx context.Context) error {
			return errors.Join(producer.Err(), producer.Close(ctx))
		})
	}

	return aggregator.New[any](c, opts...), nil
}

// shutdown closes sinks in reverse order, their errors are returned only if the run itself succeeded.
func (r *run) shutdown(errPtr *error) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs *multierror.Error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	_ = r.logger.Sync()

	if err := errs.ErrorOrNil(); err != nil {
		if *errPtr == nil || ExitCode(*errPtr) == ExitFetchError {
			*errPtr = &ExitError{Code: ExitGeneralError, Err: err}
		}
	}
}

// finish prints all outcomes by input order.
func (r *run) finish() error {
	events := r.collector.Events()
	sort.SliceStable(events, func(i, j int) bool { return events[i].Index < events[j].Index })
	for _, e := range events {
		if err := r.printLine(observer.NewRecord(e, time.Now())); err != nil {
			return err
		}
	}
	return r.exitErr()
}

func (r *run) exitErr() error {
	succeeded, failed := r.collector.Counts()
	if failed > 0 {
		return &ExitError{Code: ExitFetchError, Err: fmt.Errorf("%d of %d fetches failed", failed, succeeded+failed)}
	}
	return nil
}

func (r *run) printPayload(_ context.Context, payload any, url string) error {
	return r.printLine(map[string]any{"url": url, "payload": payload})
}

func (r *run) printLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot encode output: %w", err)
	}
	r.outLock.Lock()
	defer r.outLock.Unlock()
	if _, err := fmt.Fprintln(r.stdout, string(line)); err != nil {
		return fmt.Errorf("cannot write output: %w", err)
	}
	return nil
}

func newLogger(wr io.Writer, verbose bool) *zap.SugaredLogger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(wr), level)
	return zap.New(core).Sugar()
}
