// Package archive stores aggregator events to a blob bucket.
//
// Each event is written as one JSON observer.Record to the "<prefix>/<index>.json" key.
// Any gocloud.dev bucket can be used, see the Open* functions for the supported providers.
package archive

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"gocloud.dev/blob"

	"github.com/keboola/go-fetch/pkg/observer"
)

// WriteTimeout limits one write, including retries.
const WriteTimeout = 30 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

type config struct {
	prefix     string
	writerOpts *blob.WriterOptions
	newBackoff func() backoff.BackOff
	now        func() time.Time
}

type Option func(c *config)

// WithPrefix sets the key prefix, for example a run ID.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithWriterOptions sets options of each blob write, see S3WriterOptions.
func WithWriterOptions(opts *blob.WriterOptions) Option {
	return func(c *config) {
		c.writerOpts = opts
	}
}

// WithBackoff replaces the default write retry policy.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(c *config) {
		c.newBackoff = fn
	}
}

// WithClock sets the source of the fetchedAt timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// Sink implements observer.Observer.
// Write errors do not stop the aggregation, they are collected and returned by the Err method.
type Sink struct {
	config
	bucket *blob.Bucket

	lock    sync.Mutex
	err     *multierror.Error
	written int
}

func NewSink(bucket *blob.Bucket, opts ...Option) *Sink {
	if bucket == nil {
		panic(fmt.Errorf("bucket cannot be nil"))
	}
	c := config{
		writerOpts: &blob.WriterOptions{ContentType: "application/json"},
		newBackoff: func() backoff.BackOff { return newWriteBackoff() },
		now:        time.Now,
	}
	for _, o := range opts {
		o(&c)
	}
	return &Sink{config: c, bucket: bucket}
}

// Key returns the blob key of the event with the index.
func (s *Sink) Key(index int) string {
	return path.Join(s.prefix, strconv.Itoa(index)+".json")
}

func (s *Sink) Observe(ctx context.Context, e observer.Event) {
	content, err := json.Marshal(observer.NewRecord(e, s.now()))
	if err != nil {
		s.addErr(fmt.Errorf(`cannot encode event "%s": %w`, e.URL, err))
		return
	}

	// The aggregation context may be already cancelled, the event should be stored anyway
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), WriteTimeout)
	defer cancel()

	key := s.Key(e.Index)
	op := func() error {
		return s.bucket.WriteAll(ctx, key, content, s.writerOpts)
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		s.addErr(fmt.Errorf(`cannot write blob "%s": %w`, key, err))
		return
	}

	s.lock.Lock()
	s.written++
	s.lock.Unlock()
}

// Written returns the number of stored events.
func (s *Sink) Written() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.written
}

// Err returns all write errors, or nil.
func (s *Sink) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err.ErrorOrNil()
}

// Close closes the underlying bucket.
func (s *Sink) Close() error {
	return s.bucket.Close()
}

func (s *Sink) addErr(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.err = multierror.Append(s.err, err)
}

// newWriteBackoff creates retry for a blob write.
func newWriteBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.Reset()
	return b
}
