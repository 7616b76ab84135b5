// Package kafka publishes aggregator events to a Kafka topic.
//
// Each event is produced as one JSON observer.Record, the record key is the request URL,
// so all events of one URL land in the same partition.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/keboola/go-fetch/pkg/observer"
)

// ProduceTimeout limits one produce call.
const ProduceTimeout = 10 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

// Producer is implemented by *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// Observer implements observer.Observer.
// Produce errors do not stop the aggregation, they are collected and returned by the Err method.
type Observer struct {
	producer Producer
	topic    string
	now      func() time.Time

	lock sync.Mutex
	err  *multierror.Error
}

// New connects to the brokers, additional client options can be specified.
func New(brokers []string, topic string, opts ...kgo.Opt) (*Observer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not set")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is not set")
	}
	opts = append([]kgo.Opt{kgo.SeedBrokers(brokers...), kgo.DefaultProduceTopic(topic)}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create kafka client: %w", err)
	}
	return NewWithProducer(client, topic), nil
}

func NewWithProducer(producer Producer, topic string) *Observer {
	return &Observer{producer: producer, topic: topic, now: time.Now}
}

func (o *Observer) Observe(ctx context.Context, e observer.Event) {
	value, err := json.Marshal(observer.NewRecord(e, o.now()))
	if err != nil {
		o.addErr(fmt.Errorf(`cannot encode event "%s": %w`, e.URL, err))
		return
	}

	// The aggregation context may be already cancelled, the event should be delivered anyway
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ProduceTimeout)
	defer cancel()

	record := &kgo.Record{Topic: o.topic, Key: []byte(e.URL), Value: value}
	if err := o.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		o.addErr(fmt.Errorf(`cannot produce event "%s" to topic "%s": %w`, e.URL, o.topic, err))
	}
}

// Err returns all produce errors, or nil.
func (o *Observer) Err() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.err.ErrorOrNil()
}

// Close flushes buffered records and closes the producer.
func (o *Observer) Close(ctx context.Context) error {
	defer o.producer.Close()
	if err := o.producer.Flush(ctx); err != nil {
		return fmt.Errorf("cannot flush kafka producer: %w", err)
	}
	return nil
}

func (o *Observer) addErr(err error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.err = multierror.Append(o.err, err)
}
