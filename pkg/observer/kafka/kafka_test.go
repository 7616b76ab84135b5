package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/keboola/go-fetch/pkg/observer"
	"github.com/keboola/go-fetch/pkg/observer/kafka"
	"github.com/keboola/go-fetch/pkg/outcome"
)

type testProducer struct {
	lock       sync.Mutex
	records    []*kgo.Record
	produceErr error
	flushed    bool
	closed     bool
}

func (p *testProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out kgo.ProduceResults
	for _, r := range rs {
		if p.produceErr == nil {
			p.records = append(p.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: p.produceErr})
	}
	return out
}

func (p *testProducer) Flush(context.Context) error {
	p.flushed = true
	return nil
}

func (p *testProducer) Close() {
	p.closed = true
}

func TestObserver(t *testing.T) {
	t.Parallel()
	producer := &testProducer{}
	o := kafka.NewWithProducer(producer, "fetch-events")

	// Cancelled context does not prevent delivery
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Observe(ctx, observer.Event{Index: 0, Method: "GET", URL: "http://ok/a", Payload: map[string]any{"x": 1}, StatusCode: 200})
	o.Observe(ctx, observer.Event{Index: 1, Method: "GET", URL: "http://bad/b", Failure: outcome.NewHTTPStatusFailure("GET", "http://bad/b", 500), StatusCode: 500})
	require.NoError(t, o.Err())

	require.Len(t, producer.records, 2)
	assert.Equal(t, "fetch-events", producer.records[0].Topic)
	assert.Equal(t, "http://ok/a", string(producer.records[0].Key))

	var record map[string]any
	require.NoError(t, jsoniter.Unmarshal(producer.records[1].Value, &record))
	assert.Equal(t, "http://bad/b", record["url"])
	assert.Equal(t, false, record["success"])
	assert.Equal(t, map[string]any{"kind": "http_status", "detail": "500"}, record["failure"])
	assert.NotEmpty(t, record["fetchedAt"])

	require.NoError(t, o.Close(context.Background()))
	assert.True(t, producer.flushed)
	assert.True(t, producer.closed)
}

func TestObserver_ProduceError(t *testing.T) {
	t.Parallel()
	producer := &testProducer{produceErr: errors.New("broker unavailable")}
	o := kafka.NewWithProducer(producer, "fetch-events")

	o.Observe(context.Background(), observer.Event{Index: 0, Method: "GET", URL: "http://ok/a"})
	err := o.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot produce event "http://ok/a" to topic "fetch-events": broker unavailable`)
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	_, err := kafka.New(nil, "topic")
	assert.EqualError(t, err, "kafka brokers are not set")
	_, err = kafka.New([]string{"localhost:9092"}, "")
	assert.EqualError(t, err, "kafka topic is not set")
}
