// Package observer provides the reporting channel of the aggregator.
//
// The aggregator never logs. Each finished fetch is passed to the injected Observer as an Event,
// the caller decides how to report it: log it (NewZapObserver), collect it (Collector),
// archive it (archive.Sink) or publish it (kafka.Observer).
//
// Observers are called concurrently from the dispatch goroutines, implementations must be safe for concurrent use.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/keboola/go-fetch/pkg/outcome"
)

// Event describes one finished fetch.
type Event struct {
	// Index of the request in the input sequence.
	Index  int
	Method string
	URL    string
	// Payload is set only on success.
	Payload any
	// Failure is set only on failure.
	Failure *outcome.Failure
	// StatusCode is zero if the server did not respond.
	StatusCode int
	Duration   time.Duration
}

func (e Event) IsSuccess() bool {
	return e.Failure == nil
}

// Observer receives events in completion order.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// Func is an adapter to allow the use of an ordinary function as an Observer.
type Func func(ctx context.Context, event Event)

func (f Func) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

type nop struct{}

// Nop returns an Observer which ignores all events.
func Nop() Observer {
	return nop{}
}

func (nop) Observe(context.Context, Event) {}

type multi []Observer

// Multi returns an Observer which forwards each event to all observers, in the given order.
// Nil observers are skipped.
func Multi(observers ...Observer) Observer {
	out := make(multi, 0, len(observers))
	for _, o := range observers {
		switch v := o.(type) {
		case nil:
			continue
		case multi:
			out = append(out, v...)
		default:
			out = append(out, v)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	default:
		return out
	}
}

func (m multi) Observe(ctx context.Context, event Event) {
	for _, o := range m {
		o.Observe(ctx, event)
	}
}

// Collector stores all events in memory, in completion order.
type Collector struct {
	lock   sync.Mutex
	events []Event
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Observe(_ context.Context, event Event) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of collected events in completion order.
func (c *Collector) Events() []Event {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByIndex returns collected events keyed by the input index.
// If more events have the same index, the last one wins.
func (c *Collector) ByIndex() map[int]Event {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make(map[int]Event, len(c.events))
	for _, e := range c.events {
		out[e.Index] = e
	}
	return out
}

// Counts returns the number of successful and failed events.
func (c *Collector) Counts() (succeeded, failed int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, e := range c.events {
		if e.IsSuccess() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func (c *Collector) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = nil
}
