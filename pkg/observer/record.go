package observer

import (
	"time"

	"github.com/relvacode/iso8601"

	"github.com/keboola/go-fetch/pkg/outcome"
)

// Record is the serializable form of an Event, used by the archive and Kafka sinks.
type Record struct {
	Index      int            `json:"index"`
	Method     string         `json:"method"`
	URL        string         `json:"url"`
	Success    bool           `json:"success"`
	Payload    any            `json:"payload,omitempty"`
	Failure    *RecordFailure `json:"failure,omitempty"`
	StatusCode int            `json:"statusCode,omitempty"`
	DurationMs int64          `json:"durationMs"`
	FetchedAt  iso8601.Time   `json:"fetchedAt"`
}

type RecordFailure struct {
	Kind   outcome.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

// NewRecord converts the event, fetchedAt is stored in UTC.
func NewRecord(e Event, fetchedAt time.Time) Record {
	r := Record{
		Index:      e.Index,
		Method:     e.Method,
		URL:        e.URL,
		Success:    e.IsSuccess(),
		Payload:    e.Payload,
		StatusCode: e.StatusCode,
		DurationMs: e.Duration.Milliseconds(),
		FetchedAt:  iso8601.Time{Time: fetchedAt.UTC()},
	}
	if e.Failure != nil {
		r.Failure = &RecordFailure{Kind: e.Failure.Kind, Detail: e.Failure.Detail}
	}
	return r
}
