// Package outcome provides the tagged result of a single fetch.
//
// Outcome[T] is either a Success carrying a payload of type T,
// or a Failure carrying the Kind of the error and a human-readable detail.
// Exactly one tag is active and the value cannot be modified after it is created.
//
// Failure implements the error interface, so a Sender can return it directly
// and callers can recover it using errors.As.
package outcome

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind classifies a Failure.
type Kind int

const (
	// KindTransport - network level failure: DNS, connection reset, timeout, cancellation, invalid URL.
	KindTransport Kind = iota + 1
	// KindHTTPStatus - the server returned a status code outside the 200-399 range.
	KindHTTPStatus
	// KindDecode - the response body is not a valid JSON of the expected type.
	KindDecode
	// KindHandler - a caller-supplied handler returned an error or panicked.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindDecode:
		return "decode"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler, kinds are serialized by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, v := range []Kind{KindTransport, KindHTTPStatus, KindDecode, KindHandler} {
		if v.String() == string(text) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf(`unknown failure kind "%s"`, string(text))
}

// Failure describes why a fetch did not produce a payload.
// An Outcome stores its own copy, changes of a returned Failure do not modify the Outcome.
type Failure struct {
	Kind Kind
	// Detail is the status code for KindHTTPStatus, otherwise the underlying error message.
	Detail string
	// StatusCode is set if the server responded, even for KindDecode failures.
	StatusCode int
	Method     string
	URL        string
	err        error
}

// NewTransportFailure wraps a network level error.
func NewTransportFailure(method, url string, err error) *Failure {
	return &Failure{Kind: KindTransport, Detail: err.Error(), Method: method, URL: url, err: err}
}

// NewHTTPStatusFailure creates a failure for an unsuccessful status code.
func NewHTTPStatusFailure(method, url string, statusCode int) *Failure {
	return &Failure{Kind: KindHTTPStatus, Detail: strconv.Itoa(statusCode), StatusCode: statusCode, Method: method, URL: url}
}

// NewDecodeFailure wraps a body parsing error.
func NewDecodeFailure(method, url string, statusCode int, err error) *Failure {
	return &Failure{Kind: KindDecode, Detail: err.Error(), StatusCode: statusCode, Method: method, URL: url, err: err}
}

// NewHandlerFailure wraps an error returned by a payload handler.
func NewHandlerFailure(method, url string, err error) *Failure {
	return &Failure{Kind: KindHandler, Detail: err.Error(), Method: method, URL: url, err: err}
}

// AsFailure converts any error to a new Failure.
// If the error chain contains a Failure, its copy is returned.
// Otherwise, the error is classified as KindTransport.
func AsFailure(method, url string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f.clone()
	}
	return NewTransportFailure(method, url, err)
}

func (f *Failure) Error() string {
	if f.Kind == KindHTTPStatus {
		return fmt.Sprintf(`request %s "%s" failed: %s %s`, f.Method, f.URL, f.Kind, f.Detail)
	}
	return fmt.Sprintf(`request %s "%s" failed: %s: %s`, f.Method, f.URL, f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.err
}

func (f *Failure) clone() *Failure {
	c := *f
	return &c
}

// Outcome is the result of one fetch, see the package documentation.
type Outcome[T any] struct {
	payload T
	failure *Failure
}

// Success creates a successful Outcome.
func Success[T any](payload T) Outcome[T] {
	return Outcome[T]{payload: payload}
}

// Fail creates a failed Outcome, the failure cannot be nil.
func Fail[T any](failure *Failure) Outcome[T] {
	if failure == nil {
		panic(fmt.Errorf("failure cannot be nil"))
	}
	return Outcome[T]{failure: failure.clone()}
}

// IsSuccess returns true if the Success tag is active.
func (o Outcome[T]) IsSuccess() bool {
	return o.failure == nil
}

// Payload returns the payload and true for a Success, zero value and false otherwise.
func (o Outcome[T]) Payload() (T, bool) {
	if o.failure != nil {
		var empty T
		return empty, false
	}
	return o.payload, true
}

// Failure returns a copy of the failure, or nil for a Success.
func (o Outcome[T]) Failure() *Failure {
	if o.failure == nil {
		return nil
	}
	return o.failure.clone()
}

// Err returns a copy of the failure as an error, or nil for a Success.
func (o Outcome[T]) Err() error {
	if o.failure == nil {
		return nil
	}
	return o.failure.clone()
}

// Unpack returns the outcome as the usual Go (value, error) pair.
func (o Outcome[T]) Unpack() (T, error) {
	p, _ := o.Payload()
	return p, o.Err()
}

func (o Outcome[T]) String() string {
	if o.failure != nil {
		return fmt.Sprintf("Failure(%s, %s)", o.failure.Kind, o.failure.Detail)
	}
	return fmt.Sprintf("Success(%v)", o.payload)
}
