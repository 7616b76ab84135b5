// Package trace extends the httptrace.ClientTrace and adds additional fetch hooks.
// A custom ClientTrace definition can be registered in the client.Client by the AndTrace method.
package trace

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"reflect"

	"github.com/keboola/go-fetch/pkg/request"
)

// Factory creates ClientTrace hooks for a request.
type Factory func(ctx context.Context, spec request.Spec) (context.Context, *ClientTrace)

// ClientTrace is a set of hooks to run at various stages of an outgoing fetch.
type ClientTrace struct {
	httptrace.ClientTrace // native, low level trace
	// HTTPRequestStart is called when the request begins. It includes redirects.
	HTTPRequestStart func(request *http.Request)
	// HTTPRequestDone is called when the request completes. It includes redirects.
	HTTPRequestDone func(response *http.Response, err error)
	// BodyParseStart is called when the response status is accepted and reading of the body begins.
	BodyParseStart func(response *http.Response)
	// RequestProcessed is called when Client.Send method is done.
	RequestProcessed func(result any, err error)
}

// Compose modifies t such that it respects the previously-registered hooks in old,
// subject to the composition policy requested in t.Compose.
// Copy of httptrace.compose.
func (t *ClientTrace) Compose(old *ClientTrace) {
	if old == nil {
		return
	}
	tv := reflect.ValueOf(t).Elem()
	ov := reflect.ValueOf(old).Elem()
	structType := tv.Type()
	for i := range structType.NumField() {
		tf := tv.Field(i)
		hookType := tf.Type()
		if hookType.Kind() != reflect.Func {
			continue
		}
		of := ov.Field(i)
		if of.IsNil() {
			continue
		}
		if tf.IsNil() {
			tf.Set(of)
			continue
		}

		// Make a copy of tf for tf to call. (Otherwise it
		// creates a recursive call cycle and stack overflows)
		tfCopy := reflect.ValueOf(tf.Interface())

		// We need to call both tf and of in some order.
		newFunc := reflect.MakeFunc(hookType, func(args []reflect.Value) []reflect.Value {
			of.Call(args)
			return tfCopy.Call(args)
		})
		tv.Field(i).Set(newFunc)
	}

	// Compose also the embedded native trace
	t.ClientTrace = composeNative(t.ClientTrace, old.ClientTrace)
}

func composeNative(t, old httptrace.ClientTrace) httptrace.ClientTrace {
	ctx := httptrace.WithClientTrace(context.Background(), &old)
	ctx = httptrace.WithClientTrace(ctx, &t)
	if v := httptrace.ContextClientTrace(ctx); v != nil {
		return *v
	}
	return t
}
