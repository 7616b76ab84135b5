// Package request provides the definition of one outbound HTTP request, see the Spec type.
//
// A Spec is a plain value: the URL and the Options (method, headers, query, body).
// It can be created in code by the NewSpec function and the With* methods,
// or loaded from a YAML/JSON document.
// All With* methods return a modified copy, the original Spec is never changed.
//
// Specs are sent by the client.Client, or aggregated by the aggregator.Aggregator.
package request
