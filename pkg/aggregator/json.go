package aggregator

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary //nolint:gochecknoglobals

// jsonPayload hides the payload type from the Sender, so each T, including string and []byte, is decoded from JSON.
type jsonPayload[T any] struct {
	value *T
}

func (p *jsonPayload[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, p.value)
}
