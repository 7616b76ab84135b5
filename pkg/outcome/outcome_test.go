package outcome_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/keboola/go-fetch/pkg/outcome"
)

func TestSuccess(t *testing.T) {
	t.Parallel()
	o := Success(map[string]any{"x": 1.0})
	assert.True(t, o.IsSuccess())
	assert.Nil(t, o.Failure())
	assert.NoError(t, o.Err())

	payload, ok := o.Payload()
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1.0}, payload)
	assert.Equal(t, "Success(map[x:1])", o.String())
}

func TestFail(t *testing.T) {
	t.Parallel()
	o := Fail[string](NewHTTPStatusFailure("GET", "http://bad/b", 500))
	assert.False(t, o.IsSuccess())

	payload, ok := o.Payload()
	assert.False(t, ok)
	assert.Empty(t, payload)

	require.NotNil(t, o.Failure())
	assert.Equal(t, KindHTTPStatus, o.Failure().Kind)
	assert.Equal(t, "500", o.Failure().Detail)
	assert.Equal(t, 500, o.Failure().StatusCode)
	assert.Equal(t, `request GET "http://bad/b" failed: http_status 500`, o.Err().Error())
	assert.Equal(t, "Failure(http_status, 500)", o.String())
}

func TestFail_Immutable(t *testing.T) {
	t.Parallel()
	failure := NewHTTPStatusFailure("GET", "http://bad/b", 500)
	o := Fail[string](failure)

	// Neither the source nor a returned failure modifies the outcome
	failure.Kind, failure.Detail = KindDecode, "changed"
	returned := o.Failure()
	returned.Kind, returned.Detail = KindDecode, "tampered"
	var err *Failure
	require.ErrorAs(t, o.Err(), &err)
	err.Detail = "tampered"

	assert.Equal(t, KindHTTPStatus, o.Failure().Kind)
	assert.Equal(t, "500", o.Failure().Detail)
	assert.Equal(t, "Failure(http_status, 500)", o.String())
}

func TestFail_Nil(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		Fail[string](nil)
	})
}

func TestUnpack(t *testing.T) {
	t.Parallel()
	v, err := Success(123).Unpack()
	assert.NoError(t, err)
	assert.Equal(t, 123, v)

	v, err = Fail[int](NewTransportFailure("GET", "http://x", io.ErrUnexpectedEOF)).Unpack()
	assert.Error(t, err)
	assert.Equal(t, 0, v)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAsFailure(t *testing.T) {
	t.Parallel()

	// Failure in the chain is copied
	decodeErr := NewDecodeFailure("GET", "http://x", 200, errors.New("invalid character"))
	wrapped := fmt.Errorf("outer: %w", decodeErr)
	f := AsFailure("GET", "http://x", wrapped)
	assert.Equal(t, decodeErr, f)
	assert.NotSame(t, decodeErr, f)

	// Other errors are classified as transport errors
	f = AsFailure("POST", "http://y", errors.New("connection reset by peer"))
	assert.Equal(t, KindTransport, f.Kind)
	assert.Equal(t, "connection reset by peer", f.Detail)
	assert.Equal(t, `request POST "http://y" failed: transport: connection reset by peer`, f.Error())
}

func TestKind_Text(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindTransport, KindHTTPStatus, KindDecode, KindHandler} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var out Kind
		require.NoError(t, out.UnmarshalText(text))
		assert.Equal(t, k, out)
	}

	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("foo")))
	assert.Equal(t, "unknown", k.String())
}
