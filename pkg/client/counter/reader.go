// Package counter measures the size of a response body as it is read.
package counter

import (
	"errors"
	"io"
	"sync"
)

// OnClose is called once, when the body is closed the first time.
// The err is the last read error other than io.EOF, or the close error.
type OnClose func(bytes int64, err error)

// ReadCloser wraps a response body and counts read bytes.
type ReadCloser struct {
	wrapped   io.ReadCloser
	onClose   OnClose
	closeOnce sync.Once
	bytes     int64
	readErr   error
}

func NewReadCloser(wrapped io.ReadCloser, onClose OnClose) *ReadCloser {
	return &ReadCloser{wrapped: wrapped, onClose: onClose}
}

func (r *ReadCloser) Bytes() int64 {
	return r.bytes
}

func (r *ReadCloser) Read(b []byte) (int, error) {
	n, err := r.wrapped.Read(b)
	r.bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		r.readErr = err
	}
	return n, err
}

func (r *ReadCloser) Close() error {
	closeErr := r.wrapped.Close()
	r.closeOnce.Do(func() {
		if r.onClose == nil {
			return
		}
		// Read error is usually more useful
		err := r.readErr
		if err == nil {
			err = closeErr
		}
		r.onClose(r.bytes, err)
	})
	return closeErr
}
