package request

import (
	"fmt"
	"io"
	"reflect"
	"sync"
)

// readerBody buffers an io.Reader body, so it can be sent more than once and from more goroutines.
type readerBody struct {
	reader  io.Reader
	once    sync.Once
	content []byte
	err     error
}

func newReaderBody(r io.Reader) *readerBody {
	return &readerBody{reader: r}
}

func (b *readerBody) read() ([]byte, error) {
	b.once.Do(func() {
		b.content, b.err = io.ReadAll(b.reader)
		if c, ok := b.reader.(io.Closer); ok {
			if err := c.Close(); err != nil && b.err == nil {
				b.err = err
			}
		}
		if b.err != nil {
			b.err = fmt.Errorf(`cannot read request body: %w`, b.err)
		}
	})
	return b.content, b.err
}

func wrapReaderBody(body any) any {
	if r, ok := body.(io.Reader); ok {
		return newReaderBody(r)
	}
	return body
}

// ShareBodies returns a copy of the specs which can be sent concurrently.
// Each io.Reader body is read at most once, specs with the same reader share its content.
func ShareBodies(specs []Spec) []Spec {
	out := make([]Spec, len(specs))
	shared := make(map[io.Reader]*readerBody)
	for i, spec := range specs {
		if r, ok := spec.Options.Body.(io.Reader); ok {
			if reflect.ValueOf(r).Comparable() {
				body, found := shared[r]
				if !found {
					body = newReaderBody(r)
					shared[r] = body
				}
				spec.Options.Body = body
			} else {
				spec.Options.Body = newReaderBody(r)
			}
		}
		out[i] = spec
	}
	return out
}
