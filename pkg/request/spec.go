package request

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
)

const (
	ContentTypeHeader = "Content-Type"
	ContentTypeJSON   = "application/json"
	ContentTypeForm   = "application/x-www-form-urlencoded"
)

// Options configures a Spec. The zero value is a valid GET request without body.
type Options struct {
	// Method defaults to GET.
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	// Body supports string, []byte, io.Reader and any JSON-encodable value.
	// Structured values are always encoded as JSON.
	// An io.Reader is read once, on the first send, and closed if it is an io.Closer.
	// Specs created from the same Options share the content.
	Body any `json:"body,omitempty" yaml:"body,omitempty"`
	// Form is encoded as "application/x-www-form-urlencoded" body, it takes precedence over Body.
	Form map[string]any `json:"form,omitempty" yaml:"form,omitempty"`
	// JSON marks a string or []byte Body as raw JSON, the Content-Type is set accordingly.
	JSON bool `json:"json,omitempty" yaml:"json,omitempty"`
}

// Spec describes one outbound request.
type Spec struct {
	URL     string  `json:"url" yaml:"url"`
	Options Options `json:"options" yaml:",inline"`
}

// NewSpec creates a Spec for the URL, the options are copied.
func NewSpec(rawURL string, options Options) Spec {
	return Spec{URL: rawURL, Options: options.clone()}
}

// Specs creates a Spec for each URL, all with the same options.
func Specs(urls []string, options Options) []Spec {
	options = options.clone()
	out := make([]Spec, len(urls))
	for i, u := range urls {
		out[i] = NewSpec(u, options)
	}
	return out
}

// Validate checks that the URL is not empty and is syntactically valid.
// A relative URL is accepted, it must be resolved against a base URL by the sender.
func (s Spec) Validate() error {
	_, err := s.ParsedURL()
	return err
}

// ParsedURL parses the URL and applies query parameters from the options.
func (s Spec) ParsedURL() (*url.URL, error) {
	if strings.TrimSpace(s.URL) == "" {
		return nil, fmt.Errorf("request url is not set")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf(`url "%s" is not valid: %w`, s.URL, err)
	}
	if u.IsAbs() && u.Host == "" {
		return nil, fmt.Errorf(`url "%s" is not valid: missing host`, s.URL)
	}
	if len(s.Options.Query) > 0 {
		q := u.Query()
		for k, v := range s.Options.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// Method returns the HTTP method, GET if it is not set.
func (s Spec) Method() string {
	if s.Options.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(s.Options.Method)
}

// Header returns request headers including the Content-Type implied by the body.
func (s Spec) Header() http.Header {
	header := make(http.Header)
	for k, v := range s.Options.Headers {
		header.Set(k, v)
	}
	if header.Get(ContentTypeHeader) == "" {
		switch {
		case s.Options.Form != nil:
			header.Set(ContentTypeHeader, ContentTypeForm)
		case s.isJSONBody():
			header.Set(ContentTypeHeader, ContentTypeJSON)
		}
	}
	return header
}

// HasBody returns true if the request carries a body.
func (s Spec) HasBody() bool {
	return s.Options.Form != nil || s.Options.Body != nil
}

// BodyReader returns a new reader of the request body, or nil if there is no body.
// It can be called multiple times, for example on redirect.
func (s Spec) BodyReader() (io.ReadCloser, error) {
	if !s.HasBody() {
		return nil, nil
	}
	body, err := s.BodyBytes()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// BodyBytes returns the encoded request body, or nil if there is no body.
func (s Spec) BodyBytes() ([]byte, error) {
	if s.Options.Form != nil {
		fields, err := ToFormBody(s.Options.Form)
		if err != nil {
			return nil, fmt.Errorf(`cannot encode form body: %w`, err)
		}
		form := make(url.Values)
		for k, v := range fields {
			form.Set(k, v)
		}
		return []byte(form.Encode()), nil
	}

	switch v := s.Options.Body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case *readerBody:
		return v.read()
	case io.Reader:
		return newReaderBody(v).read()
	default:
		c, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf(`cannot encode JSON body: %w`, err)
		}
		return c, nil
	}
}

// WithMethod returns a copy with the HTTP method set.
func (s Spec) WithMethod(method string) Spec {
	s.Options.Method = method
	return s
}

// WithHeader returns a copy with a single header field set.
func (s Spec) WithHeader(key, value string) Spec {
	s.Options.Headers = maps.Clone(s.Options.Headers)
	if s.Options.Headers == nil {
		s.Options.Headers = make(map[string]string)
	}
	s.Options.Headers[key] = value
	return s
}

// WithQueryParam returns a copy with a single query parameter set.
func (s Spec) WithQueryParam(key, value string) Spec {
	s.Options.Query = maps.Clone(s.Options.Query)
	if s.Options.Query == nil {
		s.Options.Query = make(map[string]string)
	}
	s.Options.Query[key] = value
	return s
}

// WithBody returns a copy with the request body set.
func (s Spec) WithBody(body any) Spec {
	s.Options.Body = wrapReaderBody(body)
	return s
}

// WithJSONBody returns a copy with the body encoded as JSON.
func (s Spec) WithJSONBody(body any) Spec {
	s.Options.Body = wrapReaderBody(body)
	s.Options.JSON = true
	return s
}

// WithFormBody returns a copy with the form body set.
func (s Spec) WithFormBody(form map[string]any) Spec {
	s.Options.Form = maps.Clone(form)
	return s
}

func (s Spec) isJSONBody() bool {
	if s.Options.JSON {
		return s.Options.Body != nil
	}
	switch s.Options.Body.(type) {
	case nil, string, []byte, io.Reader, *readerBody:
		return false
	default:
		return true
	}
}

func (o Options) clone() Options {
	o.Headers = maps.Clone(o.Headers)
	o.Query = maps.Clone(o.Query)
	o.Form = maps.Clone(o.Form)
	o.Body = wrapReaderBody(o.Body)
	return o
}
