package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// MaxConnectionsPerHost is the default connection limit per host.
// It is above aggregator.ConcurrencyLimit, so one batch to a single host never waits for a connection.
const MaxConnectionsPerHost = 32

// TransportConfig configures the transport shared by all fetches of a Client.
type TransportConfig struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	MaxConnsPerHost       int
	// HTTP2 forces the HTTP/2 protocol, plain "http://" URLs are not supported then.
	HTTP2 bool
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           3 * time.Second,
		KeepAlive:             10 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxConnsPerHost:       MaxConnectionsPerHost,
	}
}

// DefaultTransport creates a transport with the default config.
func DefaultTransport() http.RoundTripper {
	return DefaultTransportConfig().NewTransport()
}

// NewTransport creates a new transport, HTTP/2 is preferred if the server supports it.
func (c TransportConfig) NewTransport() http.RoundTripper {
	dialer := c.dialer()
	if c.HTTP2 {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return (&tls.Dialer{NetDialer: dialer, Config: cfg}).DialContext(ctx, network, addr)
			},
			ReadIdleTimeout:  3 * time.Second,
			PingTimeout:      3 * time.Second,
			WriteByteTimeout: 3 * time.Second,
		}
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   c.TLSHandshakeTimeout,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		MaxConnsPerHost:       c.MaxConnsPerHost,
		MaxIdleConnsPerHost:   c.MaxConnsPerHost,
	}
}

func (c TransportConfig) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   c.DialTimeout,
		KeepAlive: c.KeepAlive,
	}
}
