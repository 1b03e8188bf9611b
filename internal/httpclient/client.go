// Package httpclient builds the HTTP clients shared by the catalog,
// fast path, mirror and fetcher components.
package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	defaultIdleConnTimeout     = 90 * time.Second
	defaultMaxIdleConnsPerHost = 16
)

type Options struct {
	// Timeout bounds the whole request including the body. Zero disables it.
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	ResponseHeaderTimeout time.Duration

	UserAgent string
}

// New returns a client that stamps every request with the configured
// User-Agent.
func New(opts Options) *http.Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	transport.IdleConnTimeout = defaultIdleConnTimeout
	transport.ResponseHeaderTimeout = opts.ResponseHeaderTimeout

	return &http.Client{
		Transport: &userAgentTransport{
			next:      transport,
			userAgent: opts.UserAgent,
		},
		Timeout: opts.Timeout,
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)

	return t.next.RoundTrip(r)
}
