// Package httputil holds the outbound HTTP client used by ingest sources.
package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	UserAgent      = "vertriqe-baseline/1.0 (+https://github.com/vertriqe)"
)

// NewClient returns a client with the default timeout that identifies itself
// to upstream APIs.
func NewClient() *http.Client {
	return NewClientWithTimeout(DefaultTimeout)
}

func NewClientWithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: userAgentTransport{base: http.DefaultTransport},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}
