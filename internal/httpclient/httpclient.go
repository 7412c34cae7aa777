// Package httpclient provides the shared tuned HTTP client used for
// manifest, segment and key fetches: connection pooling, optional request
// rate limiting, transparent brotli response decoding, and a small retry
// helper for upstream throttling.
package httpclient

import (
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	userAgent = "HLSVault/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &decodingTransport{
			base: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: MaxIdleConnsPerHost,
				IdleConnTimeout:     DefaultIdleConnTimeout,
			},
		},
	}
}

// Default returns the shared client used by the downloader, key fetcher and
// health checks.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout sharing the default
// transport behaviour.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultClient.Transport,
	}
}

// RateLimited wraps client so requests pass through a token bucket of rps
// requests per second (burst = rps). rps <= 0 returns client unchanged.
// Keeps segment fetch loops from hammering the origin.
func RateLimited(client *http.Client, rps int) *http.Client {
	if rps <= 0 {
		return client
	}
	if client == nil {
		client = Default()
	}
	out := *client
	out.Transport = &limitedTransport{
		base:    transportOf(client),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	return &out
}

type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// decodingTransport sets the User-Agent, advertises brotli alongside the
// stdlib's transparent gzip, and decodes br responses before the caller
// sees the body.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "br" {
		resp.Body = &brotliBody{r: brotli.NewReader(resp.Body), underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

type brotliBody struct {
	r          io.Reader
	underlying io.ReadCloser
}

func (b *brotliBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *brotliBody) Close() error               { return b.underlying.Close() }

func transportOf(client *http.Client) http.RoundTripper {
	if client.Transport != nil {
		return client.Transport
	}
	return http.DefaultTransport
}
