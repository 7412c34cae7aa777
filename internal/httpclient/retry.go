package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls when GetWithRetry retries after a bad response.
type RetryPolicy struct {
	// MaxRetries bounds the total extra attempts across 429 and 5xx
	// responses; once spent, the last response is returned as-is.
	MaxRetries int
	// Retry429: on 429 Too Many Requests, wait Retry-After (capped at Max429Wait) and retry.
	Retry429   bool
	Max429Wait time.Duration
	// Retry5xx: on 5xx, wait Backoff5xx and retry.
	Retry5xx   bool
	Backoff5xx time.Duration
}

// DefaultRetryPolicy retries 429 (cap 60s) and 5xx (1s backoff), one extra
// attempt total.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 1,
	Retry429:   true,
	Max429Wait: 60 * time.Second,
	Retry5xx:   true,
	Backoff5xx: 1 * time.Second,
}

// PolicyWithRetries returns DefaultRetryPolicy with its retry budget
// replaced; n <= 0 disables retries entirely.
func PolicyWithRetries(n int) RetryPolicy {
	p := DefaultRetryPolicy
	if n < 0 {
		n = 0
	}
	p.MaxRetries = n
	return p
}

// GetWithRetry issues a GET for url and, when the policy allows, waits and
// retries on 429/5xx until the policy's budget is spent. Other 4xx are
// returned as-is, never retried. Caller must close resp.Body when err == nil.
func GetWithRetry(ctx context.Context, client *http.Client, url string, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	retries := 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		var wait time.Duration
		switch {
		case resp.StatusCode == http.StatusTooManyRequests && policy.Retry429 && retries < policy.MaxRetries:
			wait = parseRetryAfter(resp.Header.Get("Retry-After"), policy.Max429Wait)
		case resp.StatusCode >= 500 && policy.Retry5xx && retries < policy.MaxRetries:
			wait = policy.Backoff5xx
		default:
			return resp, nil
		}
		retries++
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date), capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
