// Package transport provides an HTTP round tripper that paces outgoing requests and waits out 429 responses.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries bounds how many 429 responses a single request will wait out
	DefaultMaxRetries = 3
	// DefaultMaxWait bounds a single retry-after wait
	DefaultMaxWait = 30 * time.Second
)

type RateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter

	maxRetries int
	maxWait    time.Duration
}

// WithRateLimiting wraps base with a transport that waits out 429 responses carrying a retry-after header. A nil
// base uses http.DefaultTransport
func WithRateLimiting(base http.RoundTripper) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RateLimitedTransport{
		base:       base,
		maxRetries: DefaultMaxRetries,
		maxWait:    DefaultMaxWait,
	}
}

// WithRequestsPerSecond additionally paces requests to rps, allowing bursts of one. A non-positive rps disables
// pacing
func (t *RateLimitedTransport) WithRequestsPerSecond(rps float64) *RateLimitedTransport {
	if rps <= 0 {
		t.limiter = nil
		return t
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return t
}

// WithRetryLimits overrides the number of 429 retries and the longest single wait
func (t *RateLimitedTransport) WithRetryLimits(maxRetries int, maxWait time.Duration) *RateLimitedTransport {
	t.maxRetries = maxRetries
	t.maxWait = maxWait
	return t
}

// Client returns an HTTP client using this transport
func (t *RateLimitedTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Preserve the original request body for retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		err = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for retries := 0; ; retries++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		// Restore the request body for each attempt
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		if resp.StatusCode != http.StatusTooManyRequests || retries >= t.maxRetries {
			return resp, nil
		}

		waitDuration := retryAfter(resp.Header.Get("retry-after"))
		if waitDuration <= 0 || waitDuration > t.maxWait {
			return resp, nil
		}

		// Close the response body to free resources
		err = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		slog.Info("Rate limited, waiting", "wait", waitDuration, "host", req.URL.Host, "retry", retries+1)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(waitDuration):
		}
	}
}

// retryAfter parses a retry-after header given either in seconds or as an HTTP date
func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(value); err == nil {
		return time.Until(retryTime)
	}
	return 0
}
