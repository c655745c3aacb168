// Package transport provides the rate-limited HTTP client used by
// internal/msclient (internal/rgclient dials raw TCP instead). It mirrors the teacher's
// internal/api.Client pacing discipline, generalized to any remote
// gateway rather than a single fixed API host.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/syndicate-project/ug/internal/ugerr"
)

// Config configures one Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond and Burst configure the client's
	// golang.org/x/time/rate limiter; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Client wraps net/http.Client with per-destination request pacing,
// grounded on the teacher's internal/api.Client.query method.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// New constructs a Client for cfg.
func New(cfg Config) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// Do sends method/path with body, waiting on the rate limiter first,
// and returns the raw response body or a mapped ugerr.Error.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ugerr.Wrap(ugerr.Again, "rate limiter wait cancelled", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "build request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "remote request failed", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ugerr.Wrap(ugerr.RemoteIO, "read response body", err)
	}

	if resp.StatusCode >= 300 {
		return nil, mapStatus(resp.StatusCode, out)
	}
	return out, nil
}

func mapStatus(code int, body []byte) error {
	msg := fmt.Sprintf("remote returned HTTP %d", code)
	switch {
	case code == http.StatusNotFound:
		return ugerr.New(ugerr.NotFound, msg)
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return ugerr.New(ugerr.Forbidden, msg)
	case code == http.StatusConflict:
		return ugerr.New(ugerr.Stale, msg)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return ugerr.New(ugerr.Busy, msg)
	case code >= 500:
		return ugerr.New(ugerr.RemoteIO, msg+": "+string(body))
	default:
		return ugerr.New(ugerr.RemoteIO, msg)
	}
}
