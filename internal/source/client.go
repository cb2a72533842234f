// Package source talks to the POS API: bearer-token acquisition and raw page
// fetches. Retry policy lives with the caller.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/BartekS5/possync/internal/syncerr"
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 10).
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// UserAgent string (default: "possync/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Client is a rate-limited HTTP client shared by the token manager and the
// extractor of one invocation.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// NewClient creates a client. Resty's own retries are disabled.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "possync/1.0"
	}

	r := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")
	if cfg.Transport != nil {
		r.SetTransport(cfg.Transport)
	}

	return &Client{
		http:    r,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsUnauthorized returns true for 401 responses.
func (e *HTTPError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsTransient returns true for responses worth retrying.
func (e *HTTPError) IsTransient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// IsUnauthorized reports whether err is a 401 from the source.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.IsUnauthorized()
}

// IsTransient reports whether err is worth retrying: 5xx, 408/429, timeouts
// and connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if syncerr.Is(err, syncerr.KindTransientNetwork) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsTransient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// GetPage performs an authenticated GET and returns the raw body.
func (c *Client) GetPage(ctx context.Context, token, fullURL string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParamsFromValues(query).
		Get(fullURL)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if !resp.IsSuccess() {
		return nil, &HTTPError{StatusCode: resp.StatusCode(), URL: fullURL, Message: truncate(resp.String(), 256)}
	}
	return resp.Body(), nil
}

// postJSON performs an unauthenticated JSON POST, used for token acquisition.
func (c *Client) postJSON(ctx context.Context, fullURL string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(fullURL)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if !resp.IsSuccess() {
		return nil, &HTTPError{StatusCode: resp.StatusCode(), URL: fullURL, Message: truncate(resp.String(), 256)}
	}
	return resp.Body(), nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return syncerr.Wrap(syncerr.KindTransientNetwork, err, "request failed")
}

// JoinURL joins a base URL and a path with exactly one slash.
func JoinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
