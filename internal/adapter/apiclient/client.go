// Package apiclient is the shared outbound HTTP layer for platform
// adapters: JSON requests, status-to-error mapping into the chat error
// taxonomy, and exponential-backoff retries for transient failures.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crossbot/crossbot/internal/chat"
	"github.com/crossbot/crossbot/internal/metrics"
)

const maxResponseBytes = 4 << 20

// Client issues JSON requests for one adapter. Safe for concurrent use.
type Client struct {
	adapter     string
	httpClient  *http.Client
	maxAttempts int
	newBackOff  func() *backoff.ExponentialBackOff
	log         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxAttempts caps the total request attempts, retries included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBackOffFactory replaces the retry delay policy. Tests use this to
// drop the waits to microseconds.
func WithBackOffFactory(f func() *backoff.ExponentialBackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// New creates a client for the named adapter. Default policy: 4
// attempts, delays 1s → 30s with 2x growth and jitter.
func New(adapter string, opts ...Option) *Client {
	c := &Client{
		adapter:     adapter,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 4,
		newBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 2.0
			b.Reset()
			return b
		},
		log: slog.With("component", "apiclient", "adapter", adapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DoJSON sends one JSON request and decodes a JSON response into out
// (skipped when out is nil). body, when non-nil, is marshaled as the
// request body. Retries 429, 5xx and transport failures; all other
// non-2xx statuses map straight to the typed chat errors.
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	bo := c.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.EgressRetriesTotal.WithLabelValues(c.adapter).Inc()
			delay := bo.NextBackOff()
			var rl *chat.RateLimitError
			if errors.As(lastErr, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			c.log.Debug("retrying request", "method", method, "url", url,
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retryable, err := c.attempt(ctx, method, url, header, payload, out)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, header http.Header, payload []byte, out any) (retryable bool, err error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		metrics.EgressRequestsTotal.WithLabelValues(c.adapter, "error").Inc()
		return true, chat.NewNetworkError(c.adapter, err)
	}
	defer resp.Body.Close()
	metrics.EgressRequestsTotal.WithLabelValues(c.adapter, strconv.Itoa(resp.StatusCode)).Inc()

	if err := c.statusError(resp); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
	}

	if out == nil {
		return false, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return true, chat.NewNetworkError(c.adapter, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

// statusError maps a non-2xx response to the chat error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return chat.NewAuthenticationError(c.adapter, fmt.Errorf("status %d", resp.StatusCode))
	case http.StatusForbidden:
		return chat.NewPermissionError(c.adapter, fmt.Errorf("status %d", resp.StatusCode))
	case http.StatusNotFound:
		return chat.NewResourceNotFoundError(c.adapter, resp.Request.URL.Path)
	case http.StatusTooManyRequests:
		return chat.NewRateLimitError(c.adapter, ParseRetryAfter(resp.Header.Get("Retry-After")), nil)
	}
	return &chat.AdapterError{
		Adapter: c.adapter,
		Code:    chat.CodeAdapter,
		Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}

// ParseRetryAfter parses a Retry-After header value, either
// delta-seconds or an HTTP date. Unparseable values yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
