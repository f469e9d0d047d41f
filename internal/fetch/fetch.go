// Package fetch is the rate-limited HTTP layer under both provider clients.
// It authenticates, paces requests through a token bucket, retries transient
// failures with exponential backoff, and folds provider responses into a
// typed error taxonomy.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devpulse/devpulse/internal/ratelimit"
)

const defaultTimeout = 30 * time.Second

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// APIError is a non-2xx provider response. Is() matches the sentinel for the
// status class so callers can branch with errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

type Options struct {
	BaseURL string
	// AuthHeader/AuthValue are set verbatim on every request, e.g.
	// ("Authorization", "Bearer <token>") or ClickUp's bare token form.
	AuthHeader string
	AuthValue  string
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	MaxRetries uint64
	UserAgent  string
}

type Client struct {
	baseURL    string
	authHeader string
	authValue  string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	maxRetries uint64
	userAgent  string
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    baseURL,
		authHeader: opts.AuthHeader,
		authValue:  opts.AuthValue,
		httpClient: httpClient,
		limiter:    opts.Limiter,
		maxRetries: maxRetries,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// GetJSON fetches baseURL+path?query and decodes the response into out.
// Transport errors, 429, and 5xx are retried with exponential backoff; every
// attempt first waits on the rate limiter so retries cannot exceed the
// provider budget.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.authHeader != "" {
			req.Header.Set(c.authHeader, c.authValue)
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response from %s: %w", path, err))
			}
			return nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: extractMessage(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				return backoff.RetryAfter(int(retryAfter / time.Second))
			}
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(operation, policy)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

func extractMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Err     string `json:"err"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, msg := range []string{payload.Message, payload.Error, payload.Err} {
			if strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
