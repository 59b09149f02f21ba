// Package crm is the client for the Follow Up Boss REST API: person snapshots for the
// Transition Detector and webhook subscription administration.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const maxErrorBody = 4 << 10

// ErrClientNil is returned when a method is called on a nil client.
var ErrClientNil = errors.New("crm client is nil")

type (
	// Client calls the CRM API with basic auth, outbound throttling and bounded retries.
	Client struct {
		baseURL       string
		apiKey        string
		system        string
		systemKey     string
		campaignField string
		pageSize      int

		httpClient *http.Client
		limiter    *rate.Limiter
		maxRetries int
		baseDelay  time.Duration
		maxDelay   time.Duration
		now        func() time.Time
		logger     *slog.Logger
	}

	// Option configures optional Client behavior.
	Option func(*Client)

	// APIError is a non-2xx response from the CRM.
	APIError struct {
		StatusCode int
		Message    string
	}
)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a Client from a validated configuration.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:        cfg.apiKey,
		system:        cfg.System,
		systemKey:     cfg.systemKey,
		campaignField: cfg.CampaignField,
		pageSize:      cfg.PageSize,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseDelay,
		maxDelay:      cfg.MaxDelay,
		now:           time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}

	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}

	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxDelay
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("crm api error: status=%d", e.StatusCode)
	}

	return fmt.Sprintf("crm api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the CRM.
func IsNotFound(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return endpoint
}

// do sends one request and decodes a JSON response into out (when non-nil).
//
// Transport errors, 429 and 5xx are retried up to maxRetries times for idempotent methods,
// honoring Retry-After. Every attempt first waits on the outbound rate limiter.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	if c == nil {
		return ErrClientNil
	}

	var payload []byte

	if body != nil {
		var err error

		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	maxRetries := 0
	if method == http.MethodGet || method == http.MethodDelete {
		maxRetries = c.maxRetries
	}

	wait := c.newBackOff()
	attempt := 0

	operation := func() error {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.send(ctx, method, endpoint, payload)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response body: %w", err))
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}

			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response body: %w", err))
			}

			return nil
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		if !isRetryableStatus(resp.StatusCode) {
			return backoff.Permanent(apiErr)
		}

		wait.retryAfter = parseRetryAfterSeconds(resp.Header.Get("Retry-After"))

		return apiErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(wait, uint64(max(maxRetries, 0))), ctx)

	return backoff.RetryNotify(operation, policy, func(err error, delay time.Duration) {
		c.logRetry(method, endpoint, attempt, delay, err)
	})
}

// newBackOff returns capped exponential backoff from baseDelay to maxDelay.
func (c *Client) newBackOff() *retryAfterBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &retryAfterBackOff{BackOff: exp, maxDelay: c.maxDelay}
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.system != "" {
		req.Header.Set("X-System", c.system)
	}

	if c.systemKey != "" {
		req.Header.Set("X-System-Key", c.systemKey)
	}

	return c.httpClient.Do(req)
}

func (c *Client) logRetry(method, endpoint string, attempt int, delay time.Duration, err error) {
	attrs := []any{
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("attempt", attempt),
		slog.Duration("wait", delay),
		slog.String("error", err.Error()),
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		attrs = append(attrs, slog.Int("status", apiErr.StatusCode))
	}

	c.logger.Warn("crm request failed, retrying", attrs...)
}

// retryAfterBackOff lets a server-sent Retry-After replace the next computed delay, capped at
// maxDelay. The hint is consumed by one NextBackOff call.
type retryAfterBackOff struct {
	backoff.BackOff

	maxDelay   time.Duration
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()

	hint := b.retryAfter
	b.retryAfter = 0

	if next == backoff.Stop || hint <= 0 {
		return next
	}

	return min(hint, b.maxDelay)
}

func (b *retryAfterBackOff) Reset() {
	b.retryAfter = 0
	b.BackOff.Reset()
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// errorMessage extracts "errorMessage" (the CRM's field) or "message" from a JSON error body,
// falling back to the trimmed raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	}

	if json.Unmarshal(body, &parsed) == nil {
		if parsed.ErrorMessage != "" {
			return parsed.ErrorMessage
		}

		if parsed.Message != "" {
			return parsed.Message
		}
	}

	message := strings.TrimSpace(string(body))
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}

	return message
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
