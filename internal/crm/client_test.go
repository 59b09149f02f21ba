package crm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := NewConfig(baseURL, "test-api-key")
	cfg.System = "stagetracker-test"
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.WithSystemKey("system-key")

	client, err := NewClient(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	return client
}

func TestNewClient_InvalidConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewClient(NewConfig("https://crm.example.test/v1", ""))

	require.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestClientDo_SendsCredentialsAndHeaders(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "test-api-key", user)
		assert.Empty(t, pass)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "stagetracker-test", r.Header.Get("X-System"))
		assert.Equal(t, "system-key", r.Header.Get("X-System-Key"))
		assert.Empty(t, r.Header.Get("Content-Type"), "GET carries no body")

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	var out struct {
		OK bool `json:"ok"`
	}

	require.NoError(t, client.do(context.Background(), http.MethodGet, client.endpoint("identity", nil), nil, &out))
	assert.True(t, out.OK)
}

func TestClientDo_RetriesTransientStatuses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.do(context.Background(), http.MethodGet, client.endpoint("people/1", nil), nil, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDo_GivesUpAfterMaxRetries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"errorMessage":"maintenance"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.do(context.Background(), http.MethodGet, client.endpoint("people/1", nil), nil, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "maintenance", apiErr.Message)
	assert.Equal(t, int32(defaultMaxRetries+1), calls.Load())
}

func TestClientDo_DoesNotRetryPostOrClientErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		method string
		status int
	}{
		{name: "post on server error", method: http.MethodPost, status: http.StatusInternalServerError},
		{name: "get on bad request", method: http.MethodGet, status: http.StatusBadRequest},
		{name: "get on unauthorized", method: http.MethodGet, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			err := client.do(context.Background(), tt.method, client.endpoint("webhooks", nil), map[string]string{"a": "b"}, nil)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestClientDo_ContextCancelled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.do(ctx, http.MethodGet, client.endpoint("people/1", nil), nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNilClient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var client *Client

	_, err := client.ListPeopleUpdatedSince(context.Background(), fixedNow, 0)

	require.ErrorIs(t, err, ErrClientNil)
}

func TestRetryAfterBackOff(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	b := &retryAfterBackOff{BackOff: backoff.NewConstantBackOff(100 * time.Millisecond), maxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())

	b.retryAfter = 300 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff(), "Retry-After replaces the computed delay")
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff(), "the hint is used once")

	b.retryAfter = 30 * time.Second
	assert.Equal(t, time.Second, b.NextBackOff(), "Retry-After is capped")

	b.retryAfter = time.Second
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff(), "reset drops a pending hint")

	limited := backoff.WithMaxRetries(b, 0)
	b.retryAfter = time.Second
	assert.Equal(t, backoff.Stop, limited.NextBackOff(), "an exhausted policy stops despite a hint")
}

func TestNewBackOff_ExponentialAndCapped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := &Client{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	b := client.newBackOff()

	exp, ok := b.BackOff.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	exp.RandomizationFactor = 0
	b.Reset()

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 150*time.Millisecond, b.NextBackOff())

	for range 10 {
		b.NextBackOff()
	}

	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, time.Duration(0), exp.MaxElapsedTime, "retries are bounded by count, not elapsed time")
}

func TestClientDo_HonorsRetryAfter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.maxDelay = 200 * time.Millisecond

	start := time.Now()
	err := client.do(context.Background(), http.MethodGet, client.endpoint("people/1", nil), nil, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"the capped Retry-After wait must replace the 1ms computed delay")
}

func TestErrorMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "bad key", errorMessage([]byte(`{"errorMessage":"bad key"}`)))
	assert.Equal(t, "nope", errorMessage([]byte(`{"message":"nope"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("  plain text \n")))
	assert.Len(t, errorMessage(make([]byte, maxErrorBody*2)), maxErrorBody)
}
