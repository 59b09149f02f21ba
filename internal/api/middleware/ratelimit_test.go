package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testClient = "key-1"

func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		ClientRPS:   50,
		UnAuthRPS:   2,
	})
	defer func() { _ = rl.Close() }()

	successCount := 0

	for range 11 {
		if rl.Allow(testClient) {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

func TestRateLimiter_TierLimits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		clientID string
		want     int
	}{
		{name: "client tier", clientID: testClient, want: 5},
		{name: "unauthenticated tier", clientID: "", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewInMemoryRateLimiter(&Config{
				GlobalRPS:   100,
				ClientRPS:   5,
				ClientBurst: 5,
				UnAuthRPS:   3,
				UnAuthBurst: 3,
			})
			defer func() { _ = rl.Close() }()

			successCount := 0

			for range tt.want + 1 {
				if rl.Allow(tt.clientID) {
					successCount++
				}
			}

			if successCount != tt.want {
				t.Errorf("expected %d successful requests, got %d", tt.want, successCount)
			}
		})
	}
}

func TestRateLimiter_BurstDefaultsToTwiceRate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := computeBurstCapacity(10, 0); got != 20 {
		t.Errorf("computeBurstCapacity(10, 0) = %d, want 20", got)
	}

	if got := computeBurstCapacity(10, 15); got != 15 {
		t.Errorf("computeBurstCapacity(10, 15) = %d, want 15", got)
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, ClientRPS: 1, UnAuthRPS: 10})
	defer func() { _ = rl.Close() }()

	if !rl.Allow(testClient) || !rl.Allow(testClient) {
		t.Fatal("burst of 2 should be available at 1 RPS")
	}

	if rl.Allow(testClient) {
		t.Error("expected request to be rate limited after burst exhausted")
	}
}

func TestRateLimiter_ClientIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   5,
		ClientBurst: 5,
		UnAuthRPS:   2,
	})
	defer func() { _ = rl.Close() }()

	for i := range 5 {
		if !rl.Allow("key-a") {
			t.Errorf("key-a request %d should succeed", i+1)
		}
	}

	if rl.Allow("key-a") {
		t.Error("key-a should be rate limited")
	}

	for i := range 5 {
		if !rl.Allow("key-b") {
			t.Errorf("key-b request %d should succeed", i+1)
		}
	}

	if got := rl.Clients(); got != 2 {
		t.Errorf("Clients() = %d, want 2", got)
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, ClientRPS: 50, UnAuthRPS: 10})
	defer func() { _ = rl.Close() }()

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)

		go func(clientID string) {
			defer wg.Done()

			for range 10 {
				_ = rl.Allow(clientID)
			}
		}(fmt.Sprintf("key-%d", i))
	}

	wg.Wait()

	if got := rl.Clients(); got != 10 {
		t.Errorf("Clients() = %d, want 10", got)
	}
}

func TestRateLimiter_CleanupRemovesOnlyIdleClients(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   50,
		UnAuthRPS:   10,
		IdleTimeout: time.Minute,
	})
	defer func() { _ = rl.Close() }()

	rl.Allow("stale")
	rl.Allow("active")

	rl.mu.RLock()
	rl.perClient["stale"].lastAccess = time.Now().Add(-2 * time.Minute)
	rl.mu.RUnlock()

	rl.cleanup(time.Now())

	rl.mu.RLock()
	_, staleExists := rl.perClient["stale"]
	_, activeExists := rl.perClient["active"]
	rl.mu.RUnlock()

	if staleExists {
		t.Error("stale client should have been removed")
	}

	if !activeExists {
		t.Error("active client should have been preserved")
	}
}

func TestRateLimiter_CloseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, ClientRPS: 1, UnAuthRPS: 1})

	if err := rl.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if err := rl.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
}

func TestRateLimitMiddleware_BlockedWithProblemResponse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 1, ClientRPS: 1, UnAuthRPS: 1})
	defer func() { _ = rl.Close() }()

	nextCalls := 0
	handler := RateLimit(rl, slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalls++

		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/fub", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("first request should succeed, got status %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/fub", nil))

	if nextCalls != 1 {
		t.Errorf("next handler called %d times, want 1", nextCalls)
	}

	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", second.Code)
	}

	if second.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", second.Header().Get("Retry-After"))
	}

	if ct := second.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var problem map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	if problem["type"] != "https://stagetracker.dev/problems/429" {
		t.Errorf("type = %v", problem["type"])
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("title = %v", problem["title"])
	}

	if problem["instance"] != "/api/v1/webhooks/fub" {
		t.Errorf("instance = %v", problem["instance"])
	}
}

func TestRateLimitMiddleware_AdminKeysUseClientTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		ClientRPS:   4,
		ClientBurst: 4,
		UnAuthRPS:   1,
		UnAuthBurst: 1,
	})
	defer func() { _ = rl.Close() }()

	handler := RateLimit(rl, slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(admin bool) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/webhooks", nil)
		if admin {
			req = req.WithContext(SetAdminContext(req.Context(), AdminContext{KeyID: testClient}))
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	if serve(false) != http.StatusOK || serve(false) != http.StatusTooManyRequests {
		t.Fatal("unauthenticated tier should allow exactly one request")
	}

	for i := range 4 {
		if code := serve(true); code != http.StatusOK {
			t.Errorf("admin request %d got status %d", i+1, code)
		}
	}

	if code := serve(true); code != http.StatusTooManyRequests {
		t.Errorf("5th admin request got status %d, want 429", code)
	}
}

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("STAGETRACKER_GLOBAL_RPS", "42")
	t.Setenv("STAGETRACKER_CLIENT_BURST", "7")
	t.Setenv("STAGETRACKER_RATE_LIMIT_IDLE_TIMEOUT", "10m")

	cfg := LoadConfig()

	if cfg.GlobalRPS != 42 || cfg.ClientBurst != 7 || cfg.IdleTimeout != 10*time.Minute {
		t.Errorf("LoadConfig() = %+v", cfg)
	}

	if cfg.UnAuthRPS != defaultUnAuthRPS || cfg.ClientRPS != defaultClientRPS {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
