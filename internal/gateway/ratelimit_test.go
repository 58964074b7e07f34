package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/gateway"
)

func limited(t *testing.T, burst int) (*gateway.RateLimitMiddleware, http.Handler) {
	t.Helper()
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         burst,
	}, quietLogger())
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_OverBurst(t *testing.T) {
	_, h := limited(t, 3)
	for i := range 3 {
		if rec := post(h, "/api/remediation/shed", "ops"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: got %d", i, rec.Code)
		}
	}
	rec := post(h, "/api/remediation/shed", "ops")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q", got)
	}
}

func TestRateLimit_ReadsPassThrough(t *testing.T) {
	_, h := limited(t, 1)
	_ = post(h, "/api/kernels/worker_pool/restart", "")
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/api/kernels", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET throttled: %d", rec.Code)
		}
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	_, h := limited(t, 1)
	if rec := post(h, "/api/remediation/restore-load", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	if rec := post(h, "/api/remediation/restore-load", "refill"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := post(h, "/api/remediation/restore-load", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("after refill: %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	_, h := limited(t, 1)
	_ = post(h, "/api/remediation/shed", "key-a")
	if rec := post(h, "/api/remediation/shed", "key-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a: %d", rec.Code)
	}
	if rec := post(h, "/api/remediation/shed", "key-b"); rec.Code != http.StatusOK {
		t.Fatalf("key-b: %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, h := limited(t, 10)
	for _, key := range []string{"k1", "k2", "k3"} {
		_ = post(h, "/api/remediation/shed", key)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 3 {
		t.Fatalf("buckets after no-op eviction = %d", rl.BucketCount())
	}
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after full eviction = %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{}, quietLogger())
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	for range 20 {
		if rec := post(h, "/api/remediation/shed", ""); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter throttled: %d", rec.Code)
		}
	}
}

func TestRateLimit_ActorsHaveSeparateBuckets(t *testing.T) {
	_, h := limited(t, 1)
	send := func(actor string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/kernels/self_healing/restart", nil)
		req.Header.Set("X-API-Key", "shared")
		req.Header.Set("X-Grace-Actor", actor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("coding_agent"); code != http.StatusOK {
		t.Fatalf("first: %d", code)
	}
	if code := send("coding_agent"); code != http.StatusTooManyRequests {
		t.Fatalf("coding_agent second: %d, want 429", code)
	}
	if code := send("operator"); code != http.StatusOK {
		t.Fatalf("operator throttled by coding_agent: %d", code)
	}
}

func TestRateLimit_MaxClientsBounded(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, MaxClients: 2}, quietLogger())
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	for _, key := range []string{"a", "b", "c", "d"} {
		_ = post(h, "/api/remediation/shed", key)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d, want 2", rl.BucketCount())
	}
}
