package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestLimiter(t *testing.T, r rate.Limit, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllow(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(2), 2)

	// First two requests should be allowed (burst = 2).
	if !rl.Allow("ip:192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("ip:192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("ip:192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}

	// Different client should still be allowed.
	if !rl.Allow("ip:192.168.1.2") {
		t.Fatal("expected request from different IP to be allowed")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1), 1)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") {
		t.Fatal("expected first request to be allowed")
	}
	if rl.Allow("k") {
		t.Fatal("expected second request to be limited")
	}
	now = now.Add(time.Second)
	if !rl.Allow("k") {
		t.Fatal("expected request after refill to be allowed")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(10), 10)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.cfg.MaxAge = time.Minute

	rl.Allow("old")
	now = now.Add(30 * time.Second)
	rl.Allow("recent")
	now = now.Add(45 * time.Second)

	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["old"]; ok {
		t.Error("stale entry not evicted")
	}
	if _, ok := rl.entries["recent"]; !ok {
		t.Error("recent entry evicted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1), 1)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}

	// The same address authenticated as a device has its own bucket.
	authed := req.WithContext(WithDevice(req.Context(), &Device{Username: "phone"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected device request to pass, got %d", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		device     *Device
		want       string
	}{
		{"ipv4", "192.168.1.1:8080", nil, "ip:192.168.1.1"},
		{"ipv6", "[::1]:8080", nil, "ip:::1"},
		{"no port", "10.0.0.1", nil, "ip:10.0.0.1"},
		{"device", "10.0.0.1:1", &Device{Username: "phone"}, "device:phone"},
		{"license", "10.0.0.1:1", &Device{ViaLicense: true}, "license"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.device != nil {
				r = r.WithContext(WithDevice(r.Context(), tt.device))
			}
			if got := clientKey(r); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}
