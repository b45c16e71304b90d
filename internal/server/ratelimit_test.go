package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/watzon/herald/internal/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Rate: 0.001, Burst: 3})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("4th request should be blocked")
	}
}

func TestRateLimiter_MultipleKeys(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Rate: 0.001, Burst: 1})
	defer rl.Stop()

	if !rl.Allow("key1") {
		t.Error("key1 should be allowed once")
	}
	if !rl.Allow("key2") {
		t.Error("key2 should be allowed once")
	}
	if rl.Allow("key1") {
		t.Error("key1 should be blocked")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, Rate: 0.001, Burst: 1})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/executions", nil)
		req.Header.Set("X-Forwarded-For", ip+", 192.168.1.1")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("203.0.113.7"); code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", code)
	}
	if code := send("203.0.113.7"); code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", code)
	}
	if code := send("203.0.113.8"); code != http.StatusOK {
		t.Errorf("other client: expected 200, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:51234"
	if got := clientIP(req); got != "198.51.100.4" {
		t.Errorf("expected remote host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.9")
	if got := clientIP(req); got != "198.51.100.9" {
		t.Errorf("expected X-Real-IP, got %q", got)
	}
}
