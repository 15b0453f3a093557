package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"cloudship/internal/ratelimit"
)

func TestRateLimitMiddleware(t *testing.T) {
	server, _ := setupTestServer(t)
	server.Limiter = ratelimit.New(3, time.Minute)
	router := server.Router()

	for i := 1; i <= 3; i++ {
		rr := doJSON(t, router, "GET", "/api/v1/deployments", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("Request %d: expected limit header 3, got %q", i, got)
		}
		if got := rr.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(3-i) {
			t.Errorf("Request %d: expected remaining %d, got %q", i, 3-i, got)
		}
		if rr.Header().Get("X-RateLimit-Reset") == "" {
			t.Errorf("Request %d: missing reset header", i)
		}
	}

	rr := doJSON(t, router, "GET", "/api/v1/deployments", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("Expected remaining 0 on rejection, got %q", got)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After on rejection")
	}

	// Health checks are never counted or rejected.
	for _, path := range []string{"/health", "/metrics"} {
		rr := doJSON(t, router, "GET", path, "")
		if rr.Code == http.StatusTooManyRequests {
			t.Errorf("%s must be exempt from rate limiting", path)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Errorf("%s should not carry rate limit headers", path)
		}
	}
}

func TestRateLimitMiddleware_PerClient(t *testing.T) {
	server, _ := setupTestServer(t)
	server.Limiter = ratelimit.New(1, time.Minute)
	router := server.Router()

	for _, ip := range []string{"203.0.113.10", "203.0.113.11"} {
		req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
		req.Header.Set("X-Real-IP", ip)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("First request from %s: expected 200, got %d", ip, rr.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/deployments", nil)
	req.Header.Set("X-Real-IP", "203.0.113.10")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Second request from same client: expected 429, got %d", rr.Code)
	}
}

func TestWebhookRateLimitMiddleware(t *testing.T) {
	server, _ := setupTestServer(t)
	server.Settings.WebhookPerMinute = 2
	router := server.Router()

	for i := 1; i <= 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, webhookRequest([]byte(pushPayload), "sha256=00"))
		if rr.Code == http.StatusTooManyRequests {
			t.Fatalf("Request %d should be within the burst", i)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, webhookRequest([]byte(pushPayload), "sha256=00"))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:54321", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

func TestTokenBuckets_DropIdleClients(t *testing.T) {
	tb := newTokenBuckets(1)
	start := time.Now()

	if !tb.allow("192.0.2.1", start) {
		t.Fatal("First request should be allowed")
	}
	if tb.allow("192.0.2.1", start) {
		t.Fatal("Second request within the minute should be rejected")
	}

	later := start.Add(bucketIdle + time.Minute)
	if !tb.allow("192.0.2.2", later) {
		t.Fatal("Request from a new client should be allowed")
	}
	if _, ok := tb.buckets["192.0.2.1"]; ok {
		t.Error("Idle client bucket should have been swept")
	}
}
