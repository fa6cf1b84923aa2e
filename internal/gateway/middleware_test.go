package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/gateway"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware_EmptyTokenDisables(t *testing.T) {
	h := gateway.NewAuthMiddleware("").Wrap(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := gateway.ExtractToken(req); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	req.Header.Set("X-API-Key", "k")
	if got := gateway.ExtractToken(req); got != "k" {
		t.Fatalf("api key = %q", got)
	}
	req.Header.Set("Authorization", "Bearer  b ")
	if got := gateway.ExtractToken(req); got != "b" {
		t.Fatalf("bearer = %q", got)
	}
}

func TestCORS(t *testing.T) {
	h := gateway.NewCORSMiddleware([]string{"https://app.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin allowed")
	}

	rec = httptest.NewRecorder()
	gateway.NewCORSMiddleware(nil)(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("empty allow-list should pass through")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	var readErr error
	h := gateway.RequestSizeLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32))))
	if readErr == nil || !strings.Contains(readErr.Error(), "too large") {
		t.Fatalf("read error = %v", readErr)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	h := rl.Wrap(okHandler)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:1000"); code != http.StatusOK {
			t.Fatalf("burst request %d = %d", i, code)
		}
	}
	if code := send("10.0.0.1:2000"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", code)
	}
	if code := send("10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("other client = %d", code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	h := gateway.NewRateLimitMiddleware(config.RateLimitConfig{BurstSize: 1}).Wrap(okHandler)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
}
