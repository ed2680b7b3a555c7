package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"
)

func TestCallerRateLimiterAllow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := NewCallerRateLimiter(2, time.Minute, func() time.Time { return now })

	if ok, _ := limiter.Allow("caller:checkout"); !ok {
		t.Fatalf("expected first request allowed")
	}
	if ok, _ := limiter.Allow("caller:checkout"); !ok {
		t.Fatalf("expected second request allowed")
	}
	ok, retry := limiter.Allow("caller:checkout")
	if ok {
		t.Fatalf("expected third request throttled")
	}
	if retry <= 0 || retry > 30*time.Second {
		t.Fatalf("expected retry within one refill interval, got %s", retry)
	}
	if ok, _ := limiter.Allow("caller:backoffice"); !ok {
		t.Fatalf("expected other caller unaffected")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := limiter.Allow("caller:checkout"); !ok {
		t.Fatalf("expected token refilled after interval")
	}
}

func TestCallerRateLimiterDisabled(t *testing.T) {
	if limiter := NewCallerRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatalf("expected nil limiter when disabled")
	}
	var limiter *CallerRateLimiter
	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected passthrough, got %d", rr.Code)
	}
}

func TestCallerRateLimiterMiddleware(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := NewCallerRateLimiter(1, time.Minute, func() time.Time { return now })
	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/orders/ord_1:execute", nil)
		req = req.WithContext(auth.WithCaller(req.Context(), auth.Caller{Name: "checkout"}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	var body struct {
		Retryable bool `json:"retryable"`
		Details   struct {
			RetryAfterSeconds int `json:"retryAfterSeconds"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Retryable || body.Details.RetryAfterSeconds != 60 {
		t.Fatalf("unexpected body %+v", body)
	}
}
