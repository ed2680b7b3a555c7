package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// requireCallerHeader stands in for signature verification.
func requireCallerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Caller") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func testRouter(t *testing.T) chi.Router {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status:      repositories.HealthStatusOK,
			GeneratedAt: now,
			Checks:      map[string]repositories.HealthCheck{"firestore": {Status: repositories.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	orders := func(r chi.Router) {
		r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, chi.URLParam(r, "orderID"))
		})
	}
	claims := func(r chi.Router) {
		r.Post("/claims", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	}
	return NewRouter(
		WithHealthHandlers(health),
		WithInternalRoutes(orders, claims),
		WithInternalMiddlewares(requireCallerHeader),
	)
}

func TestRouterRoutes(t *testing.T) {
	router := testRouter(t)

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		caller      bool
		status      int
		errorCode   string
		respBody    string
	}{
		{name: "liveness probe", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "readiness probe skips the internal guard", method: http.MethodGet, path: "/readyz", status: http.StatusOK},
		{name: "internal route requires a caller", method: http.MethodGet, path: "/internal/orders/ord_1", status: http.StatusUnauthorized},
		{name: "order route", method: http.MethodGet, path: "/internal/orders/ord_1", caller: true, status: http.StatusOK, respBody: "ord_1"},
		{name: "claim route", method: http.MethodPost, path: "/internal/claims", contentType: "application/json; charset=utf-8", body: `{"orderId":"ord_1"}`, caller: true, status: http.StatusCreated},
		{name: "form bodies rejected", method: http.MethodPost, path: "/internal/claims", contentType: "application/x-www-form-urlencoded", body: "orderId=ord_1", caller: true, status: http.StatusUnsupportedMediaType},
		{name: "wrong method", method: http.MethodDelete, path: "/internal/orders/ord_1", caller: true, status: http.StatusMethodNotAllowed},
		{name: "unknown internal path", method: http.MethodGet, path: "/internal/refunds/r_1", caller: true, status: http.StatusNotFound, errorCode: errorNotFoundCode},
		{name: "unknown root path", method: http.MethodGet, path: "/does/not/exist", status: http.StatusNotFound, errorCode: errorNotFoundCode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			req := httptest.NewRequest(tc.method, tc.path, body)
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			if tc.caller {
				req.Header.Set("X-Caller", "checkout")
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rr.Code, rr.Body.String())
			}
			if tc.respBody != "" && rr.Body.String() != tc.respBody {
				t.Fatalf("expected body %q, got %q", tc.respBody, rr.Body.String())
			}
			if tc.errorCode == "" {
				return
			}
			var payload struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("expected JSON error body: %v", err)
			}
			if payload.Error != tc.errorCode {
				t.Fatalf("expected error %s, got %s", tc.errorCode, payload.Error)
			}
		})
	}
}

func TestRouterDefaults(t *testing.T) {
	router := NewRouter(WithInternalPath("/ops"))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected JSON liveness without options, got %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected readiness to fall back to liveness, got %d", rr.Code)
	}
}
