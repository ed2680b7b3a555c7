package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
)

type decodedEnvelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	Retryable bool           `json:"retryable"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Details   map[string]any `json:"details"`
}

func TestWriteErrorStampsRequestAndTrace(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"})

	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("order_conflict", "order version mismatch\nexpected 3", http.StatusConflict).
		WithDetail("orderId", "ord_1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	var body decodedEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "order_conflict" || body.Message != "order version mismatch expected 3" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	if !body.Retryable {
		t.Fatalf("expected conflict to be retryable")
	}
	if body.RequestID != "req-1" || body.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected request and trace ids, got %+v", body)
	}
	if body.Details["orderId"] != "ord_1" {
		t.Fatalf("expected details, got %v", body.Details)
	}
}

func TestErrorRetryable(t *testing.T) {
	tests := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusConflict:            true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
	}
	for status, want := range tests {
		if got := NewError("x", "x", status).Retryable(); got != want {
			t.Fatalf("status %d: expected retryable=%v", status, want)
		}
	}
}

func TestWithDetailDoesNotShareMaps(t *testing.T) {
	base := NewError("rule_violation", "return window expired", http.StatusBadRequest).WithDetail("window", "7d")
	derived := base.WithDetail("orderId", "ord_1")
	if _, ok := base.Details["orderId"]; ok {
		t.Fatalf("expected base details untouched, got %v", base.Details)
	}
	if len(derived.Details) != 2 {
		t.Fatalf("expected two details, got %v", derived.Details)
	}
	if NewError("", "", 0).Status != http.StatusInternalServerError {
		t.Fatalf("expected default status 500")
	}
}
