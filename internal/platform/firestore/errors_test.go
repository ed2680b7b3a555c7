package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var repoErr *Error
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification for %s: %+v", tc.code, repoErr)
			}
			if repoErr.Op != "orders.get" {
				t.Fatalf("expected op to be kept, got %q", repoErr.Op)
			}
		})
	}
}

func TestWrapErrorPassesCancellationThrough(t *testing.T) {
	if err := WrapError("orders.get", status.Error(codes.Canceled, "client gone")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("orders.get", fmt.Errorf("rpc: %w", context.DeadlineExceeded)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if WrapError("orders.get", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestNewVersionConflict(t *testing.T) {
	err := fmt.Errorf("tx: %w", NewVersionConflict("orders.update", "orders", "ord_1", 3, 4))

	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict classification, got %v", err)
	}
	var conflict *VersionConflict
	if !errors.As(err, &conflict) || conflict.Expected != 3 || conflict.Actual != 4 {
		t.Fatalf("expected version details, got %v", err)
	}
	if got := repoErr.Error(); got != "orders.update: orders ord_1 is at version 4, expected 3" {
		t.Fatalf("unexpected message %q", got)
	}
	if IsNotFound(err) {
		t.Fatalf("conflict must not read as not found")
	}
	if !IsNotFound(WrapError("orders.get", status.Error(codes.NotFound, "missing"))) {
		t.Fatalf("expected IsNotFound for NotFound status")
	}
}
