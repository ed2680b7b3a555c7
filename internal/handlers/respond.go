package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/auth"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/httpx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

const defaultMaxBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

type errorMapping struct {
	target error
	code   string
	status int
}

// serviceErrorMappings is evaluated in order; the first match wins. Specific service kinds come
// before the bare domain sentinels they wrap.
var serviceErrorMappings = []errorMapping{
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrClaimNotFound, "claim_not_found", http.StatusNotFound},
	{services.ErrDiscountPolicyNotFound, "discount_policy_not_found", http.StatusNotFound},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict},
	{services.ErrClaimConflict, "claim_conflict", http.StatusConflict},
	{services.ErrDiscountPolicyConflict, "discount_policy_conflict", http.StatusConflict},
	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrClaimInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrDiscountPolicyInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrDiscountInvalidInput, "invalid_request", http.StatusBadRequest},
	{domain.ErrInvalidMoney, "invalid_request", http.StatusBadRequest},
	{domain.ErrIllegalTransition, "illegal_transition", http.StatusBadRequest},
	{domain.ErrNoSuchTransition, "illegal_transition", http.StatusBadRequest},
	{services.ErrOrderInvalidState, "illegal_transition", http.StatusBadRequest},
	{services.ErrClaimInvalidState, "illegal_transition", http.StatusBadRequest},
	{domain.ErrRuleViolation, "rule_violation", http.StatusBadRequest},
	{services.ErrOrderRuleViolation, "rule_violation", http.StatusBadRequest},
	{services.ErrClaimRuleViolation, "rule_violation", http.StatusBadRequest},
}

// writeServiceError translates service and domain error kinds into the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, mapping := range serviceErrorMappings {
		if errors.Is(err, mapping.target) {
			httpx.WriteError(ctx, w, httpx.NewError(mapping.code, err.Error(), mapping.status))
			return
		}
	}
	logger := requestctx.Logger(ctx)
	if errors.Is(err, services.ErrOrderRefundFailed) {
		logger.Warn("refund left pending", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed",
			"order updated but the refund is pending; repeat the command with idempotentOnTarget",
			http.StatusBadGateway))
		return
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		logger.Warn("dependency unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("dependency_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
		return
	}
	logger.Error("request failed", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded body and decodes it strictly into dst.
func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	data, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// decodeOptionalJSONBody accepts an empty body and leaves dst untouched in that case.
func decodeOptionalJSONBody(r *http.Request, dst any) error {
	err := decodeJSONBody(r, defaultMaxBodySize, dst)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// resolveActor prefers an explicit actor from the payload and falls back to the signed caller.
func resolveActor(ctx context.Context, explicit string) string {
	if actor := strings.TrimSpace(explicit); actor != "" {
		return actor
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		return caller.Name
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	ts = ts.UTC()
	return &ts, nil
}
