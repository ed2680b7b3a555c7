package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

type stubDiscountPolicyService struct {
	registerFn   func(context.Context, services.RegisterDiscountPolicyCommand) (services.DiscountPolicy, error)
	updateFn     func(context.Context, services.UpdateDiscountPolicyCommand) (services.DiscountPolicy, error)
	setDefaultFn func(context.Context, services.SetDefaultDiscountPolicyCommand) (services.DiscountPolicy, error)
	deleteFn     func(context.Context, services.DeleteDiscountPolicyCommand) error
	getFn        func(context.Context, string) (services.DiscountPolicy, error)
	listFn       func(context.Context, string, services.DiscountPolicyListFilter) (domain.CursorPage[services.DiscountPolicy], error)
}

func (s *stubDiscountPolicyService) Register(ctx context.Context, cmd services.RegisterDiscountPolicyCommand) (services.DiscountPolicy, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, cmd)
	}
	return services.DiscountPolicy{}, errors.New("not implemented")
}

func (s *stubDiscountPolicyService) Update(ctx context.Context, cmd services.UpdateDiscountPolicyCommand) (services.DiscountPolicy, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.DiscountPolicy{}, errors.New("not implemented")
}

func (s *stubDiscountPolicyService) SetDefault(ctx context.Context, cmd services.SetDefaultDiscountPolicyCommand) (services.DiscountPolicy, error) {
	if s.setDefaultFn != nil {
		return s.setDefaultFn(ctx, cmd)
	}
	return services.DiscountPolicy{}, errors.New("not implemented")
}

func (s *stubDiscountPolicyService) Delete(ctx context.Context, cmd services.DeleteDiscountPolicyCommand) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubDiscountPolicyService) Get(ctx context.Context, policyID string) (services.DiscountPolicy, error) {
	if s.getFn != nil {
		return s.getFn(ctx, policyID)
	}
	return services.DiscountPolicy{}, errors.New("not implemented")
}

func (s *stubDiscountPolicyService) ListBySeller(ctx context.Context, sellerID string, filter services.DiscountPolicyListFilter) (domain.CursorPage[services.DiscountPolicy], error) {
	if s.listFn != nil {
		return s.listFn(ctx, sellerID, filter)
	}
	return domain.CursorPage[services.DiscountPolicy]{}, nil
}

func (s *stubDiscountPolicyService) FindApplicablePolicies(context.Context, string) ([]services.DiscountPolicy, error) {
	return nil, nil
}

var _ services.DiscountPolicyService = (*stubDiscountPolicyService)(nil)

func newDiscountPolicyRouter(svc services.DiscountPolicyService) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", NewDiscountPolicyHandlers(svc).Routes)
	return router
}

func samplePolicy() services.DiscountPolicy {
	rate := decimal.NewFromInt(10)
	return services.DiscountPolicy{
		ID:         "dp_1",
		SellerID:   "seller_a",
		Name:       "Spring sale",
		Group:      domain.DiscountGroupSeller,
		Type:       domain.DiscountTypeRate,
		TargetType: domain.DiscountTargetAll,
		Rate:       &rate,
		ValidFrom:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		CostShare:  domain.CostShare{PlatformPercent: decimal.NewFromInt(30), SellerPercent: decimal.NewFromInt(70)},
		Priority:   10,
		Active:     true,
		CreatedAt:  time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestDiscountPolicyHandlersRegister(t *testing.T) {
	var captured services.RegisterDiscountPolicyCommand
	svc := &stubDiscountPolicyService{
		registerFn: func(_ context.Context, cmd services.RegisterDiscountPolicyCommand) (services.DiscountPolicy, error) {
			captured = cmd
			return samplePolicy(), nil
		},
	}
	router := newDiscountPolicyRouter(svc)

	body := `{
		"actorId": "seller_admin",
		"name": "Spring sale",
		"group": "seller",
		"type": "rate",
		"targetType": "all",
		"rate": "10",
		"maxDiscount": "5000",
		"validFrom": "2026-03-01T00:00:00Z",
		"validTo": "2026-04-01T00:00:00Z",
		"usageLimit": {"perMember": 1},
		"costShare": {"platformPercent": "30", "sellerPercent": "70"},
		"priority": 10,
		"active": true
	}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/sellers/seller_a/discount-policies", strings.NewReader(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	policy := captured.Policy
	if policy.SellerID != "seller_a" || policy.Group != domain.DiscountGroupSeller || policy.Type != domain.DiscountTypeRate {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if policy.Rate == nil || !policy.Rate.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected rate 10, got %v", policy.Rate)
	}
	if policy.MaxDiscount == nil || policy.MaxDiscount.Int64() != 5000 {
		t.Fatalf("expected max discount 5000, got %v", policy.MaxDiscount)
	}
	if policy.UsageLimit.PerMember == nil || *policy.UsageLimit.PerMember != 1 || policy.UsageLimit.Total != nil {
		t.Fatalf("unexpected usage limit %+v", policy.UsageLimit)
	}
	if !policy.CostShare.SellerPercent.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected cost share %+v", policy.CostShare)
	}
	if !policy.ValidTo.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) || captured.ActorID != "seller_admin" {
		t.Fatalf("unexpected window or actor %+v", captured)
	}

	var resp discountPolicyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Policy.ID != "dp_1" || resp.Policy.Rate == nil || resp.Policy.ValidFrom != "2026-03-01T00:00:00Z" {
		t.Fatalf("unexpected payload %+v", resp.Policy)
	}
}

func TestDiscountPolicyHandlersRegisterRejectsBadWindow(t *testing.T) {
	router := newDiscountPolicyRouter(&stubDiscountPolicyService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/sellers/seller_a/discount-policies", strings.NewReader(`{"name":"x","validFrom":"yesterday"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDiscountPolicyHandlersRegisterInvalidPolicy(t *testing.T) {
	svc := &stubDiscountPolicyService{
		registerFn: func(context.Context, services.RegisterDiscountPolicyCommand) (services.DiscountPolicy, error) {
			return services.DiscountPolicy{}, fmt.Errorf("%w: %w", services.ErrDiscountPolicyInvalidInput, domain.ErrInvalidDiscountPolicy)
		},
	}
	router := newDiscountPolicyRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/sellers/seller_a/discount-policies", strings.NewReader(`{"name":"x"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDiscountPolicyHandlersList(t *testing.T) {
	var capturedSeller string
	var captured services.DiscountPolicyListFilter
	svc := &stubDiscountPolicyService{
		listFn: func(_ context.Context, sellerID string, filter services.DiscountPolicyListFilter) (domain.CursorPage[services.DiscountPolicy], error) {
			capturedSeller = sellerID
			captured = filter
			return domain.CursorPage[services.DiscountPolicy]{Items: []services.DiscountPolicy{samplePolicy()}, NextPageToken: "tok-next"}, nil
		},
	}
	router := newDiscountPolicyRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/sellers/seller_a/discount-policies?pageSize=10&filter=group==seller&filter=active==true", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedSeller != "seller_a" || captured.Pagination.PageSize != 10 {
		t.Fatalf("unexpected seller or page size %q %+v", capturedSeller, captured)
	}
	if captured.Group != domain.DiscountGroupSeller || !captured.ActiveOnly || captured.IncludeDeleted {
		t.Fatalf("unexpected filter %+v", captured)
	}

	var resp discountPolicyListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "tok-next" {
		t.Fatalf("unexpected list response %+v", resp)
	}
}

func TestDiscountPolicyHandlersListRejectsUnknownFilter(t *testing.T) {
	router := newDiscountPolicyRouter(&stubDiscountPolicyService{})

	for _, query := range []string{"filter=owner==me", "filter=active==maybe", "pageSize=abc"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/sellers/seller_a/discount-policies?"+query, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", query, rr.Code)
		}
	}
}

func TestDiscountPolicyHandlersGetScopesBySeller(t *testing.T) {
	svc := &stubDiscountPolicyService{
		getFn: func(context.Context, string) (services.DiscountPolicy, error) {
			return samplePolicy(), nil
		},
	}
	router := newDiscountPolicyRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/sellers/seller_a/discount-policies/dp_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/sellers/seller_b/discount-policies/dp_1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for another seller, got %d", rr.Code)
	}
}

func TestDiscountPolicyHandlersUpdateSetDefaultDelete(t *testing.T) {
	var updated services.UpdateDiscountPolicyCommand
	var defaulted services.SetDefaultDiscountPolicyCommand
	var deleted services.DeleteDiscountPolicyCommand
	svc := &stubDiscountPolicyService{
		updateFn: func(_ context.Context, cmd services.UpdateDiscountPolicyCommand) (services.DiscountPolicy, error) {
			updated = cmd
			return samplePolicy(), nil
		},
		setDefaultFn: func(_ context.Context, cmd services.SetDefaultDiscountPolicyCommand) (services.DiscountPolicy, error) {
			defaulted = cmd
			policy := samplePolicy()
			policy.Default = true
			return policy, nil
		},
		deleteFn: func(_ context.Context, cmd services.DeleteDiscountPolicyCommand) error {
			deleted = cmd
			if cmd.PolicyID == "dp_missing" {
				return services.ErrDiscountPolicyNotFound
			}
			return nil
		},
	}
	router := newDiscountPolicyRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/internal/sellers/seller_a/discount-policies/dp_1", strings.NewReader(`{"name":"Spring sale v2","type":"FIXED_PRICE","fixedAmount":"1000"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected status 200, got %d", rr.Code)
	}
	if updated.PolicyID != "dp_1" || updated.SellerID != "seller_a" || updated.Policy.FixedAmount == nil {
		t.Fatalf("unexpected update command %+v", updated)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/sellers/seller_a/discount-policies/dp_1:default", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("set default: expected status 200, got %d", rr.Code)
	}
	if defaulted.PolicyID != "dp_1" || defaulted.SellerID != "seller_a" {
		t.Fatalf("unexpected set default command %+v", defaulted)
	}
	var resp discountPolicyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || !resp.Policy.Default {
		t.Fatalf("expected default policy in response, got %+v (%v)", resp.Policy, err)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/internal/sellers/seller_a/discount-policies/dp_1?actorId=ops", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected status 204, got %d", rr.Code)
	}
	if deleted.ActorID != "ops" {
		t.Fatalf("expected actor ops, got %q", deleted.ActorID)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/internal/sellers/seller_a/discount-policies/dp_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing: expected status 404, got %d", rr.Code)
	}
}
