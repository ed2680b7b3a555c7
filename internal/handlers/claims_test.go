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

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

type stubClaimService struct {
	openFn    func(context.Context, services.OpenClaimCommand) (services.Claim, error)
	getFn     func(context.Context, string) (services.Claim, error)
	listFn    func(context.Context, string) ([]services.Claim, error)
	executeFn func(context.Context, services.ClaimCommand) (services.Claim, error)
}

func (s *stubClaimService) Open(ctx context.Context, cmd services.OpenClaimCommand) (services.Claim, error) {
	if s.openFn != nil {
		return s.openFn(ctx, cmd)
	}
	return services.Claim{}, errors.New("not implemented")
}

func (s *stubClaimService) Get(ctx context.Context, claimID string) (services.Claim, error) {
	if s.getFn != nil {
		return s.getFn(ctx, claimID)
	}
	return services.Claim{}, errors.New("not implemented")
}

func (s *stubClaimService) ListByOrder(ctx context.Context, orderID string) ([]services.Claim, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubClaimService) Execute(ctx context.Context, cmd services.ClaimCommand) (services.Claim, error) {
	if s.executeFn != nil {
		return s.executeFn(ctx, cmd)
	}
	return services.Claim{}, errors.New("not implemented")
}

var _ services.ClaimService = (*stubClaimService)(nil)

func newClaimRouter(svc services.ClaimService) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", NewClaimHandlers(svc).Routes)
	return router
}

func sampleClaim() services.Claim {
	created := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	return services.Claim{
		ID:        "clm_1",
		OrderID:   "ord_1",
		MemberID:  "mem_1",
		Type:      domain.ClaimTypeReturn,
		Status:    domain.ClaimStatusRequested,
		Items:     []domain.ItemQuantity{{ItemID: "itm_1", Quantity: 1}},
		Reason:    "size",
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestClaimHandlersOpen(t *testing.T) {
	var captured services.OpenClaimCommand
	svc := &stubClaimService{
		openFn: func(_ context.Context, cmd services.OpenClaimCommand) (services.Claim, error) {
			captured = cmd
			return sampleClaim(), nil
		},
	}
	router := newClaimRouter(svc)

	body := `{"orderId":"ord_1","memberId":"mem_1","type":"return","items":[{"itemId":"itm_1","quantity":1}],"reason":"size"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims", strings.NewReader(body)))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Type != domain.ClaimTypeReturn || captured.OrderID != "ord_1" || len(captured.Items) != 1 {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp claimResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Claim.ID != "clm_1" || resp.Claim.Status != "REQUESTED" || resp.Claim.ReturnShipping != nil {
		t.Fatalf("unexpected claim payload %+v", resp.Claim)
	}
}

func TestClaimHandlersOpenRuleViolation(t *testing.T) {
	svc := &stubClaimService{
		openFn: func(context.Context, services.OpenClaimCommand) (services.Claim, error) {
			return services.Claim{}, fmt.Errorf("%w: %w", services.ErrClaimRuleViolation, domain.ErrReturnWindowExpired)
		},
	}
	router := newClaimRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims", strings.NewReader(`{"orderId":"ord_1","type":"RETURN"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestClaimHandlersExecute(t *testing.T) {
	var captured services.ClaimCommand
	svc := &stubClaimService{
		executeFn: func(_ context.Context, cmd services.ClaimCommand) (services.Claim, error) {
			captured = cmd
			claim := sampleClaim()
			claim.Status = domain.ClaimStatusPickupScheduled
			claim.ReturnShipping = domain.ReturnShipping{Method: domain.ReturnShippingPickup, PickupAt: cmd.PickupAt}
			return claim, nil
		},
	}
	router := newClaimRouter(svc)

	body := `{"command":"schedule_pickup","expectedVersion":2,"pickupAt":"2026-03-07T09:00:00+09:00"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims/clm_1:execute", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Kind != services.ClaimCommandSchedulePickup || captured.ClaimID != "clm_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	want := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	if captured.PickupAt == nil || !captured.PickupAt.Equal(want) {
		t.Fatalf("expected pickup at %s, got %v", want, captured.PickupAt)
	}

	var resp claimResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Claim.ReturnShipping == nil || resp.Claim.ReturnShipping.Method != "PICKUP" {
		t.Fatalf("expected pickup return shipping, got %+v", resp.Claim.ReturnShipping)
	}
}

func TestClaimHandlersExecuteInspection(t *testing.T) {
	var captured services.ClaimCommand
	svc := &stubClaimService{
		executeFn: func(_ context.Context, cmd services.ClaimCommand) (services.Claim, error) {
			captured = cmd
			return sampleClaim(), nil
		},
	}
	router := newClaimRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims/clm_1:execute", strings.NewReader(`{"command":"inspect","inspection":"fail","memo":"stained"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Inspection != domain.InspectionFail || captured.Memo != "stained" {
		t.Fatalf("unexpected inspection command %+v", captured)
	}
}

func TestClaimHandlersExecuteRejectsBadPickupTime(t *testing.T) {
	router := newClaimRouter(&stubClaimService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims/clm_1:execute", strings.NewReader(`{"command":"schedule_pickup","pickupAt":"tomorrow"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestClaimHandlersGetAndList(t *testing.T) {
	svc := &stubClaimService{
		getFn: func(_ context.Context, claimID string) (services.Claim, error) {
			if claimID != "clm_1" {
				return services.Claim{}, services.ErrClaimNotFound
			}
			return sampleClaim(), nil
		},
		listFn: func(_ context.Context, orderID string) ([]services.Claim, error) {
			if orderID != "ord_1" {
				return nil, nil
			}
			return []services.Claim{sampleClaim()}, nil
		},
	}
	router := newClaimRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/claims/clm_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/claims/clm_x", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal/orders/ord_1/claims", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp claimListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].OrderID != "ord_1" {
		t.Fatalf("unexpected claim list %+v", resp)
	}
}

func TestClaimHandlersConflict(t *testing.T) {
	svc := &stubClaimService{
		executeFn: func(context.Context, services.ClaimCommand) (services.Claim, error) {
			return services.Claim{}, fmt.Errorf("%w: version mismatch", services.ErrClaimConflict)
		},
	}
	router := newClaimRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/claims/clm_1:execute", strings.NewReader(`{"command":"approve"}`)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
