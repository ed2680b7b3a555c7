package domain

import (
	"errors"
	"testing"
	"time"
)

const returnWindow = 7 * 24 * time.Hour

func deliveredOrder(t *testing.T) Order {
	t.Helper()
	return advance(t, newTestOrder(t, nil), confirmStep, prepareStep, shipStep, deliverStep)
}

func openClaim(t *testing.T, claimType ClaimType) Claim {
	t.Helper()
	claim, err := OpenClaim(NewClaimParams{
		ID:           "clm_1",
		Order:        deliveredOrder(t),
		Type:         claimType,
		Reason:       "wrong size",
		ReturnWindow: returnWindow,
		Now:          testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("open claim: %v", err)
	}
	return claim
}

func receivedClaim(t *testing.T, claimType ClaimType) Claim {
	t.Helper()
	claim := openClaim(t, claimType)
	var err error
	if claim, err = claim.Approve(testNow); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if claim, err = claim.RegisterShipping("CJ", "RET-1", testNow); err != nil {
		t.Fatalf("register shipping: %v", err)
	}
	if claim, err = claim.ConfirmReceived(testNow); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return claim
}

func TestOpenClaimValidatesOrder(t *testing.T) {
	claim := openClaim(t, ClaimTypeReturn)
	if claim.Status != ClaimStatusRequested || len(claim.Items) != 2 {
		t.Fatalf("unexpected claim %+v", claim)
	}
	if status, ok := claim.OrderFollowUp(); !ok || status != OrderStatusReturnRequest {
		t.Fatalf("expected RETURN_REQUEST follow-up, got %s %v", status, ok)
	}

	_, err := OpenClaim(NewClaimParams{
		ID:           "clm_2",
		Order:        deliveredOrder(t),
		Type:         ClaimTypeReturn,
		ReturnWindow: returnWindow,
		Now:          testNow.Add(8 * 24 * time.Hour),
	})
	if !errors.Is(err, ErrReturnWindowExpired) {
		t.Fatalf("expected expired window, got %v", err)
	}

	_, err = OpenClaim(NewClaimParams{
		ID:           "clm_3",
		Order:        newTestOrder(t, nil),
		Type:         ClaimTypeExchange,
		ReturnWindow: returnWindow,
		Now:          testNow,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected claim on pending order to fail, got %v", err)
	}
}

func TestReturnClaimCompletesAfterPassingInspection(t *testing.T) {
	claim := receivedClaim(t, ClaimTypeReturn)
	failed, err := claim.Inspect(InspectionFail, "scratched", testNow)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if _, err := failed.Complete(testNow); !errors.Is(err, ErrInspectionRequired) {
		t.Fatalf("expected failed inspection to block completion, got %v", err)
	}

	passed, err := claim.Inspect(InspectionPass, "", testNow)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if _, err := passed.Reject("no", testNow); !errors.Is(err, ErrInspectionRequired) {
		t.Fatalf("expected passed inspection to block rejection, got %v", err)
	}
	if _, err := passed.ShipExchange(ShipmentTracking{TrackingNumber: "X"}, testNow); !errors.Is(err, ErrClaimTypeMismatch) {
		t.Fatalf("expected exchange shipping on return to fail, got %v", err)
	}
	done, err := passed.Complete(testNow)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if status, ok := done.OrderFollowUp(); !ok || status != OrderStatusReturnCompleted {
		t.Fatalf("expected RETURN_COMPLETED follow-up, got %s", status)
	}
}

func TestExchangeClaimFlow(t *testing.T) {
	claim := receivedClaim(t, ClaimTypeExchange)
	claim, err := claim.Inspect(InspectionPass, "", testNow)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if _, err := claim.Complete(testNow); !errors.Is(err, ErrClaimTypeMismatch) {
		t.Fatalf("expected direct completion of exchange to fail, got %v", err)
	}
	if _, err := claim.ConfirmExchangeDelivered(testNow); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected delivery confirmation before shipping to fail, got %v", err)
	}
	shipped, err := claim.ShipExchange(ShipmentTracking{Courier: "CJ", TrackingNumber: "EXC-1"}, testNow)
	if err != nil {
		t.Fatalf("ship exchange: %v", err)
	}
	done, err := shipped.ConfirmExchangeDelivered(testNow)
	if err != nil {
		t.Fatalf("confirm delivered: %v", err)
	}
	if done.Status != ClaimStatusCompleted || done.ExchangeDeliveredAt == nil {
		t.Fatalf("expected completed exchange, got %s", done.Status)
	}
	if _, ok := done.OrderFollowUp(); ok {
		t.Fatalf("exchange claims must not drive order transitions")
	}
}

func TestClaimWithdrawAndReject(t *testing.T) {
	claim := openClaim(t, ClaimTypeReturn)
	withdrawn, err := claim.Withdraw(testNow)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if status, ok := withdrawn.OrderFollowUp(); !ok || status != OrderStatusReturnRequestRecant {
		t.Fatalf("expected recant follow-up, got %s", status)
	}
	if _, err := withdrawn.Approve(testNow); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected terminal claim to reject approval, got %v", err)
	}

	received := receivedClaim(t, ClaimTypeReturn)
	if _, err := received.Withdraw(testNow); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected withdraw after receipt to fail, got %v", err)
	}
	if _, err := received.Reject("no", testNow); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected reject from RECEIVED to fail, got %v", err)
	}
}

func TestSchedulePickupRequiresTime(t *testing.T) {
	claim, err := openClaim(t, ClaimTypeReturn).Approve(testNow)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := claim.SchedulePickup("CJ", time.Time{}, testNow); !errors.Is(err, ErrInvalidClaim) {
		t.Fatalf("expected missing pickup time to fail, got %v", err)
	}
	scheduled, err := claim.SchedulePickup("CJ", testNow.Add(24*time.Hour), testNow)
	if err != nil {
		t.Fatalf("schedule pickup: %v", err)
	}
	if scheduled.ReturnShipping.Method != ReturnShippingPickup || scheduled.ReturnShipping.PickupAt == nil {
		t.Fatalf("unexpected return shipping %+v", scheduled.ReturnShipping)
	}
}
