package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ClaimType distinguishes returns from exchanges.
type ClaimType string

const (
	ClaimTypeReturn   ClaimType = "RETURN"
	ClaimTypeExchange ClaimType = "EXCHANGE"
)

// ClaimStatus enumerates the states of a claim.
type ClaimStatus string

const (
	ClaimStatusRequested          ClaimStatus = "REQUESTED"
	ClaimStatusApproved           ClaimStatus = "APPROVED"
	ClaimStatusShippingRegistered ClaimStatus = "SHIPPING_REGISTERED"
	ClaimStatusPickupScheduled    ClaimStatus = "PICKUP_SCHEDULED"
	ClaimStatusReceived           ClaimStatus = "RECEIVED"
	ClaimStatusInspected          ClaimStatus = "INSPECTED"
	ClaimStatusExchangeShipped    ClaimStatus = "EXCHANGE_SHIPPED"
	ClaimStatusCompleted          ClaimStatus = "COMPLETED"
	ClaimStatusRejected           ClaimStatus = "REJECTED"
	ClaimStatusWithdrawn          ClaimStatus = "WITHDRAWN"
)

// IsTerminal reports whether no further claim commands apply.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusCompleted || s == ClaimStatusRejected || s == ClaimStatusWithdrawn
}

// InspectionResult is the outcome of inspecting returned goods.
type InspectionResult string

const (
	InspectionPass InspectionResult = "PASS"
	InspectionFail InspectionResult = "FAIL"
)

// ReturnShippingMethod describes how goods travel back to the seller.
type ReturnShippingMethod string

const (
	ReturnShippingCustomer ReturnShippingMethod = "CUSTOMER_SHIPPED"
	ReturnShippingPickup   ReturnShippingMethod = "PICKUP"
)

// ReturnShipping tracks the inbound shipment of a claim.
type ReturnShipping struct {
	Method         ReturnShippingMethod
	Courier        string
	TrackingNumber string
	PickupAt       *time.Time
}

// Claim is a post-delivery return or exchange request against one order.
type Claim struct {
	ID               string
	OrderID          string
	MemberID         string
	Type             ClaimType
	Status           ClaimStatus
	Items            []ItemQuantity
	Reason           string
	ReturnShipping   ReturnShipping
	Inspection       InspectionResult
	InspectionMemo   string
	ExchangeShipping ShipmentTracking
	RejectReason     string
	Version          int64

	CreatedAt           time.Time
	UpdatedAt           time.Time
	ApprovedAt          *time.Time
	ReceivedAt          *time.Time
	InspectedAt         *time.Time
	ExchangeShippedAt   *time.Time
	ExchangeDeliveredAt *time.Time
	CompletedAt         *time.Time
	RejectedAt          *time.Time
	WithdrawnAt         *time.Time
}

// NewClaimParams carries the data needed to open a claim.
type NewClaimParams struct {
	ID           string
	Order        Order
	Type         ClaimType
	Items        []ItemQuantity
	Reason       string
	ReturnWindow time.Duration
	Now          time.Time
}

// OpenClaim validates the parent order and creates a REQUESTED claim.
func OpenClaim(p NewClaimParams) (Claim, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Claim{}, fmt.Errorf("%w: claim id is required", ErrInvalidClaim)
	}
	if p.Type != ClaimTypeReturn && p.Type != ClaimTypeExchange {
		return Claim{}, fmt.Errorf("%w: unknown claim type %q", ErrInvalidClaim, p.Type)
	}
	switch p.Order.Status {
	case OrderStatusDelivered:
	case OrderStatusReturnRequest:
		if p.Type != ClaimTypeReturn {
			return Claim{}, &TransitionError{Aggregate: "order", From: string(p.Order.Status), To: string(p.Type)}
		}
	default:
		return Claim{}, &TransitionError{Aggregate: "order", From: string(p.Order.Status), To: string(OrderStatusReturnRequest)}
	}
	if !p.Order.ReturnWindowOpen(p.Now, p.ReturnWindow) {
		return Claim{}, ErrReturnWindowExpired
	}
	items, err := p.Order.ResolveItemQuantities(p.Items)
	if err != nil {
		return Claim{}, err
	}
	if len(items) == 0 {
		return Claim{}, fmt.Errorf("%w: no claimable quantity left", ErrInvalidClaim)
	}

	now := p.Now.UTC()
	return Claim{
		ID:        p.ID,
		OrderID:   p.Order.ID,
		MemberID:  p.Order.MemberID,
		Type:      p.Type,
		Status:    ClaimStatusRequested,
		Items:     items,
		Reason:    p.Reason,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy.
func (c Claim) Clone() Claim {
	c.Items = slices.Clone(c.Items)
	c.ReturnShipping.PickupAt = cloneTime(c.ReturnShipping.PickupAt)
	c.ApprovedAt = cloneTime(c.ApprovedAt)
	c.ReceivedAt = cloneTime(c.ReceivedAt)
	c.InspectedAt = cloneTime(c.InspectedAt)
	c.ExchangeShippedAt = cloneTime(c.ExchangeShippedAt)
	c.ExchangeDeliveredAt = cloneTime(c.ExchangeDeliveredAt)
	c.CompletedAt = cloneTime(c.CompletedAt)
	c.RejectedAt = cloneTime(c.RejectedAt)
	c.WithdrawnAt = cloneTime(c.WithdrawnAt)
	return c
}

// Approve accepts a requested claim.
func (c Claim) Approve(now time.Time) (Claim, error) {
	return c.transition(ClaimStatusApproved, now)
}

// RegisterShipping records a customer-arranged return shipment. Only approved claims may ship.
func (c Claim) RegisterShipping(courier, trackingNumber string, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusShippingRegistered); err != nil {
		return c, err
	}
	if strings.TrimSpace(trackingNumber) == "" {
		return c, fmt.Errorf("%w: tracking number is required", ErrInvalidClaim)
	}
	next, err := c.transition(ClaimStatusShippingRegistered, now)
	if err != nil {
		return c, err
	}
	next.ReturnShipping = ReturnShipping{
		Method:         ReturnShippingCustomer,
		Courier:        strings.TrimSpace(courier),
		TrackingNumber: strings.TrimSpace(trackingNumber),
	}
	return next, nil
}

// SchedulePickup books a courier pickup for an approved claim.
func (c Claim) SchedulePickup(courier string, at time.Time, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusPickupScheduled); err != nil {
		return c, err
	}
	if at.IsZero() {
		return c, fmt.Errorf("%w: pickup time is required", ErrInvalidClaim)
	}
	next, err := c.transition(ClaimStatusPickupScheduled, now)
	if err != nil {
		return c, err
	}
	pickup := at.UTC()
	next.ReturnShipping = ReturnShipping{
		Method:   ReturnShippingPickup,
		Courier:  strings.TrimSpace(courier),
		PickupAt: &pickup,
	}
	return next, nil
}

// ConfirmReceived records that returned goods arrived at the seller.
func (c Claim) ConfirmReceived(now time.Time) (Claim, error) {
	return c.transition(ClaimStatusReceived, now)
}

// Inspect records the inspection outcome of received goods.
func (c Claim) Inspect(result InspectionResult, memo string, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusInspected); err != nil {
		return c, err
	}
	if result != InspectionPass && result != InspectionFail {
		return c, fmt.Errorf("%w: unknown inspection result %q", ErrInvalidClaim, result)
	}
	next, err := c.transition(ClaimStatusInspected, now)
	if err != nil {
		return c, err
	}
	next.Inspection = result
	next.InspectionMemo = memo
	return next, nil
}

// Complete resolves an inspected return claim that passed inspection.
func (c Claim) Complete(now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusCompleted); err != nil {
		return c, err
	}
	if c.Status != ClaimStatusInspected {
		return c, &TransitionError{Aggregate: "claim", From: string(c.Status), To: string(ClaimStatusCompleted)}
	}
	if c.Type != ClaimTypeReturn {
		return c, ErrClaimTypeMismatch
	}
	if c.Inspection != InspectionPass {
		return c, ErrInspectionRequired
	}
	return c.transition(ClaimStatusCompleted, now)
}

// ShipExchange sends replacement goods for an exchange claim that passed inspection.
func (c Claim) ShipExchange(tracking ShipmentTracking, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusExchangeShipped); err != nil {
		return c, err
	}
	if c.Type != ClaimTypeExchange {
		return c, ErrClaimTypeMismatch
	}
	if c.Inspection != InspectionPass {
		return c, ErrInspectionRequired
	}
	if strings.TrimSpace(tracking.TrackingNumber) == "" {
		return c, fmt.Errorf("%w: tracking number is required", ErrInvalidClaim)
	}
	next, err := c.transition(ClaimStatusExchangeShipped, now)
	if err != nil {
		return c, err
	}
	next.ExchangeShipping = ShipmentTracking{
		Courier:        strings.TrimSpace(tracking.Courier),
		TrackingNumber: strings.TrimSpace(tracking.TrackingNumber),
	}
	return next, nil
}

// ConfirmExchangeDelivered completes an exchange once the replacement shipment arrived.
func (c Claim) ConfirmExchangeDelivered(now time.Time) (Claim, error) {
	if c.Type != ClaimTypeExchange {
		return c, ErrClaimTypeMismatch
	}
	if c.Status != ClaimStatusExchangeShipped {
		return c, &TransitionError{Aggregate: "claim", From: string(c.Status), To: string(ClaimStatusCompleted)}
	}
	next, err := c.transition(ClaimStatusCompleted, now)
	if err != nil {
		return c, err
	}
	at := now
	next.ExchangeDeliveredAt = &at
	return next, nil
}

// Reject declines the claim. From INSPECTED only a failed inspection may be rejected.
func (c Claim) Reject(reason string, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, ClaimStatusRejected); err != nil {
		return c, err
	}
	if c.Status == ClaimStatusInspected && c.Inspection != InspectionFail {
		return c, ErrInspectionRequired
	}
	next, err := c.transition(ClaimStatusRejected, now)
	if err != nil {
		return c, err
	}
	next.RejectReason = reason
	return next, nil
}

// Withdraw cancels the claim on the customer's behalf before goods are shipped back.
func (c Claim) Withdraw(now time.Time) (Claim, error) {
	return c.transition(ClaimStatusWithdrawn, now)
}

// OrderFollowUp returns the order status the parent order must reach once this claim state is
// committed, or false when the claim drives no order change.
func (c Claim) OrderFollowUp() (OrderStatus, bool) {
	if c.Type != ClaimTypeReturn {
		return "", false
	}
	switch c.Status {
	case ClaimStatusRequested:
		return OrderStatusReturnRequest, true
	case ClaimStatusCompleted:
		return OrderStatusReturnCompleted, true
	case ClaimStatusRejected, ClaimStatusWithdrawn:
		return OrderStatusReturnRequestRecant, true
	}
	return "", false
}

func (c Claim) transition(target ClaimStatus, now time.Time) (Claim, error) {
	if err := ValidateClaimTransition(c.Status, target); err != nil {
		return c, err
	}
	next := c.Clone()
	next.Status = target
	next.UpdatedAt = now
	at := now
	switch target {
	case ClaimStatusApproved:
		next.ApprovedAt = &at
	case ClaimStatusReceived:
		next.ReceivedAt = &at
	case ClaimStatusInspected:
		next.InspectedAt = &at
	case ClaimStatusExchangeShipped:
		next.ExchangeShippedAt = &at
	case ClaimStatusCompleted:
		next.CompletedAt = &at
	case ClaimStatusRejected:
		next.RejectedAt = &at
	case ClaimStatusWithdrawn:
		next.WithdrawnAt = &at
	}
	return next, nil
}
