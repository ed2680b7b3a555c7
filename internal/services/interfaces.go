package services

import (
	"context"
	"time"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Money            = domain.Money
	Order            = domain.Order
	OrderItem        = domain.OrderItem
	OrderStatus      = domain.OrderStatus
	OrderDiscount    = domain.OrderDiscount
	ItemQuantity     = domain.ItemQuantity
	ShipmentTracking = domain.ShipmentTracking
	ShippingInfo     = domain.ShippingInfo
	ProductSnapshot  = domain.ProductSnapshot
	RefundSheet      = domain.RefundSheet
	Claim            = domain.Claim
	ClaimType        = domain.ClaimType
	ClaimStatus      = domain.ClaimStatus
	DiscountPolicy   = domain.DiscountPolicy
	Pagination       = domain.Pagination
)

// OrderService drives the order lifecycle: checkout placement and every status command.
type OrderService interface {
	PlaceCheckout(ctx context.Context, cmd PlaceCheckoutCommand) ([]Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListByPayment(ctx context.Context, paymentID string) ([]Order, error)
	Execute(ctx context.Context, cmd OrderCommand) (Order, error)
}

// ClaimService manages return and exchange claims against delivered orders.
type ClaimService interface {
	Open(ctx context.Context, cmd OpenClaimCommand) (Claim, error)
	Get(ctx context.Context, claimID string) (Claim, error)
	ListByOrder(ctx context.Context, orderID string) ([]Claim, error)
	Execute(ctx context.Context, cmd ClaimCommand) (Claim, error)
}

// DiscountPolicyService manages seller discount policies and serves them to the discount engine.
type DiscountPolicyService interface {
	Register(ctx context.Context, cmd RegisterDiscountPolicyCommand) (DiscountPolicy, error)
	Update(ctx context.Context, cmd UpdateDiscountPolicyCommand) (DiscountPolicy, error)
	SetDefault(ctx context.Context, cmd SetDefaultDiscountPolicyCommand) (DiscountPolicy, error)
	Delete(ctx context.Context, cmd DeleteDiscountPolicyCommand) error
	Get(ctx context.Context, policyID string) (DiscountPolicy, error)
	ListBySeller(ctx context.Context, sellerID string, filter DiscountPolicyListFilter) (domain.CursorPage[DiscountPolicy], error)
	FindApplicablePolicies(ctx context.Context, sellerID string) ([]DiscountPolicy, error)
}

// RefundGateway returns money to the payer. Implementations must treat IdempotencyKey as a
// deduplication key so retried units of work never refund twice.
type RefundGateway interface {
	RefundOrder(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

// RefundRequest describes one refund sheet to settle against a payment.
type RefundRequest struct {
	PaymentID      string
	OrderID        string
	Sheet          RefundSheet
	IdempotencyKey string
}

// RefundReceipt reports the provider reference of an issued refund.
type RefundReceipt struct {
	ProviderRef string
	Status      string
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PaymentID      string
	SellerID       string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderCommandDispatcher hands order commands produced by other aggregates to the order service,
// either inline or through a queue.
type OrderCommandDispatcher interface {
	DispatchOrderCommand(ctx context.Context, cmd OrderCommand) error
}

// OrderCommandDispatcherFunc adapts a function to OrderCommandDispatcher.
type OrderCommandDispatcherFunc func(ctx context.Context, cmd OrderCommand) error

// DispatchOrderCommand implements OrderCommandDispatcher.
func (f OrderCommandDispatcherFunc) DispatchOrderCommand(ctx context.Context, cmd OrderCommand) error {
	return f(ctx, cmd)
}

// DiscountUsageCounter reports policy usage history for limit enforcement.
type DiscountUsageCounter interface {
	Count(ctx context.Context, policyID, memberID string) (repositories.DiscountUsageCount, error)
}

// OrderCommandKind enumerates the order operations accepted by OrderService.Execute.
type OrderCommandKind string

const (
	OrderCommandConfirm        OrderCommandKind = "confirm"
	OrderCommandPrepare        OrderCommandKind = "prepare"
	OrderCommandShip           OrderCommandKind = "ship"
	OrderCommandDeliver        OrderCommandKind = "deliver"
	OrderCommandComplete       OrderCommandKind = "complete"
	OrderCommandMarkCompleted  OrderCommandKind = "mark_completed"
	OrderCommandMarkFailed     OrderCommandKind = "mark_failed"
	OrderCommandRequestCancel  OrderCommandKind = "request_cancel"
	OrderCommandRejectCancel   OrderCommandKind = "reject_cancel"
	OrderCommandCancel         OrderCommandKind = "cancel"
	OrderCommandRequestReturn  OrderCommandKind = "request_return"
	OrderCommandRecantReturn   OrderCommandKind = "recant_return"
	OrderCommandCompleteReturn OrderCommandKind = "complete_return"
)

// OrderCommand is the single command envelope for order status operations.
type OrderCommand struct {
	Kind            OrderCommandKind
	OrderID         string
	ExpectedVersion *int64
	ActorID         string
	Reason          string
	Tracking        *ShipmentTracking
	Items           []ItemQuantity
	// IdempotentOnTarget makes the command succeed without changes when the order already sits in
	// the command's target status. Relayed commands set it so redelivery is harmless.
	IdempotentOnTarget bool
}

// PlaceCheckoutCommand creates one order per seller from a settled checkout.
type PlaceCheckoutCommand struct {
	CheckoutID   string
	PaymentID    string
	MemberID     string
	Lines        []CheckoutLine
	Shipping     ShippingInfo
	ShippingFees map[string]Money
	PaidAmount   Money
	MileageUsed  Money
	ActorID      string
}

// CheckoutLine is one product line of a checkout.
type CheckoutLine struct {
	ProductID string
	Quantity  int
	UnitPrice Money
	Snapshot  ProductSnapshot
	Raffle    bool
}

// OpenClaimCommand opens a return or exchange claim.
type OpenClaimCommand struct {
	OrderID  string
	MemberID string
	Type     ClaimType
	Items    []ItemQuantity
	Reason   string
}

// ClaimCommandKind enumerates the claim operations accepted by ClaimService.Execute.
type ClaimCommandKind string

const (
	ClaimCommandApprove                  ClaimCommandKind = "approve"
	ClaimCommandReject                   ClaimCommandKind = "reject"
	ClaimCommandWithdraw                 ClaimCommandKind = "withdraw"
	ClaimCommandRegisterShipping         ClaimCommandKind = "register_shipping"
	ClaimCommandSchedulePickup           ClaimCommandKind = "schedule_pickup"
	ClaimCommandConfirmReceived          ClaimCommandKind = "confirm_received"
	ClaimCommandInspect                  ClaimCommandKind = "inspect"
	ClaimCommandComplete                 ClaimCommandKind = "complete"
	ClaimCommandShipExchange             ClaimCommandKind = "ship_exchange"
	ClaimCommandConfirmExchangeDelivered ClaimCommandKind = "confirm_exchange_delivered"
)

// ClaimCommand is the single command envelope for claim operations.
type ClaimCommand struct {
	Kind            ClaimCommandKind
	ClaimID         string
	ExpectedVersion *int64
	ActorID         string
	Reason          string
	Tracking        *ShipmentTracking
	PickupAt        *time.Time
	Inspection      domain.InspectionResult
	Memo            string
}

// RegisterDiscountPolicyCommand creates a new policy for a seller.
type RegisterDiscountPolicyCommand struct {
	ActorID string
	Policy  DiscountPolicy
}

// UpdateDiscountPolicyCommand replaces the mutable fields of an existing policy.
type UpdateDiscountPolicyCommand struct {
	ActorID  string
	PolicyID string
	SellerID string
	Policy   DiscountPolicy
}

// SetDefaultDiscountPolicyCommand marks a policy as the seller's default for its group.
type SetDefaultDiscountPolicyCommand struct {
	ActorID  string
	PolicyID string
	SellerID string
}

// DeleteDiscountPolicyCommand soft-deletes a policy.
type DeleteDiscountPolicyCommand struct {
	ActorID  string
	PolicyID string
	SellerID string
}

// DiscountPolicyListFilter narrows policy listings.
type DiscountPolicyListFilter = repositories.DiscountPolicyListFilter
