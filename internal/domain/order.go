package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// OrderStatus enumerates lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending             OrderStatus = "PENDING"
	OrderStatusConfirmed           OrderStatus = "CONFIRMED"
	OrderStatusPreparing           OrderStatus = "PREPARING"
	OrderStatusShipped             OrderStatus = "SHIPPED"
	OrderStatusDelivered           OrderStatus = "DELIVERED"
	OrderStatusCompleted           OrderStatus = "COMPLETED"
	OrderStatusCancelled           OrderStatus = "CANCELLED"
	OrderStatusFailed              OrderStatus = "FAILED"
	OrderStatusCancelRequest       OrderStatus = "CANCEL_REQUEST"
	OrderStatusReturnRequest       OrderStatus = "RETURN_REQUEST"
	OrderStatusReturnRequestRecant OrderStatus = "RETURN_REQUEST_RECANT"
	OrderStatusReturnCompleted     OrderStatus = "RETURN_COMPLETED"
)

// legacyOrderStatuses maps the older, more granular status names onto the unified set.
var legacyOrderStatuses = map[string]OrderStatus{
	"ORDER_PROCESSING":         OrderStatusPending,
	"ORDER_COMPLETED":          OrderStatusConfirmed,
	"ORDER_FAILED":             OrderStatusFailed,
	"DELIVERY_PENDING":         OrderStatusPreparing,
	"DELIVERY_PROCESSING":      OrderStatusShipped,
	"DELIVERY_COMPLETED":       OrderStatusDelivered,
	"SETTLEMENT_COMPLETED":     OrderStatusCompleted,
	"SALE_CANCELLED":           OrderStatusCancelled,
	"CANCEL_REQUEST_CONFIRMED": OrderStatusCancelled,
	"CANCEL_COMPLETED":         OrderStatusCancelled,
	"RETURN_REQUEST_CONFIRMED": OrderStatusReturnCompleted,
	"RETURN_REQUEST_COMPLETED": OrderStatusReturnCompleted,
	"CANCELED":                 OrderStatusCancelled,
}

var knownOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCancelled,
	OrderStatusFailed,
	OrderStatusCancelRequest,
	OrderStatusReturnRequest,
	OrderStatusReturnRequestRecant,
	OrderStatusReturnCompleted,
}

// ParseOrderStatus normalises a status name, resolving legacy aliases.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if alias, ok := legacyOrderStatuses[name]; ok {
		return alias, true
	}
	status := OrderStatus(name)
	if slices.Contains(knownOrderStatuses, status) {
		return status, true
	}
	return "", false
}

// ProductSnapshot freezes product reference data as it was when the order was placed.
type ProductSnapshot struct {
	ProductID  string
	Name       string
	ImageURL   string
	BrandID    string
	BrandName  string
	CategoryID string
	SellerID   string
	Price      Money
}

// OrderItem is a single line of an order.
type OrderItem struct {
	ID                string
	ProductID         string
	Quantity          int
	CancelledQuantity int
	RefundedQuantity  int
	UnitPrice         Money
	Snapshot          ProductSnapshot
	Raffle            bool
}

// EffectiveQuantity is the ordered quantity that is neither cancelled nor refunded.
func (i OrderItem) EffectiveQuantity() int {
	return i.Quantity - i.CancelledQuantity - i.RefundedQuantity
}

// EffectiveAmount is the refundable amount for the effective quantity.
func (i OrderItem) EffectiveAmount() Money {
	return i.UnitPrice.MulQty(i.EffectiveQuantity())
}

// Amount is the gross amount of the line at order time.
func (i OrderItem) Amount() Money {
	return i.UnitPrice.MulQty(i.Quantity)
}

// Cancel returns a copy with qty more units cancelled.
func (i OrderItem) Cancel(qty int) (OrderItem, error) {
	if qty <= 0 || qty > i.EffectiveQuantity() {
		return i, fmt.Errorf("%w: cancel %d of item %s (available %d)", ErrQuantityExceeded, qty, i.ID, i.EffectiveQuantity())
	}
	i.CancelledQuantity += qty
	return i, nil
}

// Refund returns a copy with qty more units refunded.
func (i OrderItem) Refund(qty int) (OrderItem, error) {
	if qty <= 0 || qty > i.EffectiveQuantity() {
		return i, fmt.Errorf("%w: refund %d of item %s (available %d)", ErrQuantityExceeded, qty, i.ID, i.EffectiveQuantity())
	}
	i.RefundedQuantity += qty
	return i, nil
}

// ItemQuantity addresses a quantity of a specific order item.
type ItemQuantity struct {
	ItemID   string
	Quantity int
}

// ShippingInfo holds the delivery destination and, once shipped, the tracking details.
type ShippingInfo struct {
	ReceiverName   string
	Phone          string
	ZipCode        string
	AddressLine1   string
	AddressLine2   string
	Memo           string
	Courier        string
	TrackingNumber string
}

// ShipmentTracking carries courier details recorded when an order ships.
type ShipmentTracking struct {
	Courier        string
	TrackingNumber string
}

// PaymentLedger tracks the payment shared by sibling orders. Every sibling carries the same ledger.
type PaymentLedger struct {
	PaymentID       string
	PaidAmount      Money
	MileageUsed     Money
	RefundedCash    Money
	RefundedMileage Money
}

// RemainingCash is the cash portion not yet refunded.
func (l PaymentLedger) RemainingCash() Money {
	cash := l.PaidAmount.SubFloor(l.MileageUsed)
	return cash.SubFloor(l.RefundedCash)
}

// RemainingMileage is the mileage portion not yet refunded.
func (l PaymentLedger) RemainingMileage() Money {
	return l.MileageUsed.SubFloor(l.RefundedMileage)
}

// Order is the aggregate root for a single seller order.
type Order struct {
	ID               string
	OrderNumber      string
	CheckoutID       string
	PaymentID        string
	MemberID         string
	SellerID         string
	Status           OrderStatus
	Items            []OrderItem
	Shipping         ShippingInfo
	ShippingFee      Money
	Discounts        []OrderDiscount
	TotalItemAmount  Money
	DiscountAmount   Money
	TotalAmount      Money
	Payment          PaymentLedger
	Refunds          []RefundSheet
	SnapshotRecorded bool
	CancelReason     string
	ReturnReason     string
	Version          int64

	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConfirmedAt       *time.Time
	PreparingAt       *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	FailedAt          *time.Time
	CancelRequestedAt *time.Time
	ReturnRequestedAt *time.Time
	ReturnRecantedAt  *time.Time
	ReturnCompletedAt *time.Time
}

// NewOrderParams carries checkout data used to create an order.
type NewOrderParams struct {
	ID          string
	OrderNumber string
	CheckoutID  string
	PaymentID   string
	MemberID    string
	SellerID    string
	Items       []OrderItem
	Shipping    ShippingInfo
	ShippingFee Money
	Discounts   []OrderDiscount
	Payment     PaymentLedger
	Now         time.Time
}

// ForNew creates a PENDING order from checkout data. Discounts are recorded as granted and
// their sum is capped at the item total.
func ForNew(p NewOrderParams) (Order, error) {
	if strings.TrimSpace(p.ID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidOrder)
	}
	if strings.TrimSpace(p.SellerID) == "" {
		return Order{}, fmt.Errorf("%w: seller id is required", ErrInvalidOrder)
	}
	if len(p.Items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}

	items := make([]OrderItem, len(p.Items))
	itemTotal := Zero()
	for idx, item := range p.Items {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: item %d requires id and product id", ErrInvalidOrder, idx)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: item %s quantity must be positive", ErrInvalidOrder, item.ID)
		}
		item.CancelledQuantity = 0
		item.RefundedQuantity = 0
		items[idx] = item
		itemTotal = itemTotal.Add(item.Amount())
	}

	discounts := slices.Clone(p.Discounts)
	discountTotal := Zero()
	for _, d := range discounts {
		discountTotal = discountTotal.Add(d.Amount)
	}
	if discountTotal.GreaterThan(itemTotal) {
		return Order{}, fmt.Errorf("%w: discount %s exceeds item total %s", ErrInvalidOrder, discountTotal, itemTotal)
	}

	now := p.Now.UTC()
	order := Order{
		ID:              p.ID,
		OrderNumber:     p.OrderNumber,
		CheckoutID:      p.CheckoutID,
		PaymentID:       p.PaymentID,
		MemberID:        p.MemberID,
		SellerID:        p.SellerID,
		Status:          OrderStatusPending,
		Items:           items,
		Shipping:        p.Shipping,
		ShippingFee:     p.ShippingFee,
		Discounts:       discounts,
		TotalItemAmount: itemTotal,
		DiscountAmount:  discountTotal,
		TotalAmount:     itemTotal.SubFloor(discountTotal).Add(p.ShippingFee),
		Payment:         p.Payment,
		Version:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.Payment.PaymentID == "" {
		order.Payment.PaymentID = p.PaymentID
	}
	return order, nil
}

// Clone returns a deep copy so that transitions never share slices with their source.
func (o Order) Clone() Order {
	o.Items = slices.Clone(o.Items)
	o.Discounts = slices.Clone(o.Discounts)
	o.Refunds = slices.Clone(o.Refunds)
	o.ConfirmedAt = cloneTime(o.ConfirmedAt)
	o.PreparingAt = cloneTime(o.PreparingAt)
	o.ShippedAt = cloneTime(o.ShippedAt)
	o.DeliveredAt = cloneTime(o.DeliveredAt)
	o.CompletedAt = cloneTime(o.CompletedAt)
	o.CancelledAt = cloneTime(o.CancelledAt)
	o.FailedAt = cloneTime(o.FailedAt)
	o.CancelRequestedAt = cloneTime(o.CancelRequestedAt)
	o.ReturnRequestedAt = cloneTime(o.ReturnRequestedAt)
	o.ReturnRecantedAt = cloneTime(o.ReturnRecantedAt)
	o.ReturnCompletedAt = cloneTime(o.ReturnCompletedAt)
	return o
}

// CheckInvariants verifies quantity bookkeeping and the totals identity.
func (o Order) CheckInvariants() error {
	itemTotal := Zero()
	for _, item := range o.Items {
		if item.CancelledQuantity < 0 || item.RefundedQuantity < 0 || item.CancelledQuantity+item.RefundedQuantity > item.Quantity {
			return fmt.Errorf("%w: item %s quantities out of range", ErrInvalidOrder, item.ID)
		}
		itemTotal = itemTotal.Add(item.Amount())
	}
	if !itemTotal.Equal(o.TotalItemAmount) {
		return fmt.Errorf("%w: item total %s does not match %s", ErrInvalidOrder, o.TotalItemAmount, itemTotal)
	}
	if o.DiscountAmount.GreaterThan(o.TotalItemAmount) {
		return fmt.Errorf("%w: discount exceeds item total", ErrInvalidOrder)
	}
	expected := o.TotalItemAmount.SubFloor(o.DiscountAmount).Add(o.ShippingFee)
	if !expected.Equal(o.TotalAmount) {
		return fmt.Errorf("%w: total %s does not match %s", ErrInvalidOrder, o.TotalAmount, expected)
	}
	return nil
}

// HasRaffleItem reports whether any line was allocated through a raffle.
func (o Order) HasRaffleItem() bool {
	return slices.ContainsFunc(o.Items, func(item OrderItem) bool { return item.Raffle })
}

// RefundedAmount sums the refunds already issued for this order.
func (o Order) RefundedAmount() Money {
	total := Zero()
	for _, r := range o.Refunds {
		total = total.Add(r.RefundAmount)
	}
	return total
}

// PendingRefunds lists the booked refunds the payment provider has not confirmed yet.
func (o Order) PendingRefunds() []RefundSheet {
	return slices.DeleteFunc(slices.Clone(o.Refunds), RefundSheet.Settled)
}

// SettleRefund records the provider confirmation of refund id. It reports false when the refund is
// unknown or already settled.
func (o Order) SettleRefund(id, providerRef string, now time.Time) (Order, bool) {
	idx := slices.IndexFunc(o.Refunds, func(r RefundSheet) bool { return r.ID == id })
	if idx < 0 || o.Refunds[idx].Settled() {
		return o, false
	}
	next := o.Clone()
	settledAt := now
	next.Refunds[idx].ProviderRef = providerRef
	next.Refunds[idx].SettledAt = &settledAt
	next.UpdatedAt = now
	return next, true
}

// ReturnWindowOpen reports whether a return may still be requested at now.
func (o Order) ReturnWindowOpen(now time.Time, window time.Duration) bool {
	if o.DeliveredAt == nil {
		return false
	}
	return !now.After(o.DeliveredAt.Add(window))
}

// Confirm moves a PENDING order to CONFIRMED.
func (o Order) Confirm(now time.Time) (Order, error) {
	return o.transition(OrderStatusConfirmed, now)
}

// MarkCompleted records a settled payment: PENDING → CONFIRMED. Snapshot capture is handled by the caller
// and flagged on the returned order.
func (o Order) MarkCompleted(now time.Time) (Order, error) {
	next, err := o.transition(OrderStatusConfirmed, now)
	if err != nil {
		return o, err
	}
	next.SnapshotRecorded = true
	return next, nil
}

// MarkFailed moves a PENDING order to FAILED after payment failure.
func (o Order) MarkFailed(now time.Time) (Order, error) {
	return o.transition(OrderStatusFailed, now)
}

// Prepare moves an order into PREPARING.
func (o Order) Prepare(now time.Time) (Order, error) {
	return o.transition(OrderStatusPreparing, now)
}

// RejectCancelRequest returns a CANCEL_REQUEST order to PREPARING.
func (o Order) RejectCancelRequest(now time.Time) (Order, error) {
	if o.Status != OrderStatusCancelRequest {
		return o, &TransitionError{Aggregate: "order", From: string(o.Status), To: string(OrderStatusPreparing)}
	}
	return o.transition(OrderStatusPreparing, now)
}

// Ship records tracking information and moves the order to SHIPPED.
func (o Order) Ship(tracking ShipmentTracking, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, OrderStatusShipped); err != nil {
		return o, err
	}
	if strings.TrimSpace(tracking.TrackingNumber) == "" {
		return o, fmt.Errorf("%w: tracking number is required", ErrInvalidOrder)
	}
	next, err := o.transition(OrderStatusShipped, now)
	if err != nil {
		return o, err
	}
	next.Shipping.Courier = strings.TrimSpace(tracking.Courier)
	next.Shipping.TrackingNumber = strings.TrimSpace(tracking.TrackingNumber)
	return next, nil
}

// Deliver moves a SHIPPED order to DELIVERED.
func (o Order) Deliver(now time.Time) (Order, error) {
	return o.transition(OrderStatusDelivered, now)
}

// Complete marks a delivered order as purchase-confirmed.
func (o Order) Complete(now time.Time) (Order, error) {
	return o.transition(OrderStatusCompleted, now)
}

// RequestCancel records a customer cancel request on an order that is not yet shipped.
func (o Order) RequestCancel(reason string, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, OrderStatusCancelRequest); err != nil {
		return o, err
	}
	if o.HasRaffleItem() {
		return o, ErrRaffleItemNotCancellable
	}
	next, err := o.transition(OrderStatusCancelRequest, now)
	if err != nil {
		return o, err
	}
	next.CancelReason = reason
	return next, nil
}

// Cancel cancels every effective quantity and attaches the refund sheet computed by the caller.
func (o Order) Cancel(reason string, refund RefundSheet, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, OrderStatusCancelled); err != nil {
		return o, err
	}
	if o.HasRaffleItem() {
		return o, ErrRaffleItemNotCancellable
	}
	next, err := o.transition(OrderStatusCancelled, now)
	if err != nil {
		return o, err
	}
	for idx, item := range next.Items {
		if qty := item.EffectiveQuantity(); qty > 0 {
			cancelled, err := item.Cancel(qty)
			if err != nil {
				return o, err
			}
			next.Items[idx] = cancelled
		}
	}
	if strings.TrimSpace(reason) != "" {
		next.CancelReason = reason
	}
	if !refund.RefundAmount.IsZero() {
		next.Refunds = append(next.Refunds, refund)
	}
	return next, nil
}

// RequestReturn opens a return on a delivered order within the return window.
func (o Order) RequestReturn(reason string, window time.Duration, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, OrderStatusReturnRequest); err != nil {
		return o, err
	}
	if !o.ReturnWindowOpen(now, window) {
		return o, ErrReturnWindowExpired
	}
	next, err := o.transition(OrderStatusReturnRequest, now)
	if err != nil {
		return o, err
	}
	next.ReturnReason = reason
	return next, nil
}

// RecantReturn withdraws a pending return request.
func (o Order) RecantReturn(now time.Time) (Order, error) {
	return o.transition(OrderStatusReturnRequestRecant, now)
}

// CompleteReturn refunds the given item quantities and attaches the refund sheet.
func (o Order) CompleteReturn(items []ItemQuantity, refund RefundSheet, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, OrderStatusReturnCompleted); err != nil {
		return o, err
	}
	next, err := o.transition(OrderStatusReturnCompleted, now)
	if err != nil {
		return o, err
	}
	if next.Items, err = applyItemRefunds(next.Items, items); err != nil {
		return o, err
	}
	if !refund.RefundAmount.IsZero() {
		next.Refunds = append(next.Refunds, refund)
	}
	return next, nil
}

// ResolveItemQuantities defaults an empty selection to every effective quantity and validates explicit ones.
func (o Order) ResolveItemQuantities(items []ItemQuantity) ([]ItemQuantity, error) {
	if len(items) == 0 {
		all := make([]ItemQuantity, 0, len(o.Items))
		for _, item := range o.Items {
			if qty := item.EffectiveQuantity(); qty > 0 {
				all = append(all, ItemQuantity{ItemID: item.ID, Quantity: qty})
			}
		}
		return all, nil
	}
	if _, err := applyItemRefunds(slices.Clone(o.Items), items); err != nil {
		return nil, err
	}
	return slices.Clone(items), nil
}

// ItemsAmount sums unit price times quantity for the selection.
func (o Order) ItemsAmount(items []ItemQuantity) Money {
	total := Zero()
	for _, sel := range items {
		if item, ok := o.item(sel.ItemID); ok {
			total = total.Add(item.UnitPrice.MulQty(sel.Quantity))
		}
	}
	return total
}

// RefundableAmount is the value of the selected items net of their proportional share of the
// order discount, rounded half-up.
func (o Order) RefundableAmount(items []ItemQuantity) Money {
	gross := o.ItemsAmount(items)
	share := o.DiscountAmount.Proportion(gross, o.TotalItemAmount)
	return gross.SubFloor(share)
}

func (o Order) item(id string) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

func (o Order) transition(target OrderStatus, now time.Time) (Order, error) {
	if err := ValidateOrderTransition(o.Status, target); err != nil {
		return o, err
	}
	next := o.Clone()
	next.Status = target
	next.UpdatedAt = now
	next.stamp(target, now)
	return next, nil
}

func (o *Order) stamp(status OrderStatus, now time.Time) {
	at := now
	switch status {
	case OrderStatusConfirmed:
		o.ConfirmedAt = &at
	case OrderStatusPreparing:
		o.PreparingAt = &at
	case OrderStatusShipped:
		o.ShippedAt = &at
	case OrderStatusDelivered:
		o.DeliveredAt = &at
	case OrderStatusCompleted:
		o.CompletedAt = &at
	case OrderStatusCancelled:
		o.CancelledAt = &at
	case OrderStatusFailed:
		o.FailedAt = &at
	case OrderStatusCancelRequest:
		o.CancelRequestedAt = &at
	case OrderStatusReturnRequest:
		o.ReturnRequestedAt = &at
	case OrderStatusReturnRequestRecant:
		o.ReturnRecantedAt = &at
	case OrderStatusReturnCompleted:
		o.ReturnCompletedAt = &at
	}
}

func applyItemRefunds(items []OrderItem, selection []ItemQuantity) ([]OrderItem, error) {
	for _, sel := range selection {
		idx := slices.IndexFunc(items, func(item OrderItem) bool { return item.ID == sel.ItemID })
		if idx < 0 {
			return nil, fmt.Errorf("%w: item %s not in order", ErrInvalidOrder, sel.ItemID)
		}
		refunded, err := items[idx].Refund(sel.Quantity)
		if err != nil {
			return nil, err
		}
		items[idx] = refunded
	}
	return items, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
