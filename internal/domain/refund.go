package domain

import (
	"fmt"
	"time"
)

// RefundSheet is the computed breakdown of one refund against a shared payment. A sheet is booked
// with the order change that caused it and settled with the payment provider afterwards.
type RefundSheet struct {
	ID            string
	OrderID       string
	PaymentID     string
	Reason        string
	RefundAmount  Money
	CashAmount    Money
	MileageAmount Money
	CreatedAt     time.Time
	ProviderRef   string
	SettledAt     *time.Time
}

// Settled reports whether the payment provider confirmed the refund.
func (s RefundSheet) Settled() bool {
	return s.SettledAt != nil
}

// BuildRefundSheet splits amount into cash and mileage for order, using the shared payment ledger of
// its siblings (the slice must contain every order paid by the same payment, order included).
//
// The mileage part is proportional to amount's share of the total paid, rounded half-up. The refund
// that exhausts the payment takes the exact remaining mileage so the ledger always closes at zero.
func BuildRefundSheet(id string, order Order, siblings []Order, amount Money, reason string, now time.Time) (RefundSheet, error) {
	ledger := order.Payment
	remaining := ledger.RemainingCash().Add(ledger.RemainingMileage())
	if amount.GreaterThan(remaining) {
		return RefundSheet{}, fmt.Errorf("%w: refund %s, remaining %s", ErrRefundExceedsPayment, amount, remaining)
	}

	paymentTotal := Zero()
	for _, sibling := range siblings {
		paymentTotal = paymentTotal.Add(sibling.TotalAmount)
	}
	if paymentTotal.IsZero() {
		paymentTotal = order.TotalAmount
	}

	var mileage Money
	if amount.Equal(remaining) {
		mileage = ledger.RemainingMileage()
	} else {
		mileage = ledger.MileageUsed.Proportion(amount, paymentTotal).Min(ledger.RemainingMileage())
	}
	cash := amount.SubFloor(mileage)
	if cash.GreaterThan(ledger.RemainingCash()) {
		cash = ledger.RemainingCash()
		mileage = amount.SubFloor(cash)
	}

	return RefundSheet{
		ID:            id,
		OrderID:       order.ID,
		PaymentID:     order.PaymentID,
		Reason:        reason,
		RefundAmount:  amount,
		CashAmount:    cash,
		MileageAmount: mileage,
		CreatedAt:     now,
	}, nil
}

// ApplyRefund books a refund sheet into the ledger.
func (l PaymentLedger) ApplyRefund(sheet RefundSheet) PaymentLedger {
	l.RefundedCash = l.RefundedCash.Add(sheet.CashAmount)
	l.RefundedMileage = l.RefundedMileage.Add(sheet.MileageAmount)
	return l
}
