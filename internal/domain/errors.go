package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchTransition indicates no rule is registered for the requested target status.
	ErrNoSuchTransition = errors.New("domain: no such transition defined")
	// ErrIllegalTransition indicates the current status is not a legal source for the target.
	ErrIllegalTransition = errors.New("domain: illegal transition")
	// ErrRuleViolation groups business rule failures raised before any mutation is applied.
	ErrRuleViolation = errors.New("domain: rule violation")

	ErrReturnWindowExpired      = fmt.Errorf("%w: return window expired", ErrRuleViolation)
	ErrRaffleItemNotCancellable = fmt.Errorf("%w: raffle item cannot be cancelled", ErrRuleViolation)
	ErrQuantityExceeded         = fmt.Errorf("%w: quantity exceeds available quantity", ErrRuleViolation)
	ErrInvalidOrder             = fmt.Errorf("%w: invalid order", ErrRuleViolation)
	ErrInvalidDiscountPolicy    = fmt.Errorf("%w: invalid discount policy", ErrRuleViolation)
	ErrInvalidClaim             = fmt.Errorf("%w: invalid claim", ErrRuleViolation)
	ErrInspectionRequired       = fmt.Errorf("%w: inspection result does not allow this step", ErrRuleViolation)
	ErrClaimTypeMismatch        = fmt.Errorf("%w: operation not supported for claim type", ErrRuleViolation)
	ErrRefundExceedsPayment     = fmt.Errorf("%w: refund exceeds remaining payment", ErrRuleViolation)
)

// TransitionError reports an illegal status change with both ends of the attempted edge.
type TransitionError struct {
	Aggregate string
	From      string
	To        string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Aggregate, e.From, e.To)
}

// Is makes TransitionError match ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
