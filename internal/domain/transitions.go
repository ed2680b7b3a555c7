package domain

import (
	"fmt"
	"slices"
)

// transitionTable maps a target status to the statuses it may be entered from.
// The table only decides legality; callers perform the mutation.
type transitionTable[S ~string] struct {
	aggregate string
	rules     map[S][]S
}

func (t transitionTable[S]) validate(from, to S) error {
	sources, ok := t.rules[to]
	if !ok {
		return fmt.Errorf("%w: %s target %s", ErrNoSuchTransition, t.aggregate, to)
	}
	if !slices.Contains(sources, from) {
		return &TransitionError{Aggregate: t.aggregate, From: string(from), To: string(to)}
	}
	return nil
}

func (t transitionTable[S]) sources(to S) []S {
	return slices.Clone(t.rules[to])
}

var orderTransitions = transitionTable[OrderStatus]{
	aggregate: "order",
	rules: map[OrderStatus][]OrderStatus{
		OrderStatusConfirmed:           {OrderStatusPending},
		OrderStatusPreparing:           {OrderStatusConfirmed, OrderStatusCancelRequest},
		OrderStatusShipped:             {OrderStatusPreparing},
		OrderStatusDelivered:           {OrderStatusShipped},
		OrderStatusCompleted:           {OrderStatusDelivered, OrderStatusReturnRequestRecant},
		OrderStatusFailed:              {OrderStatusPending},
		OrderStatusCancelRequest:       {OrderStatusConfirmed, OrderStatusPreparing},
		OrderStatusCancelled:           {OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing, OrderStatusCancelRequest},
		OrderStatusReturnRequest:       {OrderStatusDelivered},
		OrderStatusReturnRequestRecant: {OrderStatusReturnRequest},
		OrderStatusReturnCompleted:     {OrderStatusReturnRequest},
	},
}

var claimTransitions = transitionTable[ClaimStatus]{
	aggregate: "claim",
	rules: map[ClaimStatus][]ClaimStatus{
		ClaimStatusApproved:           {ClaimStatusRequested},
		ClaimStatusShippingRegistered: {ClaimStatusApproved},
		ClaimStatusPickupScheduled:    {ClaimStatusApproved},
		ClaimStatusReceived:           {ClaimStatusShippingRegistered, ClaimStatusPickupScheduled},
		ClaimStatusInspected:          {ClaimStatusReceived},
		ClaimStatusExchangeShipped:    {ClaimStatusInspected},
		ClaimStatusCompleted:          {ClaimStatusInspected, ClaimStatusExchangeShipped},
		ClaimStatusRejected:           {ClaimStatusRequested, ClaimStatusApproved, ClaimStatusInspected},
		ClaimStatusWithdrawn:          {ClaimStatusRequested, ClaimStatusApproved},
	},
}

// ValidateOrderTransition checks whether an order may move from one status to another.
func ValidateOrderTransition(from, to OrderStatus) error {
	return orderTransitions.validate(from, to)
}

// OrderTransitionSources lists the legal source statuses for a target status.
func OrderTransitionSources(to OrderStatus) []OrderStatus {
	return orderTransitions.sources(to)
}

// ValidateClaimTransition checks whether a claim may move from one status to another.
func ValidateClaimTransition(from, to ClaimStatus) error {
	return claimTransitions.validate(from, to)
}
