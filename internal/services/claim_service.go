package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/textutil"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const claimIDPrefix = "clm_"

var (
	// ErrClaimInvalidInput signals the caller provided invalid data.
	ErrClaimInvalidInput = errors.New("claim: invalid input")
	// ErrClaimNotFound indicates the claim or its order could not be located.
	ErrClaimNotFound = errors.New("claim: not found")
	// ErrClaimInvalidState indicates an invalid claim status transition was attempted.
	ErrClaimInvalidState = errors.New("claim: invalid status transition")
	// ErrClaimRuleViolation indicates a business rule rejected the claim command.
	ErrClaimRuleViolation = errors.New("claim: rule violation")
	// ErrClaimConflict indicates concurrent updates or an already open claim.
	ErrClaimConflict = errors.New("claim: conflict")
)

// orderFollowUpCommands maps the order status a claim requires onto the order command that reaches it.
var orderFollowUpCommands = map[OrderStatus]OrderCommandKind{
	domain.OrderStatusReturnRequest:       OrderCommandRequestReturn,
	domain.OrderStatusReturnCompleted:     OrderCommandCompleteReturn,
	domain.OrderStatusReturnRequestRecant: OrderCommandRecantReturn,
}

// ClaimServiceDeps bundles collaborators for the claim service.
type ClaimServiceDeps struct {
	Claims       repositories.ClaimRepository
	Orders       repositories.OrderRepository
	Dispatcher   OrderCommandDispatcher
	UnitOfWork   repositories.UnitOfWork
	ReturnWindow time.Duration
	Clock        func() time.Time
	IDGenerator  func() string
	Meter        metric.Meter
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type claimService struct {
	claims       repositories.ClaimRepository
	orders       repositories.OrderRepository
	dispatcher   OrderCommandDispatcher
	unitOfWork   repositories.UnitOfWork
	returnWindow time.Duration
	clock        func() time.Time
	newID        func() string
	transitions  transitionRecorder
	logger       func(context.Context, string, map[string]any)
}

// NewClaimService wires dependencies into a ClaimService.
func NewClaimService(deps ClaimServiceDeps) (ClaimService, error) {
	if deps.Claims == nil {
		return nil, errors.New("claim service: claim repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("claim service: order repository is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("claim service: order command dispatcher is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	window := deps.ReturnWindow
	if window <= 0 {
		window = defaultReturnWindow
	}

	return &claimService{
		claims:       deps.Claims,
		orders:       deps.Orders,
		dispatcher:   deps.Dispatcher,
		unitOfWork:   unit,
		returnWindow: window,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		transitions: newTransitionRecorder(deps.Meter, "claims.transitions", "Claim status commands by kind, source and target status"),
		logger:      logger,
	}, nil
}

func (s *claimService) Open(ctx context.Context, cmd OpenClaimCommand) (Claim, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Claim{}, fmt.Errorf("%w: order id is required", ErrClaimInvalidInput)
	}
	memberID := strings.TrimSpace(cmd.MemberID)
	now := s.clock()

	var claim Claim
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if memberID != "" && order.MemberID != memberID {
			return fmt.Errorf("%w: order %s", ErrClaimNotFound, orderID)
		}
		existing, err := s.claims.ListByOrder(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		for _, other := range existing {
			if !other.Status.IsTerminal() {
				return fmt.Errorf("%w: claim %s is still open for order %s", ErrClaimConflict, other.ID, orderID)
			}
		}

		opened, err := domain.OpenClaim(domain.NewClaimParams{
			ID:           claimIDPrefix + s.newID(),
			Order:        order,
			Type:         cmd.Type,
			Items:        cmd.Items,
			Reason:       textutil.SanitizePlainText(cmd.Reason, maxReasonLength),
			ReturnWindow: s.returnWindow,
			Now:          now,
		})
		if err != nil {
			return mapClaimDomainError(err)
		}
		if err := s.claims.Insert(txCtx, opened); err != nil {
			return s.mapRepositoryError(err)
		}
		claim = opened
		return nil
	})
	if err != nil {
		return Claim{}, err
	}

	s.logger(ctx, "claim.opened", map[string]any{
		"claim":  claim.ID,
		"order":  claim.OrderID,
		"member": claim.MemberID,
		"type":   string(claim.Type),
	})
	s.dispatchFollowUp(ctx, claim, memberID)
	return claim, nil
}

func (s *claimService) Get(ctx context.Context, claimID string) (Claim, error) {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return Claim{}, fmt.Errorf("%w: claim id is required", ErrClaimInvalidInput)
	}
	claim, err := s.claims.FindByID(ctx, claimID)
	if err != nil {
		return Claim{}, s.mapRepositoryError(err)
	}
	return claim, nil
}

func (s *claimService) ListByOrder(ctx context.Context, orderID string) ([]Claim, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrClaimInvalidInput)
	}
	claims, err := s.claims.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return claims, nil
}

// Execute applies one claim command. The claim is committed before the order follow-up is
// dispatched, so an order that lags behind is caught up by the idempotent relay.
func (s *claimService) Execute(ctx context.Context, cmd ClaimCommand) (result Claim, err error) {
	claimID := strings.TrimSpace(cmd.ClaimID)
	if claimID == "" {
		return Claim{}, fmt.Errorf("%w: claim id is required", ErrClaimInvalidInput)
	}
	cmd.Reason = textutil.SanitizePlainText(cmd.Reason, maxReasonLength)
	cmd.Memo = textutil.SanitizePlainText(cmd.Memo, maxReasonLength)

	ctx, span := startSpan(ctx, "claims.execute",
		attribute.String("claim.id", claimID),
		attribute.String("claim.command", string(cmd.Kind)),
	)
	var previous ClaimStatus
	defer func() {
		s.transitions.record(ctx, string(cmd.Kind), string(previous), string(result.Status), err)
		endSpan(span, err)
	}()

	now := s.clock()
	var claim Claim
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.claims.FindByID(txCtx, claimID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = current.Status
		if cmd.ExpectedVersion != nil && current.Version != *cmd.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d but was %d", ErrClaimConflict, *cmd.ExpectedVersion, current.Version)
		}
		next, err := applyClaimCommand(cmd, current, now)
		if err != nil {
			return mapClaimDomainError(err)
		}
		next.Version = current.Version + 1
		if err := s.claims.Update(txCtx, next, current.Version); err != nil {
			return s.mapRepositoryError(err)
		}
		claim = next
		return nil
	})
	if err != nil {
		return Claim{}, err
	}

	s.logger(ctx, "claim.status.changed", map[string]any{
		"claim":    claim.ID,
		"order":    claim.OrderID,
		"previous": string(previous),
		"status":   string(claim.Status),
		"actor":    strings.TrimSpace(cmd.ActorID),
	})
	s.dispatchFollowUp(ctx, claim, strings.TrimSpace(cmd.ActorID))
	return claim, nil
}

func applyClaimCommand(cmd ClaimCommand, claim Claim, now time.Time) (Claim, error) {
	switch cmd.Kind {
	case ClaimCommandApprove:
		return claim.Approve(now)
	case ClaimCommandReject:
		return claim.Reject(cmd.Reason, now)
	case ClaimCommandWithdraw:
		return claim.Withdraw(now)
	case ClaimCommandRegisterShipping:
		if cmd.Tracking == nil {
			return claim, fmt.Errorf("%w: tracking is required", ErrClaimInvalidInput)
		}
		return claim.RegisterShipping(cmd.Tracking.Courier, cmd.Tracking.TrackingNumber, now)
	case ClaimCommandSchedulePickup:
		if cmd.PickupAt == nil {
			return claim, fmt.Errorf("%w: pickup time is required", ErrClaimInvalidInput)
		}
		courier := ""
		if cmd.Tracking != nil {
			courier = cmd.Tracking.Courier
		}
		return claim.SchedulePickup(courier, cmd.PickupAt.UTC(), now)
	case ClaimCommandConfirmReceived:
		return claim.ConfirmReceived(now)
	case ClaimCommandInspect:
		return claim.Inspect(cmd.Inspection, cmd.Memo, now)
	case ClaimCommandComplete:
		return claim.Complete(now)
	case ClaimCommandShipExchange:
		if cmd.Tracking == nil {
			return claim, fmt.Errorf("%w: tracking is required", ErrClaimInvalidInput)
		}
		return claim.ShipExchange(*cmd.Tracking, now)
	case ClaimCommandConfirmExchangeDelivered:
		return claim.ConfirmExchangeDelivered(now)
	}
	return claim, fmt.Errorf("%w: unknown command %q", ErrClaimInvalidInput, cmd.Kind)
}

// dispatchFollowUp relays the order change a committed claim requires. Failures are logged and left
// to the relay's redelivery; the claim itself stays committed.
func (s *claimService) dispatchFollowUp(ctx context.Context, claim Claim, actorID string) {
	status, ok := claim.OrderFollowUp()
	if !ok {
		return
	}
	kind, ok := orderFollowUpCommands[status]
	if !ok {
		return
	}
	cmd := OrderCommand{
		Kind:               kind,
		OrderID:            claim.OrderID,
		ActorID:            actorID,
		Reason:             claim.Reason,
		IdempotentOnTarget: true,
	}
	if kind == OrderCommandCompleteReturn {
		cmd.Items = claim.Items
	}
	if err := s.dispatcher.DispatchOrderCommand(ctx, cmd); err != nil {
		s.logger(ctx, "claim.order_dispatch.failed", map[string]any{
			"claim":   claim.ID,
			"order":   claim.OrderID,
			"command": string(kind),
			"error":   err.Error(),
		})
	}
}

func mapClaimDomainError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrNoSuchTransition):
		return fmt.Errorf("%w: %w", ErrClaimInvalidState, err)
	case errors.Is(err, domain.ErrRuleViolation):
		return fmt.Errorf("%w: %w", ErrClaimRuleViolation, err)
	}
	return err
}

func (s *claimService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrClaimNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrClaimConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("claim: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *claimService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}
