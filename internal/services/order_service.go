package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/textutil"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventRefunded      = "order.refunded"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oit_"
	refundIDPrefix    = "rfd_"

	orderNumberCounter  = "orders"
	orderNumberLimit    = 999_999
	defaultReturnWindow = 7 * 24 * time.Hour
	maxReasonLength     = 500
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderRuleViolation indicates a business rule rejected the command before any change.
	ErrOrderRuleViolation = errors.New("order: rule violation")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderRefundFailed indicates the payment provider rejected a refund. The order change is
	// committed and the refund stays pending until the command is repeated with IdempotentOnTarget.
	ErrOrderRefundFailed = errors.New("order: refund failed")
)

// refundNamespace seeds name-based refund identifiers. The id of a committed sheet is the provider
// idempotency key, so every settlement attempt for it reuses one key.
var refundNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("setof-commerce/refunds"))

// orderCommandTargets lists the status each command moves an order into.
var orderCommandTargets = map[OrderCommandKind]OrderStatus{
	OrderCommandConfirm:        domain.OrderStatusConfirmed,
	OrderCommandPrepare:        domain.OrderStatusPreparing,
	OrderCommandShip:           domain.OrderStatusShipped,
	OrderCommandDeliver:        domain.OrderStatusDelivered,
	OrderCommandComplete:       domain.OrderStatusCompleted,
	OrderCommandMarkCompleted:  domain.OrderStatusConfirmed,
	OrderCommandMarkFailed:     domain.OrderStatusFailed,
	OrderCommandRequestCancel:  domain.OrderStatusCancelRequest,
	OrderCommandRejectCancel:   domain.OrderStatusPreparing,
	OrderCommandCancel:         domain.OrderStatusCancelled,
	OrderCommandRequestReturn:  domain.OrderStatusReturnRequest,
	OrderCommandRecantReturn:   domain.OrderStatusReturnRequestRecant,
	OrderCommandCompleteReturn: domain.OrderStatusReturnCompleted,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Snapshots    repositories.OrderSnapshotRepository
	Usage        repositories.DiscountUsageRepository
	Inventory    repositories.InventoryRepository
	Counters     repositories.CounterRepository
	Policies     DiscountPolicyService
	Discounts    *DiscountEngine
	Refunds      RefundGateway
	UnitOfWork   repositories.UnitOfWork
	ReturnWindow time.Duration
	Clock        func() time.Time
	IDGenerator  func() string
	Events       OrderEventPublisher
	Meter        metric.Meter
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders       repositories.OrderRepository
	snapshots    repositories.OrderSnapshotRepository
	usage        repositories.DiscountUsageRepository
	inventory    repositories.InventoryRepository
	counters     repositories.CounterRepository
	policies     DiscountPolicyService
	discounts    *DiscountEngine
	refunds      RefundGateway
	unitOfWork   repositories.UnitOfWork
	returnWindow time.Duration
	clock        func() time.Time
	newID        func() string
	events       OrderEventPublisher
	transitions  transitionRecorder
	logger       func(context.Context, string, map[string]any)
	handlers     map[OrderCommandKind]orderCommandHandler
}

type orderCommandHandler func(ctx context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error)

type orderOutcome struct {
	order Order
	noop  bool
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("order service: snapshot repository is required")
	}
	if deps.Usage == nil {
		return nil, errors.New("order service: discount usage repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("order service: refund gateway is required")
	}
	if (deps.Policies == nil) != (deps.Discounts == nil) {
		return nil, errors.New("order service: discount policies and discount engine must be provided together")
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

	svc := &orderService{
		orders:       deps.Orders,
		snapshots:    deps.Snapshots,
		usage:        deps.Usage,
		inventory:    deps.Inventory,
		counters:     deps.Counters,
		policies:     deps.Policies,
		discounts:    deps.Discounts,
		refunds:      deps.Refunds,
		unitOfWork:   unit,
		returnWindow: window,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		events:      deps.Events,
		transitions: newTransitionRecorder(deps.Meter, "orders.transitions", "Order status commands by kind, source and target status"),
		logger:      logger,
	}
	svc.handlers = map[OrderCommandKind]orderCommandHandler{
		OrderCommandConfirm:        svc.confirm,
		OrderCommandPrepare:        svc.prepare,
		OrderCommandShip:           svc.ship,
		OrderCommandDeliver:        svc.deliver,
		OrderCommandComplete:       svc.complete,
		OrderCommandMarkCompleted:  svc.markCompleted,
		OrderCommandMarkFailed:     svc.markFailed,
		OrderCommandRequestCancel:  svc.requestCancel,
		OrderCommandRejectCancel:   svc.rejectCancel,
		OrderCommandCancel:         svc.cancel,
		OrderCommandRequestReturn:  svc.requestReturn,
		OrderCommandRecantReturn:   svc.recantReturn,
		OrderCommandCompleteReturn: svc.completeReturn,
	}
	return svc, nil
}

func (s *orderService) PlaceCheckout(ctx context.Context, cmd PlaceCheckoutCommand) ([]Order, error) {
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return nil, fmt.Errorf("%w: checkout must contain at least one line", ErrOrderInvalidInput)
	}
	memberID := strings.TrimSpace(cmd.MemberID)

	groups := make(map[string][]CheckoutLine)
	for idx, line := range cmd.Lines {
		sellerID := strings.TrimSpace(line.Snapshot.SellerID)
		if sellerID == "" {
			return nil, fmt.Errorf("%w: line %d requires a seller", ErrOrderInvalidInput, idx)
		}
		if strings.TrimSpace(line.ProductID) == "" || line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d requires a product and a positive quantity", ErrOrderInvalidInput, idx)
		}
		groups[sellerID] = append(groups[sellerID], line)
	}
	sellers := slices.Sorted(maps.Keys(groups))

	ctx, span := startSpan(ctx, "orders.place_checkout",
		attribute.String("payment.id", paymentID),
		attribute.Int("order.count", len(sellers)),
	)
	orders, err := s.placeCheckout(ctx, cmd, paymentID, memberID, sellers, groups)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	for _, order := range orders {
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventCreated,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			PaymentID:     order.PaymentID,
			SellerID:      order.SellerID,
			CurrentStatus: string(order.Status),
			ActorID:       strings.TrimSpace(cmd.ActorID),
			OccurredAt:    order.CreatedAt,
			Metadata: map[string]any{
				"checkoutId":  order.CheckoutID,
				"totalAmount": order.TotalAmount.String(),
			},
		})
	}
	return orders, nil
}

func (s *orderService) placeCheckout(ctx context.Context, cmd PlaceCheckoutCommand, paymentID, memberID string, sellers []string, groups map[string][]CheckoutLine) ([]Order, error) {
	now := s.now()
	orders := make([]Order, 0, len(sellers))
	total := domain.Zero()
	for _, sellerID := range sellers {
		lines := groups[sellerID]
		items := make([]OrderItem, 0, len(lines))
		snapshots := make([]ProductSnapshot, 0, len(lines))
		itemTotal := domain.Zero()
		for _, line := range lines {
			snapshot := line.Snapshot
			snapshot.ProductID = strings.TrimSpace(line.ProductID)
			snapshot.SellerID = sellerID
			if snapshot.Price.IsZero() {
				snapshot.Price = line.UnitPrice
			}
			items = append(items, OrderItem{
				ID:        orderItemIDPrefix + s.newID(),
				ProductID: snapshot.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				Snapshot:  snapshot,
				Raffle:    line.Raffle,
			})
			snapshots = append(snapshots, snapshot)
			itemTotal = itemTotal.Add(line.UnitPrice.MulQty(line.Quantity))
		}

		discounts, err := s.applyDiscounts(ctx, DiscountContext{
			SellerID:    sellerID,
			MemberID:    memberID,
			Items:       snapshots,
			OrderAmount: itemTotal,
			Now:         now,
		})
		if err != nil {
			return nil, err
		}

		order, err := domain.ForNew(domain.NewOrderParams{
			ID:          orderIDPrefix + s.newID(),
			CheckoutID:  strings.TrimSpace(cmd.CheckoutID),
			PaymentID:   paymentID,
			MemberID:    memberID,
			SellerID:    sellerID,
			Items:       items,
			Shipping:    cmd.Shipping,
			ShippingFee: cmd.ShippingFees[sellerID],
			Discounts:   discounts,
			Now:         now,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
		}
		orders = append(orders, order)
		total = total.Add(order.TotalAmount)
	}

	paid := cmd.PaidAmount
	if paid.IsZero() {
		paid = total
	}
	if !paid.Equal(total) {
		return nil, fmt.Errorf("%w: paid amount %s does not match order total %s", ErrOrderInvalidInput, paid, total)
	}
	if cmd.MileageUsed.GreaterThan(paid) {
		return nil, fmt.Errorf("%w: mileage %s exceeds paid amount %s", ErrOrderInvalidInput, cmd.MileageUsed, paid)
	}
	ledger := domain.PaymentLedger{PaymentID: paymentID, PaidAmount: paid, MileageUsed: cmd.MileageUsed}
	for i := range orders {
		orders[i].Payment = ledger
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		existing, err := s.orders.FindByPaymentID(txCtx, paymentID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: payment %s already has orders", ErrOrderConflict, paymentID)
		}
		last, err := s.counters.Reserve(txCtx, orderNumberSequence(now), int64(len(orders)))
		if err != nil {
			return fmt.Errorf("order: allocate order numbers: %w", s.mapRepositoryError(err))
		}
		first := last - int64(len(orders)) + 1
		for i := range orders {
			orders[i].OrderNumber = formatOrderNumber(now, first+int64(i))
			if err := s.orders.Insert(txCtx, orders[i]); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *orderService) applyDiscounts(ctx context.Context, dctx DiscountContext) ([]OrderDiscount, error) {
	if s.policies == nil || s.discounts == nil {
		return nil, nil
	}
	policies, err := s.policies.FindApplicablePolicies(ctx, dctx.SellerID)
	if err != nil {
		return nil, err
	}
	result, err := s.discounts.Apply(ctx, dctx, policies)
	if err != nil {
		return nil, err
	}
	return result.Discounts, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListByPayment(ctx context.Context, paymentID string) ([]Order, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

// Execute applies one status command inside a unit of work. The order is reloaded in the unit, so a
// concurrent command that already moved it surfaces as ErrOrderInvalidState or ErrOrderConflict.
// Refunds booked by the command are sent to the payment provider only after the unit commits.
func (s *orderService) Execute(ctx context.Context, cmd OrderCommand) (result Order, err error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	handler, ok := s.handlers[cmd.Kind]
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown command %q", ErrOrderInvalidInput, cmd.Kind)
	}
	target := orderCommandTargets[cmd.Kind]
	cmd.Reason = textutil.SanitizePlainText(cmd.Reason, maxReasonLength)

	ctx, span := startSpan(ctx, "orders.execute",
		attribute.String("order.id", orderID),
		attribute.String("order.command", string(cmd.Kind)),
	)
	var previous OrderStatus
	defer func() {
		s.transitions.record(ctx, string(cmd.Kind), string(previous), string(result.Status), err)
		span.SetAttributes(attribute.String("order.status", string(result.Status)))
		endSpan(span, err)
	}()

	now := s.now()
	var outcome orderOutcome
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		if cmd.ExpectedVersion != nil && order.Version != *cmd.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d but was %d", ErrOrderConflict, *cmd.ExpectedVersion, order.Version)
		}
		if cmd.IdempotentOnTarget && order.Status == target {
			outcome = orderOutcome{order: order, noop: true}
			return nil
		}

		out, err := handler(txCtx, cmd, order, now)
		if err != nil {
			return mapDomainError(err)
		}
		if out.noop {
			outcome = out
			return nil
		}
		if err := out.order.CheckInvariants(); err != nil {
			return mapDomainError(err)
		}
		out.order.Version = order.Version + 1
		if err := s.orders.Update(txCtx, out.order, order.Version); err != nil {
			return s.mapRepositoryError(err)
		}
		outcome = out
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if outcome.noop {
		return s.settleRefunds(ctx, outcome.order, cmd.ActorID)
	}

	order := outcome.order
	metadata := map[string]any{"command": string(cmd.Kind)}
	if cmd.Reason != "" {
		metadata["reason"] = cmd.Reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PaymentID:      order.PaymentID,
		SellerID:       order.SellerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     now,
		Metadata:       metadata,
	})
	return s.settleRefunds(ctx, order, cmd.ActorID)
}

func (s *orderService) confirm(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.Confirm(now)
	return orderOutcome{order: next}, err
}

func (s *orderService) prepare(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.Prepare(now)
	return orderOutcome{order: next}, err
}

func (s *orderService) ship(_ context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	if cmd.Tracking == nil {
		return orderOutcome{}, fmt.Errorf("%w: tracking is required to ship", ErrOrderInvalidInput)
	}
	next, err := order.Ship(*cmd.Tracking, now)
	return orderOutcome{order: next}, err
}

func (s *orderService) deliver(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.Deliver(now)
	return orderOutcome{order: next}, err
}

func (s *orderService) complete(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.Complete(now)
	return orderOutcome{order: next}, err
}

// markCompleted records payment settlement. The product snapshot and discount usage are written in
// the same unit of work as the status change, and a repeated call after that is a no-op.
func (s *orderService) markCompleted(ctx context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	if order.SnapshotRecorded && order.Status != domain.OrderStatusPending {
		return orderOutcome{order: order, noop: true}, nil
	}
	next, err := order.MarkCompleted(now)
	if err != nil {
		return orderOutcome{}, err
	}

	products := make([]ProductSnapshot, 0, len(order.Items))
	for _, item := range order.Items {
		products = append(products, item.Snapshot)
	}
	if err := s.snapshots.Save(ctx, repositories.OrderSnapshot{
		OrderID:   order.ID,
		MemberID:  order.MemberID,
		SellerID:  order.SellerID,
		Products:  products,
		Discounts: slices.Clone(order.Discounts),
		Totals: repositories.OrderSnapshotTotals{
			Items:    order.TotalItemAmount,
			Discount: order.DiscountAmount,
			Shipping: order.ShippingFee,
			Total:    order.TotalAmount,
		},
		RecordedAt: now,
	}); err != nil {
		return orderOutcome{}, s.mapRepositoryError(err)
	}
	for _, discount := range order.Discounts {
		if err := s.usage.Record(ctx, repositories.DiscountUsage{
			PolicyID: discount.PolicyID,
			OrderID:  order.ID,
			MemberID: order.MemberID,
			Amount:   discount.Amount,
			UsedAt:   now,
		}); err != nil {
			return orderOutcome{}, s.mapRepositoryError(err)
		}
	}
	return orderOutcome{order: next}, nil
}

func (s *orderService) markFailed(ctx context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.MarkFailed(now)
	if err != nil {
		return orderOutcome{}, err
	}
	if err := s.rollbackStock(ctx, order, nil); err != nil {
		return orderOutcome{}, err
	}
	return orderOutcome{order: next}, nil
}

func (s *orderService) requestCancel(_ context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.RequestCancel(cmd.Reason, now)
	return orderOutcome{order: next}, err
}

func (s *orderService) rejectCancel(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.RejectCancelRequest(now)
	return orderOutcome{order: next}, err
}

// cancel refunds whatever was captured for the order and returns its stock. A PENDING order has no
// captured payment, so nothing is refunded.
func (s *orderService) cancel(ctx context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	if err := domain.ValidateOrderTransition(order.Status, domain.OrderStatusCancelled); err != nil {
		return orderOutcome{}, err
	}
	if order.HasRaffleItem() {
		return orderOutcome{}, domain.ErrRaffleItemNotCancellable
	}

	var sheet RefundSheet
	if order.Status != domain.OrderStatusPending {
		booked, err := s.bookRefund(ctx, cmd.Kind, order, order.TotalAmount.SubFloor(order.RefundedAmount()), cmd.Reason, now)
		if err != nil {
			return orderOutcome{}, err
		}
		sheet = booked
	}

	next, err := order.Cancel(cmd.Reason, sheet, now)
	if err != nil {
		return orderOutcome{}, err
	}
	if err := s.rollbackStock(ctx, order, nil); err != nil {
		return orderOutcome{}, err
	}
	return s.withRefund(next, sheet), nil
}

func (s *orderService) requestReturn(_ context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.RequestReturn(cmd.Reason, s.returnWindow, now)
	return orderOutcome{order: next}, err
}

func (s *orderService) recantReturn(_ context.Context, _ OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	next, err := order.RecantReturn(now)
	return orderOutcome{order: next}, err
}

func (s *orderService) completeReturn(ctx context.Context, cmd OrderCommand, order Order, now time.Time) (orderOutcome, error) {
	if err := domain.ValidateOrderTransition(order.Status, domain.OrderStatusReturnCompleted); err != nil {
		return orderOutcome{}, err
	}
	items, err := order.ResolveItemQuantities(cmd.Items)
	if err != nil {
		return orderOutcome{}, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = order.ReturnReason
	}

	sheet, err := s.bookRefund(ctx, cmd.Kind, order, order.RefundableAmount(items), reason, now)
	if err != nil {
		return orderOutcome{}, err
	}
	next, err := order.CompleteReturn(items, sheet, now)
	if err != nil {
		return orderOutcome{}, err
	}
	if err := s.rollbackStock(ctx, order, items); err != nil {
		return orderOutcome{}, err
	}
	return s.withRefund(next, sheet), nil
}

func (s *orderService) withRefund(next Order, sheet RefundSheet) orderOutcome {
	if !sheet.RefundAmount.IsZero() {
		next.Payment = next.Payment.ApplyRefund(sheet)
	}
	return orderOutcome{order: next}
}

// bookRefund builds the refund sheet over the shared payment and books it into the ledger of every
// sibling. The order itself is booked by the caller. Nothing reaches the payment provider here: the
// unit of work may run this more than once before it commits.
func (s *orderService) bookRefund(ctx context.Context, kind OrderCommandKind, order Order, amount Money, reason string, now time.Time) (RefundSheet, error) {
	if amount.IsZero() {
		return RefundSheet{}, nil
	}
	siblings, err := s.orders.FindByPaymentID(ctx, order.PaymentID)
	if err != nil {
		return RefundSheet{}, s.mapRepositoryError(err)
	}
	sheet, err := domain.BuildRefundSheet(refundID(order, kind), order, siblings, amount, reason, now)
	if err != nil {
		return RefundSheet{}, err
	}
	for _, sibling := range siblings {
		if sibling.ID == order.ID {
			continue
		}
		updated := sibling.Clone()
		updated.Payment = updated.Payment.ApplyRefund(sheet)
		updated.UpdatedAt = now
		updated.Version = sibling.Version + 1
		if err := s.orders.Update(ctx, updated, sibling.Version); err != nil {
			return RefundSheet{}, s.mapRepositoryError(err)
		}
	}
	return sheet, nil
}

// settleRefunds sends every pending refund of the committed order to the payment provider, keyed by
// the sheet id, and records each confirmation. A refund the provider rejects stays pending.
func (s *orderService) settleRefunds(ctx context.Context, order Order, actorID string) (Order, error) {
	for _, sheet := range order.PendingRefunds() {
		receipt, err := s.refunds.RefundOrder(ctx, RefundRequest{
			PaymentID:      order.PaymentID,
			OrderID:        order.ID,
			Sheet:          sheet,
			IdempotencyKey: sheet.ID,
		})
		if err != nil {
			s.logger(ctx, "order.refund.failed", map[string]any{
				"order":  order.ID,
				"refund": sheet.ID,
				"amount": sheet.RefundAmount.String(),
				"error":  err.Error(),
			})
			return Order{}, fmt.Errorf("%w: refund %s is pending: %w", ErrOrderRefundFailed, sheet.ID, err)
		}
		s.logger(ctx, "order.refund.issued", map[string]any{
			"order":       order.ID,
			"refund":      sheet.ID,
			"providerRef": receipt.ProviderRef,
			"cash":        sheet.CashAmount.String(),
			"mileage":     sheet.MileageAmount.String(),
		})

		settled, err := s.recordSettlement(ctx, order.ID, sheet.ID, receipt.ProviderRef)
		if err != nil {
			s.logger(ctx, "order.refund.record.failed", map[string]any{
				"order":  order.ID,
				"refund": sheet.ID,
				"error":  err.Error(),
			})
			return Order{}, err
		}
		order = settled
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventRefunded,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			PaymentID:     order.PaymentID,
			SellerID:      order.SellerID,
			CurrentStatus: string(order.Status),
			ActorID:       strings.TrimSpace(actorID),
			OccurredAt:    order.UpdatedAt,
			Metadata: map[string]any{
				"refundId":      sheet.ID,
				"providerRef":   receipt.ProviderRef,
				"refundAmount":  sheet.RefundAmount.String(),
				"cashAmount":    sheet.CashAmount.String(),
				"mileageAmount": sheet.MileageAmount.String(),
			},
		})
	}
	return order, nil
}

func (s *orderService) recordSettlement(ctx context.Context, orderID, sheetID, providerRef string) (Order, error) {
	var result Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		next, changed := current.SettleRefund(sheetID, providerRef, s.now())
		if !changed {
			result = current
			return nil
		}
		next.Version = current.Version + 1
		if err := s.orders.Update(txCtx, next, current.Version); err != nil {
			return s.mapRepositoryError(err)
		}
		result = next
		return nil
	})
	return result, err
}

// rollbackStock returns the selected quantities, or every effective quantity when items is nil.
func (s *orderService) rollbackStock(ctx context.Context, order Order, items []ItemQuantity) error {
	if items == nil {
		resolved, err := order.ResolveItemQuantities(nil)
		if err != nil {
			return err
		}
		items = resolved
	}
	byProduct := make(map[string]int)
	for _, sel := range items {
		for _, item := range order.Items {
			if item.ID == sel.ItemID {
				byProduct[item.ProductID] += sel.Quantity
			}
		}
	}
	if len(byProduct) == 0 {
		return nil
	}
	adjustments := make([]repositories.StockAdjustment, 0, len(byProduct))
	for productID, qty := range byProduct {
		adjustments = append(adjustments, repositories.StockAdjustment{ProductID: productID, Quantity: qty})
	}
	slices.SortFunc(adjustments, func(a, b repositories.StockAdjustment) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	if err := s.inventory.RollbackStock(ctx, order.ID, adjustments); err != nil {
		return s.mapRepositoryError(err)
	}
	for _, adj := range adjustments {
		if err := s.inventory.MarkProductStatus(ctx, adj.ProductID, repositories.ProductStatusOnSale); err != nil {
			return s.mapRepositoryError(err)
		}
	}
	return nil
}

func refundID(order Order, kind OrderCommandKind) string {
	name := fmt.Sprintf("%s/%s/%d", order.ID, kind, order.Version)
	return refundIDPrefix + uuid.NewSHA1(refundNamespace, []byte(name)).String()
}

// orderNumberSequence restarts every year; order numbers carry the year and six digits.
func orderNumberSequence(now time.Time) repositories.Sequence {
	return repositories.Sequence{ID: fmt.Sprintf("%s-%04d", orderNumberCounter, now.Year()), Limit: orderNumberLimit}
}

func formatOrderNumber(now time.Time, seq int64) string {
	return fmt.Sprintf("OD-%04d-%06d", now.Year(), seq)
}

func mapDomainError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrNoSuchTransition):
		return fmt.Errorf("%w: %w", ErrOrderInvalidState, err)
	case errors.Is(err, domain.ErrRuleViolation):
		return fmt.Errorf("%w: %w", ErrOrderRuleViolation, err)
	}
	return err
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
