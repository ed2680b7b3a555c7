package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories/memory"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func mustMoney(t *testing.T, amount int64) Money {
	t.Helper()
	m, err := domain.MoneyFromInt(amount)
	if err != nil {
		t.Fatalf("MoneyFromInt(%d): %v", amount, err)
	}
	return m
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%06d", n)
	}
}

func sameLedger(a, b domain.PaymentLedger) bool {
	return a.PaymentID == b.PaymentID &&
		a.PaidAmount.Equal(b.PaidAmount) &&
		a.MileageUsed.Equal(b.MileageUsed) &&
		a.RefundedCash.Equal(b.RefundedCash) &&
		a.RefundedMileage.Equal(b.RefundedMileage)
}

type stubRefundGateway struct {
	mu       sync.Mutex
	requests []RefundRequest
	err      error
}

func (s *stubRefundGateway) RefundOrder(_ context.Context, req RefundRequest) (RefundReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return RefundReceipt{}, s.err
	}
	return RefundReceipt{ProviderRef: fmt.Sprintf("re_%d", len(s.requests)), Status: "succeeded"}, nil
}

func (s *stubRefundGateway) calls() []RefundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RefundRequest(nil), s.requests...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type orderFixture struct {
	store    *memory.Store
	now      time.Time
	refunds  *stubRefundGateway
	events   *recordingPublisher
	policies DiscountPolicyService
	deps     OrderServiceDeps
	orders   OrderService
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	fx := &orderFixture{
		store:   memory.NewStore(),
		now:     testNow,
		refunds: &stubRefundGateway{},
		events:  &recordingPublisher{},
	}
	clock := func() time.Time { return fx.now }

	policies, err := NewDiscountPolicyService(DiscountPolicyServiceDeps{
		Policies:    fx.store.DiscountPolicies(),
		UnitOfWork:  fx.store,
		Clock:       clock,
		IDGenerator: sequentialIDs(),
	})
	if err != nil {
		t.Fatalf("NewDiscountPolicyService: %v", err)
	}
	engine, err := NewDiscountEngine(DiscountEngineDeps{Usage: fx.store.DiscountUsage(), Locale: "ko-KR"})
	if err != nil {
		t.Fatalf("NewDiscountEngine: %v", err)
	}
	fx.deps = OrderServiceDeps{
		Orders:      fx.store.Orders(),
		Snapshots:   fx.store.OrderSnapshots(),
		Usage:       fx.store.DiscountUsage(),
		Inventory:   fx.store.Inventory(),
		Counters:    fx.store.Counters(),
		Policies:    policies,
		Discounts:   engine,
		Refunds:     fx.refunds,
		UnitOfWork:  fx.store,
		Clock:       clock,
		IDGenerator: sequentialIDs(),
		Events:      fx.events,
	}
	orders, err := NewOrderService(fx.deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.policies = policies
	fx.orders = orders
	return fx
}

func checkoutLine(t *testing.T, sellerID, productID string, qty int, price int64) CheckoutLine {
	t.Helper()
	return CheckoutLine{
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: mustMoney(t, price),
		Snapshot:  ProductSnapshot{Name: productID, SellerID: sellerID, BrandID: "brand_1"},
	}
}

func (fx *orderFixture) checkout(t *testing.T, cmd PlaceCheckoutCommand) []Order {
	t.Helper()
	if cmd.PaymentID == "" {
		cmd.PaymentID = "pay_1"
	}
	if cmd.MemberID == "" {
		cmd.MemberID = "mem_1"
	}
	orders, err := fx.orders.PlaceCheckout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceCheckout: %v", err)
	}
	return orders
}

func (fx *orderFixture) run(t *testing.T, orderID string, kinds ...OrderCommandKind) Order {
	t.Helper()
	var order Order
	for _, kind := range kinds {
		cmd := OrderCommand{Kind: kind, OrderID: orderID, ActorID: "ops_1"}
		if kind == OrderCommandShip {
			cmd.Tracking = &ShipmentTracking{Courier: "CJ", TrackingNumber: "TRK-1"}
		}
		var err error
		order, err = fx.orders.Execute(context.Background(), cmd)
		if err != nil {
			t.Fatalf("Execute %s: %v", kind, err)
		}
	}
	return order
}

func (fx *orderFixture) register(t *testing.T, policy DiscountPolicy) DiscountPolicy {
	t.Helper()
	registered, err := fx.policies.Register(context.Background(), RegisterDiscountPolicyCommand{ActorID: "seller_admin", Policy: policy})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return registered
}

func basePolicy(sellerID, name string, priority int) DiscountPolicy {
	return DiscountPolicy{
		SellerID:   sellerID,
		Name:       name,
		Group:      domain.DiscountGroupSeller,
		TargetType: domain.DiscountTargetAll,
		ValidFrom:  testNow.Add(-24 * time.Hour),
		ValidTo:    testNow.Add(30 * 24 * time.Hour),
		CostShare:  domain.CostShare{PlatformPercent: decimal.Zero, SellerPercent: decimal.NewFromInt(100)},
		Priority:   priority,
		Active:     true,
	}
}

func ratePolicy(t *testing.T, sellerID string, rate int64, priority int, maxDiscount int64) DiscountPolicy {
	t.Helper()
	policy := basePolicy(sellerID, fmt.Sprintf("rate %d%%", rate), priority)
	r := decimal.NewFromInt(rate)
	policy.Type = domain.DiscountTypeRate
	policy.Rate = &r
	if maxDiscount > 0 {
		limit := mustMoney(t, maxDiscount)
		policy.MaxDiscount = &limit
	}
	return policy
}

func fixedPolicy(t *testing.T, sellerID string, amount int64, priority int) DiscountPolicy {
	t.Helper()
	policy := basePolicy(sellerID, fmt.Sprintf("fixed %d", amount), priority)
	fixed := mustMoney(t, amount)
	policy.Type = domain.DiscountTypeFixedPrice
	policy.FixedAmount = &fixed
	return policy
}

func TestPlaceCheckoutSplitsSellersAndAppliesDiscounts(t *testing.T) {
	fx := newOrderFixture(t)
	fx.register(t, ratePolicy(t, "seller_a", 10, 1, 5000))
	fx.register(t, fixedPolicy(t, "seller_a", 3000, 2))

	orders := fx.checkout(t, PlaceCheckoutCommand{
		CheckoutID: "chk_1",
		Lines: []CheckoutLine{
			checkoutLine(t, "seller_b", "prod_b", 1, 10000),
			checkoutLine(t, "seller_a", "prod_a", 2, 20000),
		},
		ShippingFees: map[string]Money{"seller_a": mustMoney(t, 3000)},
	})
	if len(orders) != 2 {
		t.Fatalf("expected one order per seller, got %d", len(orders))
	}

	a, b := orders[0], orders[1]
	if a.SellerID != "seller_a" || b.SellerID != "seller_b" {
		t.Fatalf("unexpected seller order %s, %s", a.SellerID, b.SellerID)
	}
	if !a.DiscountAmount.Equal(mustMoney(t, 7000)) {
		t.Fatalf("expected 7000 discount, got %s", a.DiscountAmount)
	}
	if !a.TotalAmount.Equal(mustMoney(t, 36000)) {
		t.Fatalf("expected 33000 + 3000 shipping, got %s", a.TotalAmount)
	}
	if len(a.Discounts) != 2 || !strings.Contains(a.Discounts[0].Label, "4,000") {
		t.Fatalf("unexpected discounts %+v", a.Discounts)
	}
	if len(b.Discounts) != 0 || !b.TotalAmount.Equal(mustMoney(t, 10000)) {
		t.Fatalf("unexpected seller_b order %+v", b)
	}
	if a.OrderNumber != "OD-2026-000001" || b.OrderNumber != "OD-2026-000002" {
		t.Fatalf("unexpected order numbers %s, %s", a.OrderNumber, b.OrderNumber)
	}
	if !a.Payment.PaidAmount.Equal(mustMoney(t, 46000)) || !sameLedger(a.Payment, b.Payment) {
		t.Fatalf("expected shared ledger, got %+v and %+v", a.Payment, b.Payment)
	}
	for _, order := range orders {
		if order.Status != domain.OrderStatusPending {
			t.Fatalf("expected PENDING, got %s", order.Status)
		}
		if err := order.CheckInvariants(); err != nil {
			t.Fatalf("invariants: %v", err)
		}
	}
	if got := fx.events.types(); len(got) != 2 || got[0] != orderEventCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestPlaceCheckoutRejectsInvalidInput(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()

	cases := map[string]PlaceCheckoutCommand{
		"missing payment": {Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 1000)}},
		"no lines":        {PaymentID: "pay_1"},
		"missing seller":  {PaymentID: "pay_1", Lines: []CheckoutLine{checkoutLine(t, "", "prod_a", 1, 1000)}},
		"paid mismatch": {
			PaymentID:  "pay_1",
			Lines:      []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 1000)},
			PaidAmount: mustMoney(t, 999),
		},
		"mileage exceeds": {
			PaymentID:   "pay_1",
			Lines:       []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 1000)},
			MileageUsed: mustMoney(t, 2000),
		},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := fx.orders.PlaceCheckout(ctx, cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestPlaceCheckoutRejectsDuplicatePayment(t *testing.T) {
	fx := newOrderFixture(t)
	cmd := PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 1000)}}
	fx.checkout(t, cmd)

	cmd.PaymentID = "pay_1"
	cmd.MemberID = "mem_1"
	if _, err := fx.orders.PlaceCheckout(context.Background(), cmd); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExecuteConfirmTwiceIsIllegal(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.checkout(t, PlaceCheckoutCommand{
		Lines:        []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 2, 10000)},
		ShippingFees: map[string]Money{"seller_a": mustMoney(t, 3000)},
	})[0]
	if !order.TotalAmount.Equal(mustMoney(t, 23000)) {
		t.Fatalf("expected 23000 total, got %s", order.TotalAmount)
	}

	confirmed := fx.run(t, order.ID, OrderCommandConfirm)
	if confirmed.Status != domain.OrderStatusConfirmed || confirmed.Version != 1 {
		t.Fatalf("unexpected confirmed order status=%s version=%d", confirmed.Status, confirmed.Version)
	}

	_, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandConfirm, OrderID: order.ID})
	if !errors.Is(err, ErrOrderInvalidState) || !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	current, err := fx.orders.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.Status != domain.OrderStatusConfirmed || current.Version != 1 {
		t.Fatalf("failed command must not change the order, got %s v%d", current.Status, current.Version)
	}
}

func TestExecuteCancelPendingAndDelivered(t *testing.T) {
	fx := newOrderFixture(t)
	orders := fx.checkout(t, PlaceCheckoutCommand{
		Lines: []CheckoutLine{
			checkoutLine(t, "seller_a", "prod_a", 2, 5000),
			checkoutLine(t, "seller_b", "prod_b", 1, 5000),
		},
	})
	pending, delivered := orders[0], orders[1]
	fx.run(t, delivered.ID, OrderCommandMarkCompleted, OrderCommandPrepare, OrderCommandShip, OrderCommandDeliver)

	_, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandCancel, OrderID: delivered.ID})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition for DELIVERED, got %v", err)
	}

	cancelled, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandCancel, OrderID: pending.ID, Reason: "changed <b>mind</b>"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected CANCELLED with timestamp, got %+v", cancelled)
	}
	if cancelled.CancelReason != "changed mind" {
		t.Fatalf("expected sanitised reason, got %q", cancelled.CancelReason)
	}
	if cancelled.Items[0].CancelledQuantity != 2 {
		t.Fatalf("expected every unit cancelled, got %+v", cancelled.Items[0])
	}
	if len(fx.refunds.calls()) != 0 {
		t.Fatalf("pending order must not be refunded")
	}
	if fx.store.Stock("prod_a") != 2 {
		t.Fatalf("expected stock rollback of 2, got %d", fx.store.Stock("prod_a"))
	}
}

func TestExecuteCancelRefundsAcrossSiblings(t *testing.T) {
	fx := newOrderFixture(t)
	orders := fx.checkout(t, PlaceCheckoutCommand{
		Lines: []CheckoutLine{
			checkoutLine(t, "seller_a", "prod_a", 1, 9000),
			checkoutLine(t, "seller_b", "prod_b", 1, 1000),
		},
		MileageUsed: mustMoney(t, 1000),
	})
	a, b := orders[0], orders[1]
	confirmed := fx.run(t, a.ID, OrderCommandMarkCompleted)

	cancelled, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandCancel, OrderID: a.ID, Reason: "out of stock"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	calls := fx.refunds.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one refund, got %d", len(calls))
	}
	sheet := calls[0].Sheet
	if !sheet.RefundAmount.Equal(mustMoney(t, 9000)) || !sheet.MileageAmount.Equal(mustMoney(t, 900)) || !sheet.CashAmount.Equal(mustMoney(t, 8100)) {
		t.Fatalf("unexpected sheet %+v", sheet)
	}
	if calls[0].IdempotencyKey != refundID(confirmed, OrderCommandCancel) {
		t.Fatalf("expected deterministic refund key, got %s", calls[0].IdempotencyKey)
	}
	if len(cancelled.Refunds) != 1 || !cancelled.Payment.RefundedMileage.Equal(mustMoney(t, 900)) {
		t.Fatalf("cancelled order ledger not updated: %+v", cancelled.Payment)
	}

	sibling, err := fx.orders.GetOrder(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !sameLedger(sibling.Payment, cancelled.Payment) {
		t.Fatalf("sibling ledger diverged: %+v vs %+v", sibling.Payment, cancelled.Payment)
	}
	if sibling.Status != domain.OrderStatusPending || sibling.Version != 1 {
		t.Fatalf("sibling must only change its ledger, got %s v%d", sibling.Status, sibling.Version)
	}

	types := fx.events.types()
	if types[len(types)-1] != orderEventRefunded {
		t.Fatalf("expected refund event last, got %v", types)
	}
}

func TestExecuteCancelRefundFailureLeavesRefundPending(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]
	fx.run(t, order.ID, OrderCommandMarkCompleted)
	fx.refunds.err = errors.New("psp down")

	_, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID})
	if !errors.Is(err, ErrOrderRefundFailed) {
		t.Fatalf("expected refund failure, got %v", err)
	}
	current, _ := fx.orders.GetOrder(ctx, order.ID)
	if current.Status != domain.OrderStatusCancelled || len(current.PendingRefunds()) != 1 {
		t.Fatalf("expected cancelled order with a pending refund, got %s %+v", current.Status, current.Refunds)
	}
	if fx.store.Stock("prod_a") != 1 {
		t.Fatalf("stock must be returned with the committed cancel, got %d", fx.store.Stock("prod_a"))
	}

	fx.refunds.err = nil
	settled, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID, IdempotentOnTarget: true})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	calls := fx.refunds.calls()
	if len(calls) != 2 || calls[0].IdempotencyKey != calls[1].IdempotencyKey {
		t.Fatalf("expected the retry to reuse the refund key, got %+v", calls)
	}
	if len(settled.PendingRefunds()) != 0 || settled.Refunds[0].ProviderRef != "re_2" {
		t.Fatalf("expected settled refund, got %+v", settled.Refunds)
	}
	if types := fx.events.types(); types[len(types)-1] != orderEventRefunded {
		t.Fatalf("expected refund event after settlement, got %v", types)
	}

	again, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID, IdempotentOnTarget: true})
	if err != nil || again.Version != settled.Version || len(fx.refunds.calls()) != 2 {
		t.Fatalf("settled refunds must not be sent again, err=%v calls=%d", err, len(fx.refunds.calls()))
	}
}

var errTxAborted = errors.New("transaction aborted")

// abortingUnitOfWork discards the first commit, lets a competing writer in, then reruns the
// function the way the Firestore SDK retries an aborted transaction.
type abortingUnitOfWork struct {
	store    *memory.Store
	aborted  bool
	between  func()
	attempts int
}

func (u *abortingUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	for {
		u.attempts++
		abort := !u.aborted
		err := u.store.RunInTx(ctx, func(txCtx context.Context) error {
			if err := fn(txCtx); err != nil {
				return err
			}
			if abort {
				return errTxAborted
			}
			return nil
		})
		if !errors.Is(err, errTxAborted) {
			return err
		}
		u.aborted = true
		if u.between != nil {
			u.between()
		}
	}
}

func TestExecuteCancelRetriedTransactionRefundsOnce(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 10000)}})[0]
	fx.run(t, order.ID, OrderCommandMarkCompleted)

	uow := &abortingUnitOfWork{store: fx.store}
	uow.between = func() {
		fx.run(t, order.ID, OrderCommandRequestCancel)
	}
	deps := fx.deps
	deps.UnitOfWork = uow
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	cancelled, err := svc.Execute(ctx, OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if uow.attempts < 2 {
		t.Fatalf("expected the transaction to run again, attempts=%d", uow.attempts)
	}
	calls := fx.refunds.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one provider refund, got %d", len(calls))
	}
	if !calls[0].Sheet.CashAmount.Equal(mustMoney(t, 10000)) {
		t.Fatalf("unexpected refund amount %s", calls[0].Sheet.CashAmount)
	}
	if cancelled.Status != domain.OrderStatusCancelled || len(cancelled.Refunds) != 1 || cancelled.Refunds[0].ID != calls[0].IdempotencyKey {
		t.Fatalf("committed sheet must be the one refunded, got %s %+v", cancelled.Status, cancelled.Refunds)
	}
	if !cancelled.RefundedAmount().Equal(mustMoney(t, 10000)) || !cancelled.Refunds[0].Settled() {
		t.Fatalf("unexpected refund bookkeeping %+v", cancelled.Refunds)
	}
}

func TestExecuteCancelLosingToShipmentRefundsNothing(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 10000)}})[0]
	fx.run(t, order.ID, OrderCommandMarkCompleted, OrderCommandPrepare)

	uow := &abortingUnitOfWork{store: fx.store}
	uow.between = func() {
		fx.run(t, order.ID, OrderCommandShip)
	}
	deps := fx.deps
	deps.UnitOfWork = uow
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	if _, err := svc.Execute(ctx, OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected the cancel to lose to the shipment, got %v", err)
	}
	if calls := fx.refunds.calls(); len(calls) != 0 {
		t.Fatalf("no refund may leave for a rejected cancel, got %d", len(calls))
	}
	current, _ := fx.orders.GetOrder(ctx, order.ID)
	if current.Status != domain.OrderStatusShipped || len(current.Refunds) != 0 || fx.store.Stock("prod_a") != 0 {
		t.Fatalf("expected shipped order untouched, got %s refunds=%d stock=%d", current.Status, len(current.Refunds), fx.store.Stock("prod_a"))
	}
}

func TestExecuteMarkCompletedIsIdempotent(t *testing.T) {
	fx := newOrderFixture(t)
	policy := fx.register(t, fixedPolicy(t, "seller_a", 1000, 1))
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]

	first := fx.run(t, order.ID, OrderCommandMarkCompleted)
	second := fx.run(t, order.ID, OrderCommandMarkCompleted)
	if first.Status != domain.OrderStatusConfirmed || !first.SnapshotRecorded {
		t.Fatalf("unexpected first result %+v", first)
	}
	if second.Version != first.Version {
		t.Fatalf("repeat must be a no-op, version %d -> %d", first.Version, second.Version)
	}

	count, err := fx.store.DiscountUsage().Count(context.Background(), policy.ID, "mem_1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count.Total != 1 || count.PerMember != 1 {
		t.Fatalf("expected a single usage, got %+v", count)
	}
	snapshot, ok := fx.store.Snapshot(order.ID)
	if !ok || !snapshot.Totals.Total.Equal(mustMoney(t, 4000)) || len(snapshot.Products) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestConcurrentCancelSucceedsOnce(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandCancel, OrderID: order.ID})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrOrderInvalidState), errors.Is(err, ErrOrderConflict):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one cancel to succeed, got %d", succeeded)
	}
	if fx.store.Stock("prod_a") != 1 {
		t.Fatalf("expected a single stock rollback, got %d", fx.store.Stock("prod_a"))
	}
}

func TestExecuteExpectedVersionAndIdempotentTarget(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]
	ctx := context.Background()

	stale := int64(3)
	if _, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandConfirm, OrderID: order.ID, ExpectedVersion: &stale}); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	fx.run(t, order.ID, OrderCommandConfirm)
	again, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandConfirm, OrderID: order.ID, IdempotentOnTarget: true})
	if err != nil {
		t.Fatalf("idempotent confirm: %v", err)
	}
	if again.Version != 1 {
		t.Fatalf("expected unchanged version, got %d", again.Version)
	}

	if _, err := fx.orders.Execute(ctx, OrderCommand{Kind: "teleport", OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown kind, got %v", err)
	}
	if _, err := fx.orders.Execute(ctx, OrderCommand{Kind: OrderCommandConfirm, OrderID: "ord_missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecuteShipRequiresTracking(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]
	fx.run(t, order.ID, OrderCommandConfirm, OrderCommandPrepare)

	if _, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandShip, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	shipped := fx.run(t, order.ID, OrderCommandShip)
	if shipped.Shipping.TrackingNumber != "TRK-1" || shipped.ShippedAt == nil {
		t.Fatalf("unexpected shipped order %+v", shipped.Shipping)
	}
}

func TestExecuteCancelRequestRejectedAndRaffleGuard(t *testing.T) {
	fx := newOrderFixture(t)
	raffle := checkoutLine(t, "seller_b", "prod_raffle", 1, 5000)
	raffle.Raffle = true
	orders := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000), raffle}})
	normal, raffleOrder := orders[0], orders[1]

	fx.run(t, normal.ID, OrderCommandConfirm, OrderCommandRequestCancel)
	rejected := fx.run(t, normal.ID, OrderCommandRejectCancel)
	if rejected.Status != domain.OrderStatusPreparing {
		t.Fatalf("expected PREPARING after rejection, got %s", rejected.Status)
	}

	fx.run(t, raffleOrder.ID, OrderCommandConfirm)
	_, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandRequestCancel, OrderID: raffleOrder.ID})
	if !errors.Is(err, ErrOrderRuleViolation) || !errors.Is(err, domain.ErrRaffleItemNotCancellable) {
		t.Fatalf("expected raffle rule violation, got %v", err)
	}
}

func TestExecuteReturnFlow(t *testing.T) {
	fx := newOrderFixture(t)
	fx.register(t, fixedPolicy(t, "seller_a", 2000, 1))
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{
		checkoutLine(t, "seller_a", "prod_a", 1, 10000),
		checkoutLine(t, "seller_a", "prod_b", 1, 10000),
	}})[0]
	fx.run(t, order.ID, OrderCommandMarkCompleted, OrderCommandPrepare, OrderCommandShip, OrderCommandDeliver, OrderCommandRequestReturn)

	returned, err := fx.orders.Execute(context.Background(), OrderCommand{
		Kind:    OrderCommandCompleteReturn,
		OrderID: order.ID,
		Items:   []ItemQuantity{{ItemID: order.Items[0].ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("complete return: %v", err)
	}
	if returned.Status != domain.OrderStatusReturnCompleted || returned.Items[0].RefundedQuantity != 1 {
		t.Fatalf("unexpected returned order %+v", returned)
	}
	calls := fx.refunds.calls()
	if len(calls) != 1 || !calls[0].Sheet.RefundAmount.Equal(mustMoney(t, 9000)) {
		t.Fatalf("expected 9000 refund net of discount share, got %+v", calls)
	}
	if fx.store.Stock("prod_a") != 1 || fx.store.Stock("prod_b") != 0 {
		t.Fatalf("expected only the returned product restocked")
	}
}

func TestExecuteRequestReturnAfterWindow(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 1, 5000)}})[0]
	fx.run(t, order.ID, OrderCommandConfirm, OrderCommandPrepare, OrderCommandShip, OrderCommandDeliver)

	fx.now = testNow.Add(defaultReturnWindow + time.Minute)
	_, err := fx.orders.Execute(context.Background(), OrderCommand{Kind: OrderCommandRequestReturn, OrderID: order.ID})
	if !errors.Is(err, domain.ErrReturnWindowExpired) || !errors.Is(err, ErrOrderRuleViolation) {
		t.Fatalf("expected expired return window, got %v", err)
	}
}

func TestExecuteMarkFailedRestocks(t *testing.T) {
	fx := newOrderFixture(t)
	fx.store.SetStock("prod_a", 0)
	if err := fx.store.Inventory().MarkProductStatus(context.Background(), "prod_a", repositories.ProductStatusSoldOut); err != nil {
		t.Fatalf("MarkProductStatus: %v", err)
	}
	order := fx.checkout(t, PlaceCheckoutCommand{Lines: []CheckoutLine{checkoutLine(t, "seller_a", "prod_a", 3, 1000)}})[0]

	failed := fx.run(t, order.ID, OrderCommandMarkFailed)
	if failed.Status != domain.OrderStatusFailed || failed.FailedAt == nil {
		t.Fatalf("unexpected failed order %+v", failed)
	}
	if fx.store.Stock("prod_a") != 3 || fx.store.ProductStatus("prod_a") != repositories.ProductStatusOnSale {
		t.Fatalf("expected stock 3 and product back on sale")
	}
}

func TestNewOrderServiceValidatesDeps(t *testing.T) {
	store := memory.NewStore()
	deps := OrderServiceDeps{
		Orders:    store.Orders(),
		Snapshots: store.OrderSnapshots(),
		Usage:     store.DiscountUsage(),
		Inventory: store.Inventory(),
		Counters:  store.Counters(),
	}
	if _, err := NewOrderService(deps); err == nil {
		t.Fatalf("expected error without refund gateway")
	}
	deps.Refunds = &stubRefundGateway{}
	if _, err := NewOrderService(deps); err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	engine, _ := NewDiscountEngine(DiscountEngineDeps{Usage: store.DiscountUsage()})
	deps.Discounts = engine
	if _, err := NewOrderService(deps); err == nil {
		t.Fatalf("expected error when engine is set without policies")
	}
}
