package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

func seedOrder(t *testing.T, store *Store, id string) domain.Order {
	t.Helper()
	price, _ := domain.MoneyFromInt(1000)
	order, err := domain.ForNew(domain.NewOrderParams{
		ID:        id,
		SellerID:  "seller_1",
		PaymentID: "pay_1",
		Items:     []domain.OrderItem{{ID: id + "_item", ProductID: "prod_1", Quantity: 1, UnitPrice: price}},
		Now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ForNew: %v", err)
	}
	if err := store.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return order
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		seedOrder(t, store, "ord_1")
		if err := store.Inventory().RollbackStock(ctx, "ord_1", []repositories.StockAdjustment{{ProductID: "prod_1", Quantity: 2}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.Orders().FindByID(ctx, "ord_1"); err == nil {
		t.Fatalf("expected insert to be rolled back")
	}
	if store.Stock("prod_1") != 0 {
		t.Fatalf("expected stock rollback to be undone, got %d", store.Stock("prod_1"))
	}
}

func TestOrderUpdateChecksVersion(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	order := seedOrder(t, store, "ord_1")

	next := order
	next.Version = 1
	if err := store.Orders().Update(ctx, next, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := store.Orders().Update(ctx, next, 0)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestListBySellerPaginates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		policy := domain.DiscountPolicy{ID: fmt.Sprintf("pol_%d", i), SellerID: "seller_1", Active: true}
		if err := store.DiscountPolicies().Insert(ctx, policy); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	deleted := time.Now()
	if err := store.DiscountPolicies().Insert(ctx, domain.DiscountPolicy{ID: "pol_9", SellerID: "seller_1", DeletedAt: &deleted}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := store.DiscountPolicies().ListBySeller(ctx, "seller_1", repositories.DiscountPolicyListFilter{Pagination: domain.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Items) != 2 || first.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	second, err := store.DiscountPolicies().ListBySeller(ctx, "seller_1", repositories.DiscountPolicyListFilter{Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].ID != "pol_2" || second.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestDiscountUsageRecordIsIdempotent(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	usage := repositories.DiscountUsage{PolicyID: "pol_1", OrderID: "ord_1", MemberID: "mem_1"}
	for i := 0; i < 2; i++ {
		if err := store.DiscountUsage().Record(ctx, usage); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	count, err := store.DiscountUsage().Count(ctx, "pol_1", "mem_1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count.Total != 1 || count.PerMember != 1 {
		t.Fatalf("expected a single usage, got %+v", count)
	}
}

func TestCounterReserveStopsAtLimit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	seq := repositories.Sequence{ID: "orders-2026", Limit: 3}

	if last, err := store.Counters().Reserve(ctx, seq, 2); err != nil || last != 2 {
		t.Fatalf("expected 2, got %d (%v)", last, err)
	}
	_, err := store.Counters().Reserve(ctx, seq, 2)
	var seqErr *repositories.SequenceError
	if !errors.As(err, &seqErr) || !seqErr.Exhausted() || !seqErr.IsUnavailable() {
		t.Fatalf("expected exhausted sequence, got %v", err)
	}
	if last, err := store.Counters().Reserve(ctx, seq, 1); err != nil || last != 3 {
		t.Fatalf("expected the last number to remain available, got %d (%v)", last, err)
	}
	if _, err := store.Counters().Reserve(ctx, repositories.Sequence{ID: "orders-2027"}, 0); err == nil {
		t.Fatalf("expected invalid step error")
	}
}
