package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

type stubUsageCounter struct {
	counts map[string]repositories.DiscountUsageCount
	err    error
	calls  int
}

func (s *stubUsageCounter) Count(_ context.Context, policyID, _ string) (repositories.DiscountUsageCount, error) {
	s.calls++
	if s.err != nil {
		return repositories.DiscountUsageCount{}, s.err
	}
	return s.counts[policyID], nil
}

func newTestEngine(t *testing.T, usage DiscountUsageCounter) *DiscountEngine {
	t.Helper()
	if usage == nil {
		usage = &stubUsageCounter{}
	}
	engine, err := NewDiscountEngine(DiscountEngineDeps{Usage: usage, Locale: "en-US"})
	if err != nil {
		t.Fatalf("NewDiscountEngine: %v", err)
	}
	return engine
}

func engineContext(t *testing.T, amount int64) DiscountContext {
	t.Helper()
	return DiscountContext{
		SellerID:    "seller_a",
		MemberID:    "mem_1",
		Items:       []ProductSnapshot{{ProductID: "prod_a", BrandID: "brand_1", CategoryID: "cat_1"}},
		OrderAmount: mustMoney(t, amount),
		Now:         testNow,
	}
}

func withID(policy DiscountPolicy, id string) DiscountPolicy {
	policy.ID = id
	return policy
}

func TestDiscountEngineStacksByPriority(t *testing.T) {
	engine := newTestEngine(t, nil)
	p1 := withID(ratePolicy(t, "seller_a", 10, 1, 5000), "p1")
	p2 := withID(fixedPolicy(t, "seller_a", 3000, 2), "p2")

	result, err := engine.Apply(context.Background(), engineContext(t, 40000), []DiscountPolicy{p2, p1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Total.Equal(mustMoney(t, 7000)) {
		t.Fatalf("expected 7000, got %s", result.Total)
	}
	if len(result.Discounts) != 2 || result.Discounts[0].PolicyID != "p1" || result.Discounts[1].PolicyID != "p2" {
		t.Fatalf("expected priority order, got %+v", result.Discounts)
	}
	if !result.Discounts[0].Amount.Equal(mustMoney(t, 4000)) {
		t.Fatalf("expected 4000 from rate policy, got %s", result.Discounts[0].Amount)
	}
	if got := result.Discounts[0].Label; got != "rate 10% -4,000" {
		t.Fatalf("unexpected label %q", got)
	}
	if total := mustMoney(t, 40000).SubFloor(result.Total); !total.Equal(mustMoney(t, 33000)) {
		t.Fatalf("expected 33000 after discounts, got %s", total)
	}
}

func TestDiscountEngineCapsRateAtMaximum(t *testing.T) {
	engine := newTestEngine(t, nil)
	policy := withID(ratePolicy(t, "seller_a", 20, 1, 5000), "p1")

	result, err := engine.Apply(context.Background(), engineContext(t, 40000), []DiscountPolicy{policy})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Total.Equal(mustMoney(t, 5000)) {
		t.Fatalf("expected cap of 5000, got %s", result.Total)
	}
}

func TestDiscountEngineExcludesIneligiblePolicies(t *testing.T) {
	usage := &stubUsageCounter{counts: map[string]repositories.DiscountUsageCount{
		"limited": {Total: 10, PerMember: 1},
	}}
	engine := newTestEngine(t, usage)

	expired := withID(fixedPolicy(t, "seller_a", 1000, 1), "expired")
	expired.ValidFrom = testNow.Add(-48 * time.Hour)
	expired.ValidTo = testNow.Add(-24 * time.Hour)

	minimum := withID(fixedPolicy(t, "seller_a", 1000, 1), "minimum")
	threshold := mustMoney(t, 50000)
	minimum.MinOrderAmount = &threshold

	deleted := withID(fixedPolicy(t, "seller_a", 1000, 1), "deleted")
	deletedAt := testNow.Add(-time.Hour)
	deleted.DeletedAt = &deletedAt

	inactive := withID(fixedPolicy(t, "seller_a", 1000, 1), "inactive")
	inactive.Active = false

	otherBrand := withID(fixedPolicy(t, "seller_a", 1000, 1), "other_brand")
	otherBrand.TargetType = domain.DiscountTargetBrand
	otherBrand.TargetIDs = []string{"brand_9"}

	limited := withID(fixedPolicy(t, "seller_a", 1000, 1), "limited")
	perMember := int64(1)
	limited.UsageLimit.PerMember = &perMember

	eligible := withID(fixedPolicy(t, "seller_a", 500, 5), "eligible")
	eligible.TargetType = domain.DiscountTargetCategory
	eligible.TargetIDs = []string{"cat_1"}

	result, err := engine.Apply(context.Background(), engineContext(t, 40000),
		[]DiscountPolicy{expired, minimum, deleted, inactive, otherBrand, limited, eligible})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Discounts) != 1 || result.Discounts[0].PolicyID != "eligible" {
		t.Fatalf("expected only the eligible policy, got %+v", result.Discounts)
	}
	if usage.calls != 1 {
		t.Fatalf("expected usage lookup only for the limited policy, got %d", usage.calls)
	}
}

func TestDiscountEngineSkipsPerMemberCapForGuests(t *testing.T) {
	usage := &stubUsageCounter{}
	engine := newTestEngine(t, usage)
	capped := withID(fixedPolicy(t, "seller_a", 1000, 1), "capped")
	perMember := int64(1)
	capped.UsageLimit.PerMember = &perMember
	open := withID(fixedPolicy(t, "seller_a", 500, 2), "open")

	guest := engineContext(t, 10000)
	guest.MemberID = "  "
	result, err := engine.Apply(context.Background(), guest, []DiscountPolicy{capped, open})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Discounts) != 1 || result.Discounts[0].PolicyID != "open" {
		t.Fatalf("guest checkout must not receive a per-member capped policy, got %+v", result.Discounts)
	}
	if usage.calls != 0 {
		t.Fatalf("expected no usage lookup for guests, got %d", usage.calls)
	}

	result, err = engine.Apply(context.Background(), engineContext(t, 10000), []DiscountPolicy{capped, open})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Discounts) != 2 {
		t.Fatalf("member checkout should receive both policies, got %+v", result.Discounts)
	}
}

func TestDiscountEngineStopsAfterExclusivePolicy(t *testing.T) {
	engine := newTestEngine(t, nil)
	exclusive := withID(fixedPolicy(t, "seller_a", 2000, 1), "exclusive")
	exclusive.Exclusive = true
	later := withID(fixedPolicy(t, "seller_a", 1000, 2), "later")

	result, err := engine.Apply(context.Background(), engineContext(t, 10000), []DiscountPolicy{later, exclusive})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(result.Discounts) != 1 || result.Discounts[0].PolicyID != "exclusive" {
		t.Fatalf("expected exclusive policy alone, got %+v", result.Discounts)
	}
}

func TestDiscountEngineNeverExceedsOrderAmount(t *testing.T) {
	engine := newTestEngine(t, nil)
	big := withID(fixedPolicy(t, "seller_a", 8000, 1), "big")
	bigger := withID(fixedPolicy(t, "seller_a", 8000, 2), "bigger")
	tail := withID(fixedPolicy(t, "seller_a", 100, 3), "tail")

	result, err := engine.Apply(context.Background(), engineContext(t, 10000), []DiscountPolicy{big, bigger, tail})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.Total.Equal(mustMoney(t, 10000)) {
		t.Fatalf("expected discount capped at order amount, got %s", result.Total)
	}
	if len(result.Discounts) != 2 || !result.Discounts[1].Amount.Equal(mustMoney(t, 2000)) {
		t.Fatalf("expected second policy trimmed to 2000 and tail skipped, got %+v", result.Discounts)
	}
}

func TestDiscountEngineSplitsCostShare(t *testing.T) {
	engine := newTestEngine(t, nil)
	policy := withID(fixedPolicy(t, "seller_a", 1001, 1), "shared")
	policy.CostShare = domain.CostShare{PlatformPercent: decimal.NewFromInt(33), SellerPercent: decimal.NewFromInt(67)}

	result, err := engine.Apply(context.Background(), engineContext(t, 10000), []DiscountPolicy{policy})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	d := result.Discounts[0]
	if !d.PlatformCost.Equal(mustMoney(t, 330)) || !d.SellerCost.Equal(mustMoney(t, 671)) {
		t.Fatalf("unexpected split platform=%s seller=%s", d.PlatformCost, d.SellerCost)
	}
}

func TestDiscountEngineErrors(t *testing.T) {
	boom := errors.New("boom")
	engine := newTestEngine(t, &stubUsageCounter{err: boom})
	limited := withID(fixedPolicy(t, "seller_a", 1000, 1), "limited")
	total := int64(5)
	limited.UsageLimit.Total = &total

	if _, err := engine.Apply(context.Background(), engineContext(t, 10000), []DiscountPolicy{limited}); !errors.Is(err, boom) {
		t.Fatalf("expected usage error, got %v", err)
	}
	dctx := engineContext(t, 10000)
	dctx.Now = time.Time{}
	if _, err := engine.Apply(context.Background(), dctx, nil); !errors.Is(err, ErrDiscountInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := NewDiscountEngine(DiscountEngineDeps{}); err == nil {
		t.Fatalf("expected error without usage counter")
	}
	if _, err := NewDiscountEngine(DiscountEngineDeps{Usage: &stubUsageCounter{}, Locale: "not a locale!"}); err == nil {
		t.Fatalf("expected error for malformed locale")
	}
}
