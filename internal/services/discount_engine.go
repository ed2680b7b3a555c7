package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
)

var (
	// ErrDiscountInvalidInput signals an incomplete discount evaluation request.
	ErrDiscountInvalidInput = errors.New("discount: invalid input")
)

// DiscountEngineDeps bundles collaborators for the discount engine.
type DiscountEngineDeps struct {
	Usage  DiscountUsageCounter
	Locale string
	Logger func(context.Context, string, map[string]any)
}

// DiscountEngine computes the discounts granted to a single seller order.
type DiscountEngine struct {
	usage   DiscountUsageCounter
	printer *message.Printer
	logger  func(context.Context, string, map[string]any)
}

// DiscountContext describes the order a discount evaluation runs against.
type DiscountContext struct {
	SellerID    string
	MemberID    string
	Items       []ProductSnapshot
	OrderAmount Money
	Now         time.Time
}

// DiscountResult lists the applied discounts and their sum, which never exceeds the order amount.
type DiscountResult struct {
	Discounts []OrderDiscount
	Total     Money
}

// NewDiscountEngine constructs an engine. Locale drives the number formatting of discount labels.
func NewDiscountEngine(deps DiscountEngineDeps) (*DiscountEngine, error) {
	if deps.Usage == nil {
		return nil, errors.New("discount engine: usage counter is required")
	}
	tag := language.Korean
	if raw := strings.TrimSpace(deps.Locale); raw != "" {
		parsed, err := language.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("discount engine: invalid locale %q: %w", raw, err)
		}
		tag = parsed
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &DiscountEngine{
		usage:   deps.Usage,
		printer: message.NewPrinter(tag),
		logger:  logger,
	}, nil
}

// Apply selects the qualifying policies, applies them by ascending priority and splits each
// contribution between platform and seller.
func (e *DiscountEngine) Apply(ctx context.Context, dctx DiscountContext, policies []DiscountPolicy) (DiscountResult, error) {
	if dctx.Now.IsZero() {
		return DiscountResult{}, fmt.Errorf("%w: evaluation time is required", ErrDiscountInvalidInput)
	}

	candidates := make([]DiscountPolicy, 0, len(policies))
	for _, policy := range policies {
		if !policy.Usable(dctx.Now) || !policy.Matches(dctx.Items) {
			continue
		}
		if policy.MinOrderAmount != nil && policy.MinOrderAmount.GreaterThan(dctx.OrderAmount) {
			continue
		}
		ok, err := e.withinUsageLimit(ctx, policy, dctx.MemberID)
		if err != nil {
			return DiscountResult{}, err
		}
		if !ok {
			e.logger(ctx, "discount.policy.limit_reached", map[string]any{
				"policyId": policy.ID,
				"sellerId": policy.SellerID,
			})
			continue
		}
		candidates = append(candidates, policy)
	}

	slices.SortStableFunc(candidates, func(a, b DiscountPolicy) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	result := DiscountResult{Total: domain.Zero()}
	remaining := dctx.OrderAmount
	for _, policy := range candidates {
		if remaining.IsZero() {
			break
		}
		amount := contribution(policy, dctx.OrderAmount).Min(remaining)
		if amount.IsZero() {
			continue
		}
		platform, seller := policy.CostShare.Split(amount)
		result.Discounts = append(result.Discounts, OrderDiscount{
			PolicyID:     policy.ID,
			Group:        policy.Group,
			Amount:       amount,
			Label:        e.label(policy, amount),
			PlatformCost: platform,
			SellerCost:   seller,
		})
		result.Total = result.Total.Add(amount)
		remaining = remaining.SubFloor(amount)
		if policy.Exclusive {
			break
		}
	}
	return result, nil
}

func contribution(policy DiscountPolicy, orderAmount Money) Money {
	switch policy.Type {
	case domain.DiscountTypeRate:
		if policy.Rate == nil {
			return domain.Zero()
		}
		amount := orderAmount.Percent(*policy.Rate)
		if policy.MaxDiscount != nil {
			amount = amount.Min(*policy.MaxDiscount)
		}
		return amount
	case domain.DiscountTypeFixedPrice:
		if policy.FixedAmount == nil {
			return domain.Zero()
		}
		return *policy.FixedAmount
	}
	return domain.Zero()
}

func (e *DiscountEngine) withinUsageLimit(ctx context.Context, policy DiscountPolicy, memberID string) (bool, error) {
	limit := policy.UsageLimit
	if limit.PerMember == nil && limit.Total == nil {
		return true, nil
	}
	// A per-member cap cannot be enforced without a member.
	if limit.PerMember != nil && strings.TrimSpace(memberID) == "" {
		return false, nil
	}
	count, err := e.usage.Count(ctx, policy.ID, memberID)
	if err != nil {
		return false, fmt.Errorf("discount: count usage of %s: %w", policy.ID, err)
	}
	if limit.Total != nil && count.Total >= *limit.Total {
		return false, nil
	}
	if limit.PerMember != nil && count.PerMember >= *limit.PerMember {
		return false, nil
	}
	return true, nil
}

func (e *DiscountEngine) label(policy DiscountPolicy, amount Money) string {
	return e.printer.Sprintf("%s -%d", policy.Name, amount.Int64())
}
