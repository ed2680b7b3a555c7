package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountGroup classifies who a discount is granted through.
type DiscountGroup string

const (
	DiscountGroupProduct  DiscountGroup = "PRODUCT"
	DiscountGroupMember   DiscountGroup = "MEMBER"
	DiscountGroupSeller   DiscountGroup = "SELLER"
	DiscountGroupPlatform DiscountGroup = "PLATFORM"
)

// DiscountType selects how a policy computes its contribution.
type DiscountType string

const (
	DiscountTypeRate       DiscountType = "RATE"
	DiscountTypeFixedPrice DiscountType = "FIXED_PRICE"
)

// DiscountTargetType scopes which order lines a policy applies to.
type DiscountTargetType string

const (
	DiscountTargetAll      DiscountTargetType = "ALL"
	DiscountTargetProduct  DiscountTargetType = "PRODUCT"
	DiscountTargetBrand    DiscountTargetType = "BRAND"
	DiscountTargetCategory DiscountTargetType = "CATEGORY"
)

// UsageLimit caps how often a policy may be used. Nil means unlimited.
type UsageLimit struct {
	PerMember *int64
	Total     *int64
}

// CostShare splits the cost of a discount between platform and seller, in percent.
type CostShare struct {
	PlatformPercent decimal.Decimal
	SellerPercent   decimal.Decimal
}

// Split divides amount by the share ratios. The seller absorbs the rounding remainder so the
// two parts always sum to amount.
func (c CostShare) Split(amount Money) (platform Money, seller Money) {
	platform = amount.Percent(c.PlatformPercent).Min(amount)
	seller = amount.SubFloor(platform)
	return platform, seller
}

// DiscountPolicy is a seller-configured discount rule.
type DiscountPolicy struct {
	ID             string
	SellerID       string
	Name           string
	Group          DiscountGroup
	Type           DiscountType
	TargetType     DiscountTargetType
	TargetIDs      []string
	Rate           *decimal.Decimal
	FixedAmount    *Money
	MaxDiscount    *Money
	MinOrderAmount *Money
	ValidFrom      time.Time
	ValidTo        time.Time
	UsageLimit     UsageLimit
	CostShare      CostShare
	Priority       int
	Active         bool
	Exclusive      bool
	Default        bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsDeleted reports whether the policy was soft-deleted.
func (p DiscountPolicy) IsDeleted() bool {
	return p.DeletedAt != nil
}

// InWindow reports whether now falls inside the validity window (inclusive start, exclusive end).
func (p DiscountPolicy) InWindow(now time.Time) bool {
	if now.Before(p.ValidFrom) {
		return false
	}
	return now.Before(p.ValidTo)
}

// Usable reports whether the policy may be evaluated at now, independent of the order.
func (p DiscountPolicy) Usable(now time.Time) bool {
	return p.Active && !p.IsDeleted() && p.InWindow(now)
}

// Matches reports whether the policy scope covers at least one of the order lines.
func (p DiscountPolicy) Matches(items []ProductSnapshot) bool {
	if p.TargetType == DiscountTargetAll {
		return true
	}
	for _, item := range items {
		var key string
		switch p.TargetType {
		case DiscountTargetProduct:
			key = item.ProductID
		case DiscountTargetBrand:
			key = item.BrandID
		case DiscountTargetCategory:
			key = item.CategoryID
		}
		if key != "" && slices.Contains(p.TargetIDs, key) {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a policy.
func (p DiscountPolicy) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDiscountPolicy, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.SellerID) == "" {
		return invalid("seller id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name is required")
	}
	switch p.Group {
	case DiscountGroupProduct, DiscountGroupMember, DiscountGroupSeller, DiscountGroupPlatform:
	default:
		return invalid("unknown group %q", p.Group)
	}

	switch p.Type {
	case DiscountTypeRate:
		if p.Rate == nil || p.FixedAmount != nil {
			return invalid("rate policy requires a rate and no fixed amount")
		}
		if !p.Rate.IsPositive() || p.Rate.GreaterThan(hundred) {
			return invalid("rate must be within (0, 100]")
		}
	case DiscountTypeFixedPrice:
		if p.FixedAmount == nil || p.Rate != nil {
			return invalid("fixed policy requires a fixed amount and no rate")
		}
		if p.FixedAmount.IsZero() {
			return invalid("fixed amount must be positive")
		}
		if p.MaxDiscount != nil {
			return invalid("maximum discount only applies to rate policies")
		}
	default:
		return invalid("unknown type %q", p.Type)
	}

	switch p.TargetType {
	case DiscountTargetAll:
		if len(p.TargetIDs) > 0 {
			return invalid("target ids are not allowed for ALL")
		}
	case DiscountTargetProduct, DiscountTargetBrand, DiscountTargetCategory:
		if len(p.TargetIDs) == 0 {
			return invalid("target ids are required for %s", p.TargetType)
		}
	default:
		return invalid("unknown target type %q", p.TargetType)
	}

	if p.ValidFrom.IsZero() || p.ValidTo.IsZero() || !p.ValidFrom.Before(p.ValidTo) {
		return invalid("validity window must have start before end")
	}
	if p.Priority < 0 {
		return invalid("priority must not be negative")
	}
	if p.UsageLimit.PerMember != nil && *p.UsageLimit.PerMember <= 0 {
		return invalid("per-member usage limit must be positive")
	}
	if p.UsageLimit.Total != nil && *p.UsageLimit.Total <= 0 {
		return invalid("total usage limit must be positive")
	}

	share := p.CostShare
	if share.PlatformPercent.IsNegative() || share.SellerPercent.IsNegative() {
		return invalid("cost share percentages must not be negative")
	}
	if !share.PlatformPercent.Add(share.SellerPercent).Equal(hundred) {
		return invalid("cost share percentages must sum to 100")
	}
	return nil
}

// OrderDiscount is an immutable record of a discount granted to an order.
type OrderDiscount struct {
	PolicyID     string
	Group        DiscountGroup
	Amount       Money
	Label        string
	PlatformCost Money
	SellerCost   Money
}
