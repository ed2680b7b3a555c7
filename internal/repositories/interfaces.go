package repositories

import (
	"context"
	"time"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	OrderSnapshots() OrderSnapshotRepository
	Claims() ClaimRepository
	DiscountPolicies() DiscountPolicyRepository
	DiscountUsage() DiscountUsageRepository
	Inventory() InventoryRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repository calls made with the context passed to fn join the boundary.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates with optimistic concurrency.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update stores order only when the persisted version equals expectedVersion. The stored
	// version becomes order.Version, which callers set to expectedVersion+1.
	Update(ctx context.Context, order domain.Order, expectedVersion int64) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentID(ctx context.Context, paymentID string) ([]domain.Order, error)
}

// OrderSnapshot freezes product and discount data for an order at payment settlement.
type OrderSnapshot struct {
	OrderID    string
	MemberID   string
	SellerID   string
	Products   []domain.ProductSnapshot
	Discounts  []domain.OrderDiscount
	Totals     OrderSnapshotTotals
	RecordedAt time.Time
}

// OrderSnapshotTotals captures the order amounts at snapshot time.
type OrderSnapshotTotals struct {
	Items    domain.Money
	Discount domain.Money
	Shipping domain.Money
	Total    domain.Money
}

// OrderSnapshotRepository stores one snapshot per order.
type OrderSnapshotRepository interface {
	Save(ctx context.Context, snapshot OrderSnapshot) error
}

// ClaimRepository persists return and exchange claims.
type ClaimRepository interface {
	Insert(ctx context.Context, claim domain.Claim) error
	Update(ctx context.Context, claim domain.Claim, expectedVersion int64) error
	FindByID(ctx context.Context, claimID string) (domain.Claim, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Claim, error)
}

// DiscountPolicyRepository persists seller discount policies, including soft-deleted ones.
type DiscountPolicyRepository interface {
	Insert(ctx context.Context, policy domain.DiscountPolicy) error
	Update(ctx context.Context, policy domain.DiscountPolicy) error
	FindByID(ctx context.Context, policyID string) (domain.DiscountPolicy, error)
	ListBySeller(ctx context.Context, sellerID string, filter DiscountPolicyListFilter) (domain.CursorPage[domain.DiscountPolicy], error)
}

// DiscountPolicyListFilter narrows seller policy listings.
type DiscountPolicyListFilter struct {
	IncludeDeleted bool
	ActiveOnly     bool
	Group          domain.DiscountGroup
	Pagination     domain.Pagination
}

// DiscountUsage records one application of a policy to an order.
type DiscountUsage struct {
	PolicyID string
	OrderID  string
	MemberID string
	Amount   domain.Money
	UsedAt   time.Time
}

// DiscountUsageCount reports how often a policy has been used.
type DiscountUsageCount struct {
	PerMember int64
	Total     int64
}

// DiscountUsageRepository tracks policy usage. Record is idempotent per policy and order.
type DiscountUsageRepository interface {
	Record(ctx context.Context, usage DiscountUsage) error
	Count(ctx context.Context, policyID, memberID string) (DiscountUsageCount, error)
}

// StockAdjustment returns quantity of a product to sellable stock.
type StockAdjustment struct {
	ProductID string
	Quantity  int
}

// ProductStatus toggles product availability.
type ProductStatus string

const (
	ProductStatusOnSale  ProductStatus = "ON_SALE"
	ProductStatusSoldOut ProductStatus = "SOLD_OUT"
)

// InventoryRepository adjusts product stock on behalf of order transitions. RollbackStock is called
// inside the unit of work that moves the order into a terminal status, so it runs once per order.
// Restocked products are put back on sale with MarkProductStatus in the same unit of work.
type InventoryRepository interface {
	RollbackStock(ctx context.Context, orderID string, adjustments []StockAdjustment) error
	MarkProductStatus(ctx context.Context, productID string, status ProductStatus) error
}

// CounterRepository hands out sequence numbers. Reserve advances seq by n and returns the last
// value allocated; the caller owns (last-n, last]. It joins the caller's unit of work.
type CounterRepository interface {
	Reserve(ctx context.Context, seq Sequence, n int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}
