package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/pagination"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/textutil"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const (
	discountPolicyIDPrefix = "dpl_"
	maxPolicyNameLength    = 120
	policyListPageSize     = 200
)

var (
	// ErrDiscountPolicyInvalidInput signals malformed policy data.
	ErrDiscountPolicyInvalidInput = errors.New("discount policy: invalid input")
	// ErrDiscountPolicyNotFound indicates the policy is missing, deleted or owned by another seller.
	ErrDiscountPolicyNotFound = errors.New("discount policy: not found")
	// ErrDiscountPolicyConflict indicates duplicates or concurrent updates.
	ErrDiscountPolicyConflict = errors.New("discount policy: conflict")
)

// DiscountPolicyServiceDeps bundles collaborators for the policy service.
type DiscountPolicyServiceDeps struct {
	Policies    repositories.DiscountPolicyRepository
	UnitOfWork  repositories.UnitOfWork
	CacheTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type discountPolicyService struct {
	policies   repositories.DiscountPolicyRepository
	unitOfWork repositories.UnitOfWork
	cache      *sellerPolicyCache
	loads      singleflight.Group
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewDiscountPolicyService constructs the policy service. Applicable policies are cached per seller
// for CacheTTL (default five minutes) and dropped on every write for that seller.
func NewDiscountPolicyService(deps DiscountPolicyServiceDeps) (DiscountPolicyService, error) {
	if deps.Policies == nil {
		return nil, errors.New("discount policy service: policy repository is required")
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
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	svc := &discountPolicyService{
		policies:   deps.Policies,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}
	svc.cache = newSellerPolicyCache(ttl, svc.clock)
	return svc, nil
}

func (s *discountPolicyService) Register(ctx context.Context, cmd RegisterDiscountPolicyCommand) (DiscountPolicy, error) {
	policy := normalizePolicy(cmd.Policy)
	now := s.clock()
	policy.ID = discountPolicyIDPrefix + s.newID()
	policy.Default = false
	policy.DeletedAt = nil
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if err := policy.Validate(); err != nil {
		return DiscountPolicy{}, fmt.Errorf("%w: %w", ErrDiscountPolicyInvalidInput, err)
	}
	if err := s.policies.Insert(ctx, policy); err != nil {
		return DiscountPolicy{}, s.mapRepositoryError(err)
	}
	s.invalidate(policy.SellerID)

	s.logger(ctx, "discount_policy.registered", map[string]any{
		"policyId": policy.ID,
		"sellerId": policy.SellerID,
		"actorId":  strings.TrimSpace(cmd.ActorID),
	})
	return policy, nil
}

func (s *discountPolicyService) Update(ctx context.Context, cmd UpdateDiscountPolicyCommand) (DiscountPolicy, error) {
	var updated DiscountPolicy
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.loadOwned(txCtx, cmd.PolicyID, cmd.SellerID)
		if err != nil {
			return err
		}

		next := normalizePolicy(cmd.Policy)
		next.ID = current.ID
		next.SellerID = current.SellerID
		next.Default = current.Default
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.clock()
		if next.Group != current.Group {
			next.Default = false
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrDiscountPolicyInvalidInput, err)
		}
		if err := s.policies.Update(txCtx, next); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return DiscountPolicy{}, err
	}
	s.invalidate(updated.SellerID)
	return updated, nil
}

func (s *discountPolicyService) SetDefault(ctx context.Context, cmd SetDefaultDiscountPolicyCommand) (DiscountPolicy, error) {
	var target DiscountPolicy
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		policy, err := s.loadOwned(txCtx, cmd.PolicyID, cmd.SellerID)
		if err != nil {
			return err
		}
		if policy.Default {
			target = policy
			return nil
		}

		now := s.clock()
		existing, err := s.listAll(txCtx, policy.SellerID, repositories.DiscountPolicyListFilter{Group: policy.Group})
		if err != nil {
			return err
		}
		for _, other := range existing {
			if !other.Default || other.ID == policy.ID {
				continue
			}
			other.Default = false
			other.UpdatedAt = now
			if err := s.policies.Update(txCtx, other); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		policy.Default = true
		policy.UpdatedAt = now
		if err := s.policies.Update(txCtx, policy); err != nil {
			return s.mapRepositoryError(err)
		}
		target = policy
		return nil
	})
	if err != nil {
		return DiscountPolicy{}, err
	}
	s.invalidate(target.SellerID)
	return target, nil
}

func (s *discountPolicyService) Delete(ctx context.Context, cmd DeleteDiscountPolicyCommand) error {
	var sellerID string
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		policy, err := s.loadOwned(txCtx, cmd.PolicyID, cmd.SellerID)
		if err != nil {
			return err
		}
		now := s.clock()
		policy.Active = false
		policy.Default = false
		policy.DeletedAt = &now
		policy.UpdatedAt = now
		if err := s.policies.Update(txCtx, policy); err != nil {
			return s.mapRepositoryError(err)
		}
		sellerID = policy.SellerID
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(sellerID)
	s.logger(ctx, "discount_policy.deleted", map[string]any{
		"policyId": strings.TrimSpace(cmd.PolicyID),
		"sellerId": sellerID,
		"actorId":  strings.TrimSpace(cmd.ActorID),
	})
	return nil
}

func (s *discountPolicyService) Get(ctx context.Context, policyID string) (DiscountPolicy, error) {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return DiscountPolicy{}, fmt.Errorf("%w: policy id is required", ErrDiscountPolicyInvalidInput)
	}
	policy, err := s.policies.FindByID(ctx, policyID)
	if err != nil {
		return DiscountPolicy{}, s.mapRepositoryError(err)
	}
	return policy, nil
}

func (s *discountPolicyService) ListBySeller(ctx context.Context, sellerID string, filter DiscountPolicyListFilter) (domain.CursorPage[DiscountPolicy], error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return domain.CursorPage[DiscountPolicy]{}, fmt.Errorf("%w: seller id is required", ErrDiscountPolicyInvalidInput)
	}
	page, err := s.policies.ListBySeller(ctx, sellerID, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[DiscountPolicy]{}, fmt.Errorf("%w: %v", ErrDiscountPolicyInvalidInput, err)
		}
		return domain.CursorPage[DiscountPolicy]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// FindApplicablePolicies returns the seller's active, non-deleted policies. Validity windows and
// usage limits are left to the discount engine, which evaluates them at apply time.
func (s *discountPolicyService) FindApplicablePolicies(ctx context.Context, sellerID string) ([]DiscountPolicy, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, fmt.Errorf("%w: seller id is required", ErrDiscountPolicyInvalidInput)
	}
	if cached, ok := s.cache.Get(sellerID); ok {
		return slices.Clone(cached), nil
	}

	result, err, _ := s.loads.Do(sellerID, func() (any, error) {
		gen := s.cache.Generation(sellerID)
		policies, err := s.listAll(ctx, sellerID, repositories.DiscountPolicyListFilter{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		s.cache.Put(sellerID, gen, policies)
		return policies, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(result.([]DiscountPolicy)), nil
}

// invalidate drops the cached list and detaches callers from any load already in flight.
func (s *discountPolicyService) invalidate(sellerID string) {
	s.cache.Invalidate(sellerID)
	s.loads.Forget(sellerID)
}

func (s *discountPolicyService) listAll(ctx context.Context, sellerID string, filter repositories.DiscountPolicyListFilter) ([]DiscountPolicy, error) {
	filter.Pagination = domain.Pagination{PageSize: policyListPageSize}
	var all []DiscountPolicy
	for {
		page, err := s.policies.ListBySeller(ctx, sellerID, filter)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}
		all = append(all, page.Items...)
		if page.NextPageToken == "" {
			return all, nil
		}
		filter.Pagination.PageToken = page.NextPageToken
	}
}

func (s *discountPolicyService) loadOwned(ctx context.Context, policyID, sellerID string) (DiscountPolicy, error) {
	policyID = strings.TrimSpace(policyID)
	sellerID = strings.TrimSpace(sellerID)
	if policyID == "" || sellerID == "" {
		return DiscountPolicy{}, fmt.Errorf("%w: policy id and seller id are required", ErrDiscountPolicyInvalidInput)
	}
	policy, err := s.policies.FindByID(ctx, policyID)
	if err != nil {
		return DiscountPolicy{}, s.mapRepositoryError(err)
	}
	if policy.SellerID != sellerID || policy.IsDeleted() {
		return DiscountPolicy{}, fmt.Errorf("%w: %s", ErrDiscountPolicyNotFound, policyID)
	}
	return policy, nil
}

func (s *discountPolicyService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrDiscountPolicyNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrDiscountPolicyConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("discount policy: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *discountPolicyService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func normalizePolicy(policy DiscountPolicy) DiscountPolicy {
	policy.SellerID = strings.TrimSpace(policy.SellerID)
	policy.Name = textutil.SanitizePlainText(policy.Name, maxPolicyNameLength)
	policy.TargetIDs = slices.Compact(slices.Sorted(slices.Values(trimAll(policy.TargetIDs))))
	if len(policy.TargetIDs) == 0 {
		policy.TargetIDs = nil
	}
	policy.ValidFrom = policy.ValidFrom.UTC()
	policy.ValidTo = policy.ValidTo.UTC()
	return policy
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type sellerPolicyCache struct {
	ttl  time.Duration
	now  func() time.Time
	mu   sync.RWMutex
	m    map[string]sellerPolicyEntry
	gens map[string]uint64
}

type sellerPolicyEntry struct {
	policies []DiscountPolicy
	expires  time.Time
}

func newSellerPolicyCache(ttl time.Duration, now func() time.Time) *sellerPolicyCache {
	return &sellerPolicyCache{
		ttl:  ttl,
		now:  now,
		m:    make(map[string]sellerPolicyEntry),
		gens: make(map[string]uint64),
	}
}

func (c *sellerPolicyCache) Get(sellerID string) ([]DiscountPolicy, bool) {
	c.mu.RLock()
	entry, ok := c.m[sellerID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, sellerID)
		c.mu.Unlock()
		return nil, false
	}
	return entry.policies, true
}

// Generation reports the seller's invalidation count. Loads read it before listing.
func (c *sellerPolicyCache) Generation(sellerID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[sellerID]
}

// Put stores policies only when no invalidation happened since gen was read.
func (c *sellerPolicyCache) Put(sellerID string, gen uint64, policies []DiscountPolicy) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[sellerID] != gen {
		return false
	}
	c.m[sellerID] = sellerPolicyEntry{policies: policies, expires: c.now().Add(c.ttl)}
	return true
}

func (c *sellerPolicyCache) Invalidate(sellerID string) {
	c.mu.Lock()
	delete(c.m, sellerID)
	c.gens[sellerID]++
	c.mu.Unlock()
}
