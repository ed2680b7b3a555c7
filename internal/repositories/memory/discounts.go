package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/pagination"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

type policyRepository struct{ s *Store }

func clonePolicy(p domain.DiscountPolicy) domain.DiscountPolicy {
	p.TargetIDs = slices.Clone(p.TargetIDs)
	return p
}

func (r policyRepository) Insert(_ context.Context, policy domain.DiscountPolicy) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.policies[policy.ID]; ok {
			return conflict("discount_policies.insert", "policy "+policy.ID+" already exists")
		}
		st.policies[policy.ID] = clonePolicy(policy)
		return nil
	})
}

func (r policyRepository) Update(_ context.Context, policy domain.DiscountPolicy) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.policies[policy.ID]; !ok {
			return notFound("discount_policies.update", policy.ID)
		}
		st.policies[policy.ID] = clonePolicy(policy)
		return nil
	})
}

func (r policyRepository) FindByID(_ context.Context, policyID string) (domain.DiscountPolicy, error) {
	var policy domain.DiscountPolicy
	err := r.s.with(func(st *state) error {
		current, ok := st.policies[policyID]
		if !ok {
			return notFound("discount_policies.find", policyID)
		}
		policy = clonePolicy(current)
		return nil
	})
	return policy, err
}

func (r policyRepository) ListBySeller(_ context.Context, sellerID string, filter repositories.DiscountPolicyListFilter) (domain.CursorPage[domain.DiscountPolicy], error) {
	cursor, err := pagination.DecodeScopedToken(filter.Pagination.PageToken, sellerID)
	if err != nil {
		return domain.CursorPage[domain.DiscountPolicy]{}, err
	}
	startAfter := cursor.After

	var matched []domain.DiscountPolicy
	_ = r.s.with(func(st *state) error {
		for _, policy := range st.policies {
			if policy.SellerID != sellerID {
				continue
			}
			if !filter.IncludeDeleted && policy.IsDeleted() {
				continue
			}
			if filter.ActiveOnly && !policy.Active {
				continue
			}
			if filter.Group != "" && policy.Group != filter.Group {
				continue
			}
			if startAfter != "" && policy.ID <= startAfter {
				continue
			}
			matched = append(matched, clonePolicy(policy))
		}
		return nil
	})
	slices.SortFunc(matched, func(a, b domain.DiscountPolicy) int { return strings.Compare(a.ID, b.ID) })

	page := domain.CursorPage[domain.DiscountPolicy]{Items: matched}
	size := filter.Pagination.PageSize
	if size > 0 && len(matched) > size {
		page.Items = matched[:size]
		token, err := pagination.EncodeToken(pagination.Cursor{Scope: sellerID, After: page.Items[size-1].ID})
		if err != nil {
			return domain.CursorPage[domain.DiscountPolicy]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type usageRepository struct{ s *Store }

func (r usageRepository) Record(_ context.Context, usage repositories.DiscountUsage) error {
	return r.s.with(func(st *state) error {
		st.usage[usage.PolicyID+"_"+usage.OrderID] = usage
		return nil
	})
}

func (r usageRepository) Count(_ context.Context, policyID, memberID string) (repositories.DiscountUsageCount, error) {
	var count repositories.DiscountUsageCount
	err := r.s.with(func(st *state) error {
		for _, usage := range st.usage {
			if usage.PolicyID != policyID {
				continue
			}
			count.Total++
			if memberID != "" && usage.MemberID == memberID {
				count.PerMember++
			}
		}
		return nil
	})
	return count, err
}
