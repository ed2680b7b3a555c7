package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/pagination"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const discountPoliciesCollection = "discountPolicies"

// DiscountPolicyRepository persists seller discount policies. Deleted policies stay in the collection
// with the deleted flag set.
type DiscountPolicyRepository struct {
	base *pfirestore.Collection[discountPolicyDocument]
}

var _ repositories.DiscountPolicyRepository = (*DiscountPolicyRepository)(nil)

// NewDiscountPolicyRepository constructs a Firestore-backed discount policy repository.
func NewDiscountPolicyRepository(provider *pfirestore.Provider) (*DiscountPolicyRepository, error) {
	if provider == nil {
		return nil, errors.New("discount policy repository requires firestore provider")
	}
	return &DiscountPolicyRepository{
		base: pfirestore.NewCollection[discountPolicyDocument](provider, discountPoliciesCollection),
	}, nil
}

func (r *DiscountPolicyRepository) Insert(ctx context.Context, policy domain.DiscountPolicy) error {
	id := strings.TrimSpace(policy.ID)
	if id == "" {
		return errors.New("discount policy repository: policy id is required")
	}
	err := r.base.Create(ctx, id, encodeDiscountPolicy(policy))
	return err
}

func (r *DiscountPolicyRepository) Update(ctx context.Context, policy domain.DiscountPolicy) error {
	id := strings.TrimSpace(policy.ID)
	if id == "" {
		return errors.New("discount policy repository: policy id is required")
	}
	err := r.base.Set(ctx, id, encodeDiscountPolicy(policy))
	return err
}

func (r *DiscountPolicyRepository) FindByID(ctx context.Context, policyID string) (domain.DiscountPolicy, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(policyID))
	if err != nil {
		return domain.DiscountPolicy{}, err
	}
	return decodeDiscountPolicy(doc.ID, doc.Data)
}

func (r *DiscountPolicyRepository) ListBySeller(ctx context.Context, sellerID string, filter repositories.DiscountPolicyListFilter) (domain.CursorPage[domain.DiscountPolicy], error) {
	sellerID = strings.TrimSpace(sellerID)
	cursor, err := pagination.DecodeScopedToken(filter.Pagination.PageToken, sellerID)
	if err != nil {
		return domain.CursorPage[domain.DiscountPolicy]{}, err
	}
	startAfter := cursor.After

	limit := filter.Pagination.PageSize
	fetchLimit := 0
	if limit > 0 {
		fetchLimit = limit + 1
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("sellerId", "==", sellerID)
		if !filter.IncludeDeleted {
			q = q.Where("deleted", "==", false)
		}
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		if filter.Group != "" {
			q = q.Where("group", "==", string(filter.Group))
		}
		q = q.OrderBy(firestore.DocumentID, firestore.Asc)
		if startAfter != "" {
			q = q.StartAfter(startAfter)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.DiscountPolicy]{}, err
	}

	nextToken := ""
	if fetchLimit > 0 && len(docs) == fetchLimit {
		docs = docs[:limit]
		nextToken, err = pagination.EncodeToken(pagination.Cursor{Scope: sellerID, After: docs[len(docs)-1].ID})
		if err != nil {
			return domain.CursorPage[domain.DiscountPolicy]{}, err
		}
	}

	items := make([]domain.DiscountPolicy, 0, len(docs))
	for _, doc := range docs {
		policy, err := decodeDiscountPolicy(doc.ID, doc.Data)
		if err != nil {
			return domain.CursorPage[domain.DiscountPolicy]{}, err
		}
		items = append(items, policy)
	}
	return domain.CursorPage[domain.DiscountPolicy]{Items: items, NextPageToken: nextToken}, nil
}

type discountPolicyDocument struct {
	SellerID        string     `firestore:"sellerId"`
	Name            string     `firestore:"name"`
	Group           string     `firestore:"group"`
	Type            string     `firestore:"type"`
	TargetType      string     `firestore:"targetType"`
	TargetIDs       []string   `firestore:"targetIds"`
	Rate            *string    `firestore:"rate,omitempty"`
	FixedAmount     *string    `firestore:"fixedAmount,omitempty"`
	MaxDiscount     *string    `firestore:"maxDiscount,omitempty"`
	MinOrderAmount  *string    `firestore:"minOrderAmount,omitempty"`
	ValidFrom       time.Time  `firestore:"validFrom"`
	ValidTo         time.Time  `firestore:"validTo"`
	PerMemberLimit  *int64     `firestore:"perMemberLimit,omitempty"`
	TotalLimit      *int64     `firestore:"totalLimit,omitempty"`
	PlatformPercent string     `firestore:"platformPercent"`
	SellerPercent   string     `firestore:"sellerPercent"`
	Priority        int        `firestore:"priority"`
	Active          bool       `firestore:"active"`
	Exclusive       bool       `firestore:"exclusive"`
	Default         bool       `firestore:"default"`
	Deleted         bool       `firestore:"deleted"`
	DeletedAt       *time.Time `firestore:"deletedAt,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
}

func encodeDiscountPolicy(p domain.DiscountPolicy) discountPolicyDocument {
	doc := discountPolicyDocument{
		SellerID:        p.SellerID,
		Name:            p.Name,
		Group:           string(p.Group),
		Type:            string(p.Type),
		TargetType:      string(p.TargetType),
		TargetIDs:       append([]string{}, p.TargetIDs...),
		FixedAmount:     moneyString(p.FixedAmount),
		MaxDiscount:     moneyString(p.MaxDiscount),
		MinOrderAmount:  moneyString(p.MinOrderAmount),
		ValidFrom:       p.ValidFrom.UTC(),
		ValidTo:         p.ValidTo.UTC(),
		PerMemberLimit:  p.UsageLimit.PerMember,
		TotalLimit:      p.UsageLimit.Total,
		PlatformPercent: p.CostShare.PlatformPercent.String(),
		SellerPercent:   p.CostShare.SellerPercent.String(),
		Priority:        p.Priority,
		Active:          p.Active,
		Exclusive:       p.Exclusive,
		Default:         p.Default,
		Deleted:         p.IsDeleted(),
		DeletedAt:       utcPtr(p.DeletedAt),
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
	if p.Rate != nil {
		rate := p.Rate.String()
		doc.Rate = &rate
	}
	return doc
}

func decodeDiscountPolicy(id string, doc discountPolicyDocument) (domain.DiscountPolicy, error) {
	d := &moneyDecoder{}
	policy := domain.DiscountPolicy{
		ID:             id,
		SellerID:       doc.SellerID,
		Name:           doc.Name,
		Group:          domain.DiscountGroup(doc.Group),
		Type:           domain.DiscountType(doc.Type),
		TargetType:     domain.DiscountTargetType(doc.TargetType),
		TargetIDs:      doc.TargetIDs,
		FixedAmount:    d.optionalMoney("fixedAmount", doc.FixedAmount),
		MaxDiscount:    d.optionalMoney("maxDiscount", doc.MaxDiscount),
		MinOrderAmount: d.optionalMoney("minOrderAmount", doc.MinOrderAmount),
		ValidFrom:      doc.ValidFrom.UTC(),
		ValidTo:        doc.ValidTo.UTC(),
		UsageLimit:     domain.UsageLimit{PerMember: doc.PerMemberLimit, Total: doc.TotalLimit},
		Priority:       doc.Priority,
		Active:         doc.Active,
		Exclusive:      doc.Exclusive,
		Default:        doc.Default,
		DeletedAt:      utcPtr(doc.DeletedAt),
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
	if d.err != nil {
		return domain.DiscountPolicy{}, fmt.Errorf("decode discount policy %s: %w", id, d.err)
	}
	if doc.Rate != nil {
		rate, err := decimal.NewFromString(*doc.Rate)
		if err != nil {
			return domain.DiscountPolicy{}, fmt.Errorf("decode discount policy %s: rate: %w", id, err)
		}
		policy.Rate = &rate
	}
	platform, err := parsePercent(doc.PlatformPercent)
	if err != nil {
		return domain.DiscountPolicy{}, fmt.Errorf("decode discount policy %s: platformPercent: %w", id, err)
	}
	seller, err := parsePercent(doc.SellerPercent)
	if err != nil {
		return domain.DiscountPolicy{}, fmt.Errorf("decode discount policy %s: sellerPercent: %w", id, err)
	}
	policy.CostShare = domain.CostShare{PlatformPercent: platform, SellerPercent: seller}
	return policy, nil
}

func parsePercent(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func moneyString(m *domain.Money) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}
