package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const (
	discountUsagesCollection = "discountUsages"
	usageCountAlias          = "uses"
)

// DiscountUsageRepository records one document per policy and order, so replays overwrite instead
// of double counting.
type DiscountUsageRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[discountUsageDocument]
}

var _ repositories.DiscountUsageRepository = (*DiscountUsageRepository)(nil)

// NewDiscountUsageRepository constructs a Firestore-backed usage repository.
func NewDiscountUsageRepository(provider *pfirestore.Provider) (*DiscountUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("discount usage repository requires firestore provider")
	}
	return &DiscountUsageRepository{
		provider: provider,
		base:     pfirestore.NewCollection[discountUsageDocument](provider, discountUsagesCollection),
	}, nil
}

func (r *DiscountUsageRepository) Record(ctx context.Context, usage repositories.DiscountUsage) error {
	policyID := strings.TrimSpace(usage.PolicyID)
	orderID := strings.TrimSpace(usage.OrderID)
	if policyID == "" || orderID == "" {
		return errors.New("discount usage repository: policy id and order id are required")
	}
	err := r.base.Set(ctx, usageDocumentID(policyID, orderID), discountUsageDocument{
		PolicyID: policyID,
		OrderID:  orderID,
		MemberID: strings.TrimSpace(usage.MemberID),
		Amount:   usage.Amount.String(),
		UsedAt:   usage.UsedAt.UTC(),
	})
	return err
}

func (r *DiscountUsageRepository) Count(ctx context.Context, policyID, memberID string) (repositories.DiscountUsageCount, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.DiscountUsageCount{}, err
	}
	query := client.Collection(discountUsagesCollection).Where("policyId", "==", strings.TrimSpace(policyID))

	total, err := countQuery(ctx, query)
	if err != nil {
		return repositories.DiscountUsageCount{}, err
	}
	counts := repositories.DiscountUsageCount{Total: total}
	if memberID = strings.TrimSpace(memberID); memberID != "" {
		counts.PerMember, err = countQuery(ctx, query.Where("memberId", "==", memberID))
		if err != nil {
			return repositories.DiscountUsageCount{}, err
		}
	}
	return counts, nil
}

func countQuery(ctx context.Context, query firestore.Query) (int64, error) {
	result, err := query.NewAggregationQuery().WithCount(usageCountAlias).Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("discountUsages.count", err)
	}
	raw, ok := result[usageCountAlias]
	if !ok {
		return 0, fmt.Errorf("discountUsages.count: missing %s in aggregation result", usageCountAlias)
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("discountUsages.count: unexpected aggregation value %T", raw)
	}
	return value.GetIntegerValue(), nil
}

func usageDocumentID(policyID, orderID string) string {
	return policyID + "_" + orderID
}

type discountUsageDocument struct {
	PolicyID string    `firestore:"policyId"`
	OrderID  string    `firestore:"orderId"`
	MemberID string    `firestore:"memberId"`
	Amount   string    `firestore:"amount"`
	UsedAt   time.Time `firestore:"usedAt"`
}
