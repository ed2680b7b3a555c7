package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const claimsCollection = "claims"

// ClaimRepository persists return and exchange claims in Firestore.
type ClaimRepository struct {
	base *pfirestore.Collection[claimDocument]
	uow  *pfirestore.UnitOfWork
}

var _ repositories.ClaimRepository = (*ClaimRepository)(nil)

// NewClaimRepository constructs a Firestore-backed claim repository.
func NewClaimRepository(provider *pfirestore.Provider) (*ClaimRepository, error) {
	if provider == nil {
		return nil, errors.New("claim repository requires firestore provider")
	}
	return &ClaimRepository{
		base: pfirestore.NewCollection[claimDocument](provider, claimsCollection),
		uow:  pfirestore.NewUnitOfWork(provider),
	}, nil
}

func (r *ClaimRepository) Insert(ctx context.Context, claim domain.Claim) error {
	id := strings.TrimSpace(claim.ID)
	if id == "" {
		return errors.New("claim repository: claim id is required")
	}
	err := r.base.Create(ctx, id, encodeClaim(claim))
	return err
}

func (r *ClaimRepository) Update(ctx context.Context, claim domain.Claim, expectedVersion int64) error {
	id := strings.TrimSpace(claim.ID)
	if id == "" {
		return errors.New("claim repository: claim id is required")
	}
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.base.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewVersionConflict("claims.update", claimsCollection, id, expectedVersion, current.Data.Version)
		}
		err = r.base.Set(ctx, id, encodeClaim(claim))
		return err
	})
}

func (r *ClaimRepository) FindByID(ctx context.Context, claimID string) (domain.Claim, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(claimID))
	if err != nil {
		return domain.Claim{}, err
	}
	return decodeClaim(doc.ID, doc.Data), nil
}

func (r *ClaimRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Claim, error) {
	orderID = strings.TrimSpace(orderID)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	claims := make([]domain.Claim, 0, len(docs))
	for _, doc := range docs {
		claims = append(claims, decodeClaim(doc.ID, doc.Data))
	}
	return claims, nil
}

type claimDocument struct {
	OrderID          string                 `firestore:"orderId"`
	MemberID         string                 `firestore:"memberId"`
	Type             string                 `firestore:"type"`
	Status           string                 `firestore:"status"`
	Items            []itemQuantityDocument `firestore:"items"`
	Reason           string                 `firestore:"reason,omitempty"`
	ReturnShipping   returnShippingDocument `firestore:"returnShipping"`
	Inspection       string                 `firestore:"inspection,omitempty"`
	InspectionMemo   string                 `firestore:"inspectionMemo,omitempty"`
	ExchangeShipping trackingDocument       `firestore:"exchangeShipping"`
	RejectReason     string                 `firestore:"rejectReason,omitempty"`
	Version          int64                  `firestore:"version"`

	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
	ApprovedAt          *time.Time `firestore:"approvedAt,omitempty"`
	ReceivedAt          *time.Time `firestore:"receivedAt,omitempty"`
	InspectedAt         *time.Time `firestore:"inspectedAt,omitempty"`
	ExchangeShippedAt   *time.Time `firestore:"exchangeShippedAt,omitempty"`
	ExchangeDeliveredAt *time.Time `firestore:"exchangeDeliveredAt,omitempty"`
	CompletedAt         *time.Time `firestore:"completedAt,omitempty"`
	RejectedAt          *time.Time `firestore:"rejectedAt,omitempty"`
	WithdrawnAt         *time.Time `firestore:"withdrawnAt,omitempty"`
}

type itemQuantityDocument struct {
	ItemID   string `firestore:"itemId"`
	Quantity int    `firestore:"quantity"`
}

type returnShippingDocument struct {
	Method         string     `firestore:"method,omitempty"`
	Courier        string     `firestore:"courier,omitempty"`
	TrackingNumber string     `firestore:"trackingNumber,omitempty"`
	PickupAt       *time.Time `firestore:"pickupAt,omitempty"`
}

type trackingDocument struct {
	Courier        string `firestore:"courier,omitempty"`
	TrackingNumber string `firestore:"trackingNumber,omitempty"`
}

func encodeClaim(c domain.Claim) claimDocument {
	doc := claimDocument{
		OrderID:  c.OrderID,
		MemberID: c.MemberID,
		Type:     string(c.Type),
		Status:   string(c.Status),
		Reason:   c.Reason,
		ReturnShipping: returnShippingDocument{
			Method:         string(c.ReturnShipping.Method),
			Courier:        c.ReturnShipping.Courier,
			TrackingNumber: c.ReturnShipping.TrackingNumber,
			PickupAt:       utcPtr(c.ReturnShipping.PickupAt),
		},
		Inspection:       string(c.Inspection),
		InspectionMemo:   c.InspectionMemo,
		ExchangeShipping: trackingDocument(c.ExchangeShipping),
		RejectReason:     c.RejectReason,
		Version:          c.Version,

		CreatedAt:           c.CreatedAt.UTC(),
		UpdatedAt:           c.UpdatedAt.UTC(),
		ApprovedAt:          utcPtr(c.ApprovedAt),
		ReceivedAt:          utcPtr(c.ReceivedAt),
		InspectedAt:         utcPtr(c.InspectedAt),
		ExchangeShippedAt:   utcPtr(c.ExchangeShippedAt),
		ExchangeDeliveredAt: utcPtr(c.ExchangeDeliveredAt),
		CompletedAt:         utcPtr(c.CompletedAt),
		RejectedAt:          utcPtr(c.RejectedAt),
		WithdrawnAt:         utcPtr(c.WithdrawnAt),
	}
	doc.Items = make([]itemQuantityDocument, 0, len(c.Items))
	for _, item := range c.Items {
		doc.Items = append(doc.Items, itemQuantityDocument(item))
	}
	return doc
}

func decodeClaim(id string, doc claimDocument) domain.Claim {
	claim := domain.Claim{
		ID:       id,
		OrderID:  doc.OrderID,
		MemberID: doc.MemberID,
		Type:     domain.ClaimType(doc.Type),
		Status:   domain.ClaimStatus(doc.Status),
		Reason:   doc.Reason,
		ReturnShipping: domain.ReturnShipping{
			Method:         domain.ReturnShippingMethod(doc.ReturnShipping.Method),
			Courier:        doc.ReturnShipping.Courier,
			TrackingNumber: doc.ReturnShipping.TrackingNumber,
			PickupAt:       utcPtr(doc.ReturnShipping.PickupAt),
		},
		Inspection:       domain.InspectionResult(doc.Inspection),
		InspectionMemo:   doc.InspectionMemo,
		ExchangeShipping: domain.ShipmentTracking(doc.ExchangeShipping),
		RejectReason:     doc.RejectReason,
		Version:          doc.Version,

		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
		ApprovedAt:          utcPtr(doc.ApprovedAt),
		ReceivedAt:          utcPtr(doc.ReceivedAt),
		InspectedAt:         utcPtr(doc.InspectedAt),
		ExchangeShippedAt:   utcPtr(doc.ExchangeShippedAt),
		ExchangeDeliveredAt: utcPtr(doc.ExchangeDeliveredAt),
		CompletedAt:         utcPtr(doc.CompletedAt),
		RejectedAt:          utcPtr(doc.RejectedAt),
		WithdrawnAt:         utcPtr(doc.WithdrawnAt),
	}
	for _, item := range doc.Items {
		claim.Items = append(claim.Items, domain.ItemQuantity(item))
	}
	return claim
}
