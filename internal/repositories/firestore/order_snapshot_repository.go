package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const orderSnapshotsCollection = "orderSnapshots"

// OrderSnapshotRepository stores the settlement snapshot of each order under the order id.
type OrderSnapshotRepository struct {
	base *pfirestore.Collection[orderSnapshotDocument]
}

var _ repositories.OrderSnapshotRepository = (*OrderSnapshotRepository)(nil)

// NewOrderSnapshotRepository constructs a Firestore-backed snapshot repository.
func NewOrderSnapshotRepository(provider *pfirestore.Provider) (*OrderSnapshotRepository, error) {
	if provider == nil {
		return nil, errors.New("order snapshot repository requires firestore provider")
	}
	return &OrderSnapshotRepository{
		base: pfirestore.NewCollection[orderSnapshotDocument](provider, orderSnapshotsCollection),
	}, nil
}

func (r *OrderSnapshotRepository) Save(ctx context.Context, snapshot repositories.OrderSnapshot) error {
	id := strings.TrimSpace(snapshot.OrderID)
	if id == "" {
		return errors.New("order snapshot repository: order id is required")
	}
	doc := orderSnapshotDocument{
		MemberID:      snapshot.MemberID,
		SellerID:      snapshot.SellerID,
		Discounts:     encodeDiscounts(snapshot.Discounts),
		ItemsTotal:    snapshot.Totals.Items.String(),
		DiscountTotal: snapshot.Totals.Discount.String(),
		ShippingTotal: snapshot.Totals.Shipping.String(),
		Total:         snapshot.Totals.Total.String(),
		RecordedAt:    snapshot.RecordedAt.UTC(),
	}
	doc.Products = make([]productDocument, 0, len(snapshot.Products))
	for _, product := range snapshot.Products {
		doc.Products = append(doc.Products, encodeProduct(product))
	}
	err := r.base.Set(ctx, id, doc)
	return err
}

type orderSnapshotDocument struct {
	MemberID      string                  `firestore:"memberId"`
	SellerID      string                  `firestore:"sellerId"`
	Products      []productDocument       `firestore:"products"`
	Discounts     []orderDiscountDocument `firestore:"discounts"`
	ItemsTotal    string                  `firestore:"itemsTotal"`
	DiscountTotal string                  `firestore:"discountTotal"`
	ShippingTotal string                  `firestore:"shippingTotal"`
	Total         string                  `firestore:"total"`
	RecordedAt    time.Time               `firestore:"recordedAt"`
}

// FindByOrderID loads the snapshot recorded for an order.
func (r *OrderSnapshotRepository) FindByOrderID(ctx context.Context, orderID string) (repositories.OrderSnapshot, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return repositories.OrderSnapshot{}, err
	}
	return decodeOrderSnapshot(doc.ID, doc.Data)
}

func decodeOrderSnapshot(orderID string, doc orderSnapshotDocument) (repositories.OrderSnapshot, error) {
	d := &moneyDecoder{}
	snapshot := repositories.OrderSnapshot{
		OrderID:   orderID,
		MemberID:  doc.MemberID,
		SellerID:  doc.SellerID,
		Discounts: d.discounts(doc.Discounts),
		Totals: repositories.OrderSnapshotTotals{
			Items:    d.money("itemsTotal", doc.ItemsTotal),
			Discount: d.money("discountTotal", doc.DiscountTotal),
			Shipping: d.money("shippingTotal", doc.ShippingTotal),
			Total:    d.money("total", doc.Total),
		},
		RecordedAt: doc.RecordedAt.UTC(),
	}
	for _, product := range doc.Products {
		snapshot.Products = append(snapshot.Products, d.product(product))
	}
	if d.err != nil {
		return repositories.OrderSnapshot{}, fmt.Errorf("decode order snapshot %s: %w", orderID, d.err)
	}
	return snapshot, nil
}
