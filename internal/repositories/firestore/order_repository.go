package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders in Firestore. Updates compare the stored version inside a
// transaction; within a unit of work the version read earlier in the same transaction is used.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
	uow      *pfirestore.UnitOfWork
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		uow:      pfirestore.NewUnitOfWork(provider),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	err := r.base.Create(ctx, id, encodeOrder(order))
	return err
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int64) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.base.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if current.Data.Version != expectedVersion {
			return pfirestore.NewVersionConflict("orders.update", ordersCollection, id, expectedVersion, current.Data.Version)
		}
		err = r.base.Set(ctx, id, encodeOrder(order))
		return err
	})
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data)
}

func (r *OrderRepository) FindByPaymentID(ctx context.Context, paymentID string) ([]domain.Order, error) {
	paymentID = strings.TrimSpace(paymentID)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentId", "==", paymentID).OrderBy("orderNumber", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := decodeOrder(doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type orderDocument struct {
	OrderNumber      string                  `firestore:"orderNumber"`
	CheckoutID       string                  `firestore:"checkoutId"`
	PaymentID        string                  `firestore:"paymentId"`
	MemberID         string                  `firestore:"memberId"`
	SellerID         string                  `firestore:"sellerId"`
	Status           string                  `firestore:"status"`
	Items            []orderItemDocument     `firestore:"items"`
	Shipping         shippingDocument        `firestore:"shipping"`
	ShippingFee      string                  `firestore:"shippingFee"`
	Discounts        []orderDiscountDocument `firestore:"discounts"`
	TotalItemAmount  string                  `firestore:"totalItemAmount"`
	DiscountAmount   string                  `firestore:"discountAmount"`
	TotalAmount      string                  `firestore:"totalAmount"`
	Payment          ledgerDocument          `firestore:"payment"`
	Refunds          []refundDocument        `firestore:"refunds"`
	SnapshotRecorded bool                    `firestore:"snapshotRecorded"`
	CancelReason     string                  `firestore:"cancelReason,omitempty"`
	ReturnReason     string                  `firestore:"returnReason,omitempty"`
	Version          int64                   `firestore:"version"`

	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
	ConfirmedAt       *time.Time `firestore:"confirmedAt,omitempty"`
	PreparingAt       *time.Time `firestore:"preparingAt,omitempty"`
	ShippedAt         *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt       *time.Time `firestore:"deliveredAt,omitempty"`
	CompletedAt       *time.Time `firestore:"completedAt,omitempty"`
	CancelledAt       *time.Time `firestore:"cancelledAt,omitempty"`
	FailedAt          *time.Time `firestore:"failedAt,omitempty"`
	CancelRequestedAt *time.Time `firestore:"cancelRequestedAt,omitempty"`
	ReturnRequestedAt *time.Time `firestore:"returnRequestedAt,omitempty"`
	ReturnRecantedAt  *time.Time `firestore:"returnRecantedAt,omitempty"`
	ReturnCompletedAt *time.Time `firestore:"returnCompletedAt,omitempty"`
}

type orderItemDocument struct {
	ID                string          `firestore:"id"`
	ProductID         string          `firestore:"productId"`
	Quantity          int             `firestore:"quantity"`
	CancelledQuantity int             `firestore:"cancelledQuantity"`
	RefundedQuantity  int             `firestore:"refundedQuantity"`
	UnitPrice         string          `firestore:"unitPrice"`
	Snapshot          productDocument `firestore:"snapshot"`
	Raffle            bool            `firestore:"raffle"`
}

type productDocument struct {
	ProductID  string `firestore:"productId"`
	Name       string `firestore:"name"`
	ImageURL   string `firestore:"imageUrl,omitempty"`
	BrandID    string `firestore:"brandId,omitempty"`
	BrandName  string `firestore:"brandName,omitempty"`
	CategoryID string `firestore:"categoryId,omitempty"`
	SellerID   string `firestore:"sellerId"`
	Price      string `firestore:"price"`
}

type shippingDocument struct {
	ReceiverName   string `firestore:"receiverName"`
	Phone          string `firestore:"phone"`
	ZipCode        string `firestore:"zipCode"`
	AddressLine1   string `firestore:"addressLine1"`
	AddressLine2   string `firestore:"addressLine2,omitempty"`
	Memo           string `firestore:"memo,omitempty"`
	Courier        string `firestore:"courier,omitempty"`
	TrackingNumber string `firestore:"trackingNumber,omitempty"`
}

type orderDiscountDocument struct {
	PolicyID     string `firestore:"policyId"`
	Group        string `firestore:"group"`
	Amount       string `firestore:"amount"`
	Label        string `firestore:"label"`
	PlatformCost string `firestore:"platformCost"`
	SellerCost   string `firestore:"sellerCost"`
}

type ledgerDocument struct {
	PaymentID       string `firestore:"paymentId"`
	PaidAmount      string `firestore:"paidAmount"`
	MileageUsed     string `firestore:"mileageUsed"`
	RefundedCash    string `firestore:"refundedCash"`
	RefundedMileage string `firestore:"refundedMileage"`
}

type refundDocument struct {
	ID            string     `firestore:"id"`
	Reason        string     `firestore:"reason,omitempty"`
	RefundAmount  string     `firestore:"refundAmount"`
	CashAmount    string     `firestore:"cashAmount"`
	MileageAmount string     `firestore:"mileageAmount"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	ProviderRef   string     `firestore:"providerRef,omitempty"`
	SettledAt     *time.Time `firestore:"settledAt,omitempty"`
}

func encodeOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:      o.OrderNumber,
		CheckoutID:       o.CheckoutID,
		PaymentID:        o.PaymentID,
		MemberID:         o.MemberID,
		SellerID:         o.SellerID,
		Status:           string(o.Status),
		Shipping:         shippingDocument(o.Shipping),
		ShippingFee:      o.ShippingFee.String(),
		TotalItemAmount:  o.TotalItemAmount.String(),
		DiscountAmount:   o.DiscountAmount.String(),
		TotalAmount:      o.TotalAmount.String(),
		Payment:          encodeLedger(o.Payment),
		SnapshotRecorded: o.SnapshotRecorded,
		CancelReason:     o.CancelReason,
		ReturnReason:     o.ReturnReason,
		Version:          o.Version,

		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
		ConfirmedAt:       utcPtr(o.ConfirmedAt),
		PreparingAt:       utcPtr(o.PreparingAt),
		ShippedAt:         utcPtr(o.ShippedAt),
		DeliveredAt:       utcPtr(o.DeliveredAt),
		CompletedAt:       utcPtr(o.CompletedAt),
		CancelledAt:       utcPtr(o.CancelledAt),
		FailedAt:          utcPtr(o.FailedAt),
		CancelRequestedAt: utcPtr(o.CancelRequestedAt),
		ReturnRequestedAt: utcPtr(o.ReturnRequestedAt),
		ReturnRecantedAt:  utcPtr(o.ReturnRecantedAt),
		ReturnCompletedAt: utcPtr(o.ReturnCompletedAt),
	}
	doc.Items = make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ID:                item.ID,
			ProductID:         item.ProductID,
			Quantity:          item.Quantity,
			CancelledQuantity: item.CancelledQuantity,
			RefundedQuantity:  item.RefundedQuantity,
			UnitPrice:         item.UnitPrice.String(),
			Snapshot:          encodeProduct(item.Snapshot),
			Raffle:            item.Raffle,
		})
	}
	doc.Discounts = encodeDiscounts(o.Discounts)
	doc.Refunds = make([]refundDocument, 0, len(o.Refunds))
	for _, sheet := range o.Refunds {
		doc.Refunds = append(doc.Refunds, refundDocument{
			ID:            sheet.ID,
			Reason:        sheet.Reason,
			RefundAmount:  sheet.RefundAmount.String(),
			CashAmount:    sheet.CashAmount.String(),
			MileageAmount: sheet.MileageAmount.String(),
			CreatedAt:     sheet.CreatedAt.UTC(),
			ProviderRef:   sheet.ProviderRef,
			SettledAt:     utcPtr(sheet.SettledAt),
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	status, ok := domain.ParseOrderStatus(doc.Status)
	if !ok {
		return domain.Order{}, fmt.Errorf("decode order %s: unknown status %q", id, doc.Status)
	}
	d := &moneyDecoder{}
	order := domain.Order{
		ID:               id,
		OrderNumber:      doc.OrderNumber,
		CheckoutID:       doc.CheckoutID,
		PaymentID:        doc.PaymentID,
		MemberID:         doc.MemberID,
		SellerID:         doc.SellerID,
		Status:           status,
		Shipping:         domain.ShippingInfo(doc.Shipping),
		ShippingFee:      d.money("shippingFee", doc.ShippingFee),
		TotalItemAmount:  d.money("totalItemAmount", doc.TotalItemAmount),
		DiscountAmount:   d.money("discountAmount", doc.DiscountAmount),
		TotalAmount:      d.money("totalAmount", doc.TotalAmount),
		Payment:          d.ledger(doc.Payment),
		SnapshotRecorded: doc.SnapshotRecorded,
		CancelReason:     doc.CancelReason,
		ReturnReason:     doc.ReturnReason,
		Version:          doc.Version,

		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
		ConfirmedAt:       utcPtr(doc.ConfirmedAt),
		PreparingAt:       utcPtr(doc.PreparingAt),
		ShippedAt:         utcPtr(doc.ShippedAt),
		DeliveredAt:       utcPtr(doc.DeliveredAt),
		CompletedAt:       utcPtr(doc.CompletedAt),
		CancelledAt:       utcPtr(doc.CancelledAt),
		FailedAt:          utcPtr(doc.FailedAt),
		CancelRequestedAt: utcPtr(doc.CancelRequestedAt),
		ReturnRequestedAt: utcPtr(doc.ReturnRequestedAt),
		ReturnRecantedAt:  utcPtr(doc.ReturnRecantedAt),
		ReturnCompletedAt: utcPtr(doc.ReturnCompletedAt),
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:                item.ID,
			ProductID:         item.ProductID,
			Quantity:          item.Quantity,
			CancelledQuantity: item.CancelledQuantity,
			RefundedQuantity:  item.RefundedQuantity,
			UnitPrice:         d.money("unitPrice", item.UnitPrice),
			Snapshot:          d.product(item.Snapshot),
			Raffle:            item.Raffle,
		})
	}
	order.Discounts = d.discounts(doc.Discounts)
	for _, sheet := range doc.Refunds {
		order.Refunds = append(order.Refunds, domain.RefundSheet{
			ID:            sheet.ID,
			OrderID:       id,
			PaymentID:     doc.PaymentID,
			Reason:        sheet.Reason,
			RefundAmount:  d.money("refundAmount", sheet.RefundAmount),
			CashAmount:    d.money("cashAmount", sheet.CashAmount),
			MileageAmount: d.money("mileageAmount", sheet.MileageAmount),
			CreatedAt:     sheet.CreatedAt.UTC(),
			ProviderRef:   sheet.ProviderRef,
			SettledAt:     utcPtr(sheet.SettledAt),
		})
	}
	if d.err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", id, d.err)
	}
	return order, nil
}

func encodeProduct(p domain.ProductSnapshot) productDocument {
	return productDocument{
		ProductID:  p.ProductID,
		Name:       p.Name,
		ImageURL:   p.ImageURL,
		BrandID:    p.BrandID,
		BrandName:  p.BrandName,
		CategoryID: p.CategoryID,
		SellerID:   p.SellerID,
		Price:      p.Price.String(),
	}
}

func encodeDiscounts(discounts []domain.OrderDiscount) []orderDiscountDocument {
	out := make([]orderDiscountDocument, 0, len(discounts))
	for _, discount := range discounts {
		out = append(out, orderDiscountDocument{
			PolicyID:     discount.PolicyID,
			Group:        string(discount.Group),
			Amount:       discount.Amount.String(),
			Label:        discount.Label,
			PlatformCost: discount.PlatformCost.String(),
			SellerCost:   discount.SellerCost.String(),
		})
	}
	return out
}

func encodeLedger(l domain.PaymentLedger) ledgerDocument {
	return ledgerDocument{
		PaymentID:       l.PaymentID,
		PaidAmount:      l.PaidAmount.String(),
		MileageUsed:     l.MileageUsed.String(),
		RefundedCash:    l.RefundedCash.String(),
		RefundedMileage: l.RefundedMileage.String(),
	}
}

// moneyDecoder parses stored decimal strings and keeps the first failure.
type moneyDecoder struct {
	err error
}

func (d *moneyDecoder) money(field, raw string) domain.Money {
	if d.err != nil {
		return domain.Money{}
	}
	m, err := domain.ParseMoney(raw)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
	return m
}

func (d *moneyDecoder) optionalMoney(field string, raw *string) *domain.Money {
	if raw == nil {
		return nil
	}
	m := d.money(field, *raw)
	return &m
}

func (d *moneyDecoder) product(p productDocument) domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ProductID:  p.ProductID,
		Name:       p.Name,
		ImageURL:   p.ImageURL,
		BrandID:    p.BrandID,
		BrandName:  p.BrandName,
		CategoryID: p.CategoryID,
		SellerID:   p.SellerID,
		Price:      d.money("price", p.Price),
	}
}

func (d *moneyDecoder) discounts(docs []orderDiscountDocument) []domain.OrderDiscount {
	var out []domain.OrderDiscount
	for _, doc := range docs {
		out = append(out, domain.OrderDiscount{
			PolicyID:     doc.PolicyID,
			Group:        domain.DiscountGroup(doc.Group),
			Amount:       d.money("amount", doc.Amount),
			Label:        doc.Label,
			PlatformCost: d.money("platformCost", doc.PlatformCost),
			SellerCost:   d.money("sellerCost", doc.SellerCost),
		})
	}
	return out
}

func (d *moneyDecoder) ledger(doc ledgerDocument) domain.PaymentLedger {
	return domain.PaymentLedger{
		PaymentID:       doc.PaymentID,
		PaidAmount:      d.money("paidAmount", doc.PaidAmount),
		MileageUsed:     d.money("mileageUsed", doc.MileageUsed),
		RefundedCash:    d.money("refundedCash", doc.RefundedCash),
		RefundedMileage: d.money("refundedMileage", doc.RefundedMileage),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
