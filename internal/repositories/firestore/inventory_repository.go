package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

const inventoryCollection = "inventory"

// InventoryRepository returns stock for products keyed by product id. Adjustments use server-side
// increments, so they never read and can run after other writes of the same transaction.
type InventoryRepository struct {
	stocks *pfirestore.Collection[stockDocument]
	now    func() time.Time
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		stocks: pfirestore.NewCollection[stockDocument](provider, inventoryCollection),
		now:    time.Now,
	}, nil
}

func (r *InventoryRepository) RollbackStock(ctx context.Context, orderID string, adjustments []repositories.StockAdjustment) error {
	now := r.now().UTC()
	for _, adj := range adjustments {
		productID := strings.TrimSpace(adj.ProductID)
		if productID == "" {
			return fmt.Errorf("inventory rollback for order %s: product id is required", orderID)
		}
		if adj.Quantity <= 0 {
			return fmt.Errorf("inventory rollback for order %s: quantity for %s must be > 0", orderID, productID)
		}
		ref, err := r.stocks.Ref(ctx, productID)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"productId":   productID,
			"stock":       firestore.Increment(adj.Quantity),
			"lastOrderId": orderID,
			"updatedAt":   now,
		}
		if err := r.write(ctx, ref, payload); err != nil {
			return pfirestore.WrapError("inventory.rollback", err)
		}
	}
	return nil
}

func (r *InventoryRepository) MarkProductStatus(ctx context.Context, productID string, status repositories.ProductStatus) error {
	productID = strings.TrimSpace(productID)
	ref, err := r.stocks.Ref(ctx, productID)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"productId": productID,
		"status":    string(status),
		"updatedAt": r.now().UTC(),
	}
	if err := r.write(ctx, ref, payload); err != nil {
		return pfirestore.WrapError("inventory.status", err)
	}
	return nil
}

// Stock reads the current stock document of a product.
func (r *InventoryRepository) Stock(ctx context.Context, productID string) (int, repositories.ProductStatus, error) {
	doc, err := r.stocks.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return 0, "", err
	}
	return doc.Data.Stock, repositories.ProductStatus(doc.Data.Status), nil
}

func (r *InventoryRepository) write(ctx context.Context, ref *firestore.DocumentRef, payload map[string]any) error {
	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		return tx.Set(ref, payload, firestore.MergeAll)
	}
	_, err := ref.Set(ctx, payload, firestore.MergeAll)
	return err
}

type stockDocument struct {
	ProductID   string    `firestore:"productId"`
	Stock       int       `firestore:"stock"`
	Status      string    `firestore:"status,omitempty"`
	LastOrderID string    `firestore:"lastOrderId,omitempty"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}
