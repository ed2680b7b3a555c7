package memory

import (
	"context"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) RollbackStock(_ context.Context, _ string, adjustments []repositories.StockAdjustment) error {
	return r.s.with(func(st *state) error {
		for _, adj := range adjustments {
			if adj.Quantity <= 0 {
				continue
			}
			st.stock[adj.ProductID] += adj.Quantity
		}
		return nil
	})
}

func (r inventoryRepository) MarkProductStatus(_ context.Context, productID string, status repositories.ProductStatus) error {
	return r.s.with(func(st *state) error {
		st.products[productID] = status
		return nil
	})
}

type counterRepository struct{ s *Store }

func (r counterRepository) Reserve(_ context.Context, seq repositories.Sequence, n int64) (int64, error) {
	var last int64
	err := r.s.with(func(st *state) error {
		next, err := seq.Advance(st.counters[seq.ID], n)
		if err != nil {
			return err
		}
		st.counters[seq.ID] = next
		last = next
		return nil
	})
	return last, err
}
