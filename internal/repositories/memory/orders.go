package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(_ context.Context, order domain.Order) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.orders[order.ID]; ok {
			return conflict("orders.insert", "order "+order.ID+" already exists")
		}
		st.orders[order.ID] = order.Clone()
		return nil
	})
}

func (r orderRepository) Update(_ context.Context, order domain.Order, expectedVersion int64) error {
	return r.s.with(func(st *state) error {
		current, ok := st.orders[order.ID]
		if !ok {
			return notFound("orders.update", order.ID)
		}
		if current.Version != expectedVersion {
			return conflict("orders.update", fmt.Sprintf("order %s version %d, expected %d", order.ID, current.Version, expectedVersion))
		}
		st.orders[order.ID] = order.Clone()
		return nil
	})
}

func (r orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := r.s.with(func(st *state) error {
		current, ok := st.orders[orderID]
		if !ok {
			return notFound("orders.find", orderID)
		}
		order = current.Clone()
		return nil
	})
	return order, err
}

func (r orderRepository) FindByPaymentID(_ context.Context, paymentID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := r.s.with(func(st *state) error {
		for _, order := range st.orders {
			if order.PaymentID == paymentID {
				orders = append(orders, order.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(orders, func(a, b domain.Order) int { return strings.Compare(a.ID, b.ID) })
	return orders, err
}

type snapshotRepository struct{ s *Store }

func (r snapshotRepository) Save(_ context.Context, snapshot repositories.OrderSnapshot) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.snapshots[snapshot.OrderID]; ok {
			return conflict("snapshots.save", "snapshot for "+snapshot.OrderID+" already exists")
		}
		snapshot.Products = slices.Clone(snapshot.Products)
		snapshot.Discounts = slices.Clone(snapshot.Discounts)
		st.snapshots[snapshot.OrderID] = snapshot
		return nil
	})
}

type claimRepository struct{ s *Store }

func (r claimRepository) Insert(_ context.Context, claim domain.Claim) error {
	return r.s.with(func(st *state) error {
		if _, ok := st.claims[claim.ID]; ok {
			return conflict("claims.insert", "claim "+claim.ID+" already exists")
		}
		st.claims[claim.ID] = claim.Clone()
		return nil
	})
}

func (r claimRepository) Update(_ context.Context, claim domain.Claim, expectedVersion int64) error {
	return r.s.with(func(st *state) error {
		current, ok := st.claims[claim.ID]
		if !ok {
			return notFound("claims.update", claim.ID)
		}
		if current.Version != expectedVersion {
			return conflict("claims.update", fmt.Sprintf("claim %s version %d, expected %d", claim.ID, current.Version, expectedVersion))
		}
		st.claims[claim.ID] = claim.Clone()
		return nil
	})
}

func (r claimRepository) FindByID(_ context.Context, claimID string) (domain.Claim, error) {
	var claim domain.Claim
	err := r.s.with(func(st *state) error {
		current, ok := st.claims[claimID]
		if !ok {
			return notFound("claims.find", claimID)
		}
		claim = current.Clone()
		return nil
	})
	return claim, err
}

func (r claimRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Claim, error) {
	var claims []domain.Claim
	err := r.s.with(func(st *state) error {
		for _, claim := range st.claims {
			if claim.OrderID == orderID {
				claims = append(claims, claim.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(claims, func(a, b domain.Claim) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return claims, err
}
