package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

// Registry wires every Firestore repository around one provider and one unit of work.
type Registry struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork

	orders    *OrderRepository
	snapshots *OrderSnapshotRepository
	claims    *ClaimRepository
	policies  *DiscountPolicyRepository
	usage     *DiscountUsageRepository
	inventory *InventoryRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the repositories. Extra probes are reported by Health next to Firestore.
func NewRegistry(provider *pfirestore.Provider, probes ...repositories.DependencyProbe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	reg := &Registry{provider: provider, uow: pfirestore.NewUnitOfWork(provider)}

	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.snapshots, err = NewOrderSnapshotRepository(provider); err != nil {
		return nil, err
	}
	if reg.claims, err = NewClaimRepository(provider); err != nil {
		return nil, err
	}
	if reg.policies, err = NewDiscountPolicyRepository(provider); err != nil {
		return nil, err
	}
	if reg.usage, err = NewDiscountUsageRepository(provider); err != nil {
		return nil, err
	}
	if reg.inventory, err = NewInventoryRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}

	all := append([]repositories.DependencyProbe{{Name: "firestore", Check: provider.Ping}}, probes...)
	if reg.health, err = repositories.NewProbeHealthRepository(all, time.Now); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Orders() repositories.OrderRepository                 { return r.orders }
func (r *Registry) OrderSnapshots() repositories.OrderSnapshotRepository { return r.snapshots }
func (r *Registry) Claims() repositories.ClaimRepository                 { return r.claims }
func (r *Registry) DiscountPolicies() repositories.DiscountPolicyRepository {
	return r.policies
}
func (r *Registry) DiscountUsage() repositories.DiscountUsageRepository { return r.usage }
func (r *Registry) Inventory() repositories.InventoryRepository         { return r.inventory }
func (r *Registry) Counters() repositories.CounterRepository            { return r.counters }
func (r *Registry) Health() repositories.HealthRepository               { return r.health }

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
