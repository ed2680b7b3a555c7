// Package memory provides in-process repository implementations for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/repositories"
)

// Error implements repositories.RepositoryError for the memory store.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory %s: %s", e.op, e.msg)
}

// IsNotFound reports whether the record was missing.
func (e *Error) IsNotFound() bool { return e.notFound }

// IsConflict reports a duplicate insert or a version mismatch.
func (e *Error) IsConflict() bool { return e.conflict }

// IsUnavailable is always false for the memory store.
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, id string) error {
	return &Error{op: op, msg: id + " not found", notFound: true}
}

func conflict(op, msg string) error {
	return &Error{op: op, msg: msg, conflict: true}
}

type txKey struct{}

type state struct {
	orders    map[string]domain.Order
	claims    map[string]domain.Claim
	policies  map[string]domain.DiscountPolicy
	usage     map[string]repositories.DiscountUsage
	snapshots map[string]repositories.OrderSnapshot
	stock     map[string]int
	products  map[string]repositories.ProductStatus
	counters  map[string]int64
}

func newState() state {
	return state{
		orders:    make(map[string]domain.Order),
		claims:    make(map[string]domain.Claim),
		policies:  make(map[string]domain.DiscountPolicy),
		usage:     make(map[string]repositories.DiscountUsage),
		snapshots: make(map[string]repositories.OrderSnapshot),
		stock:     make(map[string]int),
		products:  make(map[string]repositories.ProductStatus),
		counters:  make(map[string]int64),
	}
}

func (s state) clone() state {
	return state{
		orders:    maps.Clone(s.orders),
		claims:    maps.Clone(s.claims),
		policies:  maps.Clone(s.policies),
		usage:     maps.Clone(s.usage),
		snapshots: maps.Clone(s.snapshots),
		stock:     maps.Clone(s.stock),
		products:  maps.Clone(s.products),
		counters:  maps.Clone(s.counters),
	}
}

// Store is a memory-backed repositories.Registry. Units of work are serialised and roll back
// every write made through the transaction context when fn fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data state
	now  func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

// RunInTx implements repositories.UnitOfWork.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close releases nothing.
func (s *Store) Close(context.Context) error { return nil }

// SetStock seeds sellable stock for a product.
func (s *Store) SetStock(productID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.stock[productID] = quantity
}

// Stock returns the sellable stock of a product.
func (s *Store) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.stock[productID]
}

// ProductStatus returns the last status recorded for a product.
func (s *Store) ProductStatus(productID string) repositories.ProductStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.products[productID]
}

// Snapshot returns the snapshot stored for an order.
func (s *Store) Snapshot(orderID string) (repositories.OrderSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.data.snapshots[orderID]
	return snap, ok
}

// Orders implements repositories.Registry.
func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

// OrderSnapshots implements repositories.Registry.
func (s *Store) OrderSnapshots() repositories.OrderSnapshotRepository { return snapshotRepository{s} }

// Claims implements repositories.Registry.
func (s *Store) Claims() repositories.ClaimRepository { return claimRepository{s} }

// DiscountPolicies implements repositories.Registry.
func (s *Store) DiscountPolicies() repositories.DiscountPolicyRepository {
	return policyRepository{s}
}

// DiscountUsage implements repositories.Registry.
func (s *Store) DiscountUsage() repositories.DiscountUsageRepository { return usageRepository{s} }

// Inventory implements repositories.Registry.
func (s *Store) Inventory() repositories.InventoryRepository { return inventoryRepository{s} }

// Counters implements repositories.Registry.
func (s *Store) Counters() repositories.CounterRepository { return counterRepository{s} }

// Health implements repositories.Registry.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.DependencyProbe{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, s.now)
	return repo
}

func (s *Store) with(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.data)
}
