package payments

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// LocalRefundGateway records refunds in memory for local runs and tests. Repeated idempotency keys
// return the first receipt.
type LocalRefundGateway struct {
	mu       sync.Mutex
	receipts map[string]services.RefundReceipt
	requests []services.RefundRequest
}

var _ services.RefundGateway = (*LocalRefundGateway)(nil)

// NewLocalRefundGateway constructs an empty gateway.
func NewLocalRefundGateway() *LocalRefundGateway {
	return &LocalRefundGateway{receipts: make(map[string]services.RefundReceipt)}
}

// RefundOrder implements services.RefundGateway.
func (g *LocalRefundGateway) RefundOrder(_ context.Context, req services.RefundRequest) (services.RefundReceipt, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return services.RefundReceipt{}, errors.New("local refund: idempotency key is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if receipt, ok := g.receipts[key]; ok {
		return receipt, nil
	}
	status := "succeeded"
	if req.Sheet.CashAmount.IsZero() {
		status = RefundStatusLedgerOnly
	}
	receipt := services.RefundReceipt{ProviderRef: "local:" + key, Status: status}
	g.receipts[key] = receipt
	g.requests = append(g.requests, req)
	return receipt, nil
}

// Requests returns the distinct refunds issued so far.
func (g *LocalRefundGateway) Requests() []services.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]services.RefundRequest(nil), g.requests...)
}
