package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// RefundStatusLedgerOnly marks refunds settled entirely in mileage; no PSP call is made.
const RefundStatusLedgerOnly = "ledger_only"

// Logger matches the service event logging hook.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeRefundGatewayConfig configures StripeRefundGateway.
type StripeRefundGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clock     func() time.Time

	refunds stripeRefundAPI
}

// StripeRefundGateway refunds the cash part of a refund sheet against the Stripe payment intent
// that backs the order payment. The sheet's idempotency key is forwarded to Stripe so a retried
// unit of work never refunds twice.
type StripeRefundGateway struct {
	refunds stripeRefundAPI
	account string
	clock   func() time.Time
	logger  Logger
}

var _ services.RefundGateway = (*StripeRefundGateway)(nil)

// NewStripeRefundGateway constructs the gateway.
func NewStripeRefundGateway(cfg StripeRefundGatewayConfig) (*StripeRefundGateway, error) {
	refunds := cfg.refunds
	if refunds == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		refunds = client.New(apiKey, cfg.Backends).Refunds
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeRefundGateway{
		refunds: refunds,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RefundOrder implements services.RefundGateway.
func (g *StripeRefundGateway) RefundOrder(ctx context.Context, req services.RefundRequest) (services.RefundReceipt, error) {
	if g == nil {
		return services.RefundReceipt{}, errors.New("stripe: gateway is nil")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return services.RefundReceipt{}, errors.New("stripe: payment id is required")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return services.RefundReceipt{}, errors.New("stripe: idempotency key is required")
	}

	sheet := req.Sheet
	if sheet.CashAmount.IsZero() {
		g.logger(ctx, "payments.stripe.refund.skipped", map[string]any{
			"orderId":       req.OrderID,
			"paymentId":     paymentID,
			"mileageAmount": sheet.MileageAmount.String(),
		})
		return services.RefundReceipt{ProviderRef: "ledger:" + key, Status: RefundStatusLedgerOnly}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Amount:        stripe.Int64(sheet.CashAmount.Int64()),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(key)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.Metadata = refundMetadata(map[string]string{
		"orderId":       req.OrderID,
		"refundSheetId": sheet.ID,
		"mileageAmount": sheet.MileageAmount.String(),
		"requestedAt":   g.clock().Format(time.RFC3339),
	})

	refund, err := g.refunds.New(params)
	if err != nil {
		g.logger(ctx, "payments.stripe.refund.failed", map[string]any{
			"orderId":   req.OrderID,
			"paymentId": paymentID,
			"error":     err,
		})
		return services.RefundReceipt{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return services.RefundReceipt{}, fmt.Errorf("stripe: refund %s ended with status %s", refund.ID, refund.Status)
	}

	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"orderId":   req.OrderID,
		"paymentId": paymentID,
		"refundId":  refund.ID,
		"amount":    refund.Amount,
		"status":    string(refund.Status),
	})
	return services.RefundReceipt{ProviderRef: refund.ID, Status: string(refund.Status)}, nil
}

// Stripe rejects metadata values longer than 500 characters.
const stripeMetadataValueLimit = 500

func refundMetadata(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if len(value) > stripeMetadataValueLimit {
			value = value[:stripeMetadataValueLimit]
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
