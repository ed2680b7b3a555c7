package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/ryu-qqq/setof-commerce-sub006/internal/domain"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/requestctx"
	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

const meterName = "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/jobs"

// OrderCommandMessage is the JSON payload relayed from other aggregates to the order service.
type OrderCommandMessage struct {
	Kind            string                `json:"kind"`
	OrderID         string                `json:"orderId"`
	ExpectedVersion *int64                `json:"expectedVersion,omitempty"`
	ActorID         string                `json:"actorId,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	Tracking        *trackingPayload      `json:"tracking,omitempty"`
	Items           []itemQuantityPayload `json:"items,omitempty"`
}

type trackingPayload struct {
	Courier        string `json:"courier"`
	TrackingNumber string `json:"trackingNumber"`
}

type itemQuantityPayload struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

func newOrderCommandMessage(cmd services.OrderCommand) OrderCommandMessage {
	message := OrderCommandMessage{
		Kind:            string(cmd.Kind),
		OrderID:         cmd.OrderID,
		ExpectedVersion: cmd.ExpectedVersion,
		ActorID:         cmd.ActorID,
		Reason:          cmd.Reason,
	}
	if cmd.Tracking != nil {
		message.Tracking = &trackingPayload{Courier: cmd.Tracking.Courier, TrackingNumber: cmd.Tracking.TrackingNumber}
	}
	for _, item := range cmd.Items {
		message.Items = append(message.Items, itemQuantityPayload{ItemID: item.ItemID, Quantity: item.Quantity})
	}
	return message
}

// Command converts the payload back into a relayed order command.
func (m OrderCommandMessage) Command() services.OrderCommand {
	cmd := services.OrderCommand{
		Kind:               services.OrderCommandKind(strings.TrimSpace(m.Kind)),
		OrderID:            strings.TrimSpace(m.OrderID),
		ExpectedVersion:    m.ExpectedVersion,
		ActorID:            m.ActorID,
		Reason:             m.Reason,
		IdempotentOnTarget: true,
	}
	if m.Tracking != nil {
		cmd.Tracking = &domain.ShipmentTracking{Courier: m.Tracking.Courier, TrackingNumber: m.Tracking.TrackingNumber}
	}
	for _, item := range m.Items {
		cmd.Items = append(cmd.Items, domain.ItemQuantity{ItemID: item.ItemID, Quantity: item.Quantity})
	}
	return cmd
}

// PubSubOrderCommandPublisher relays order commands through a Pub/Sub topic.
type PubSubOrderCommandPublisher struct {
	orderTopic
}

var _ services.OrderCommandDispatcher = (*PubSubOrderCommandPublisher)(nil)

// NewPubSubOrderCommandPublisher constructs the publisher.
func NewPubSubOrderCommandPublisher(topic *pubsub.Topic) (*PubSubOrderCommandPublisher, error) {
	t, err := newOrderTopic(topic, "pubsub order command publisher")
	if err != nil {
		return nil, err
	}
	return &PubSubOrderCommandPublisher{orderTopic: t}, nil
}

// DispatchOrderCommand implements services.OrderCommandDispatcher.
func (p *PubSubOrderCommandPublisher) DispatchOrderCommand(ctx context.Context, cmd services.OrderCommand) error {
	if cmd.Kind == "" || strings.TrimSpace(cmd.OrderID) == "" {
		return errors.New("pubsub order command publisher: kind and order id are required")
	}

	attrs := attributes{}.
		with("kind", string(cmd.Kind)).
		with("orderId", cmd.OrderID).
		with("actorId", cmd.ActorID)

	if err := p.send(ctx, cmd.OrderID, newOrderCommandMessage(cmd), attrs); err != nil {
		return fmt.Errorf("publish order command %s: %w", cmd.Kind, err)
	}
	return nil
}

// OrderCommandExecutor is the part of services.OrderService the subscriber needs.
type OrderCommandExecutor interface {
	Execute(ctx context.Context, cmd services.OrderCommand) (services.Order, error)
}

// OrderCommandSubscriber consumes relayed order commands. Commands are executed with
// IdempotentOnTarget so redelivery is harmless. Malformed payloads and permanent rejections
// (invalid input, unknown order, illegal transition, rule violation) are acknowledged and logged;
// conflicts and infrastructure failures are nacked for redelivery.
type OrderCommandSubscriber struct {
	sub      *pubsub.Subscription
	orders   OrderCommandExecutor
	logger   *zap.Logger
	consumed metric.Int64Counter
}

// SubscriberOption customises the subscriber.
type SubscriberOption func(*OrderCommandSubscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *zap.Logger) SubscriberOption {
	return func(s *OrderCommandSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberMeter records consumption outcomes on meter.
func WithSubscriberMeter(meter metric.Meter) SubscriberOption {
	return func(s *OrderCommandSubscriber) {
		if meter == nil {
			return
		}
		if counter, err := meter.Int64Counter("orders.commands.consumed",
			metric.WithDescription("Relayed order commands by outcome")); err == nil {
			s.consumed = counter
		}
	}
}

// NewOrderCommandSubscriber constructs the subscriber.
func NewOrderCommandSubscriber(sub *pubsub.Subscription, orders OrderCommandExecutor, opts ...SubscriberOption) (*OrderCommandSubscriber, error) {
	if sub == nil {
		return nil, errors.New("order command subscriber: subscription is required")
	}
	if orders == nil {
		return nil, errors.New("order command subscriber: order service is required")
	}
	s := &OrderCommandSubscriber{sub: sub, orders: orders, logger: zap.NewNop()}
	WithSubscriberMeter(otel.GetMeterProvider().Meter(meterName))(s)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run receives messages until ctx is cancelled.
func (s *OrderCommandSubscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle reports whether the message should be acknowledged.
func (s *OrderCommandSubscriber) handle(ctx context.Context, messageID string, data []byte) bool {
	logger := s.logger.With(zap.String("message_id", messageID))
	ctx = requestctx.WithLogger(ctx, logger)

	var message OrderCommandMessage
	if err := json.Unmarshal(data, &message); err != nil {
		logger.Error("order command payload malformed", zap.Error(err))
		s.record(ctx, "", "malformed")
		return true
	}
	cmd := message.Command()
	logger = logger.With(zap.String("order_id", cmd.OrderID), zap.String("kind", string(cmd.Kind)))

	order, err := s.orders.Execute(ctx, cmd)
	switch {
	case err == nil:
		logger.Info("order command applied", zap.String("status", string(order.Status)), zap.Int64("version", order.Version))
		s.record(ctx, cmd.Kind, "applied")
		return true
	case isPermanent(err):
		logger.Warn("order command rejected", zap.Error(err))
		s.record(ctx, cmd.Kind, "rejected")
		return true
	default:
		logger.Error("order command failed", zap.Error(err))
		s.record(ctx, cmd.Kind, "retry")
		return false
	}
}

func (s *OrderCommandSubscriber) record(ctx context.Context, kind services.OrderCommandKind, outcome string) {
	if s.consumed == nil {
		return
	}
	s.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func isPermanent(err error) bool {
	return errors.Is(err, services.ErrOrderInvalidInput) ||
		errors.Is(err, services.ErrOrderNotFound) ||
		errors.Is(err, services.ErrOrderInvalidState) ||
		errors.Is(err, services.ErrOrderRuleViolation)
}
