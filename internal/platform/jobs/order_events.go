package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/services"
)

// OrderEventMessage is the JSON payload published for every order domain event.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	PaymentID      string         `json:"paymentId,omitempty"`
	SellerID       string         `json:"sellerId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic. Events of one order share
// an ordering key when the topic has message ordering enabled.
type PubSubOrderEventPublisher struct {
	orderTopic
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs the publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	t, err := newOrderTopic(topic, "pubsub order event publisher")
	if err != nil {
		return nil, err
	}
	return &PubSubOrderEventPublisher{orderTopic: t}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if event.Type == "" || event.OrderID == "" {
		return errors.New("pubsub order event publisher: event type and order id are required")
	}

	message := OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		PaymentID:      event.PaymentID,
		SellerID:       event.SellerID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}

	attrs := attributes{}.
		with("eventType", event.Type).
		with("orderId", event.OrderID).
		with("paymentId", event.PaymentID).
		with("sellerId", event.SellerID).
		with("status", event.CurrentStatus)

	if err := p.send(ctx, event.OrderID, message, attrs); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}
