package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// orderTopic publishes JSON messages about one order at a time. The order ID is the ordering key,
// which only takes effect on topics created with message ordering.
type orderTopic struct {
	topic *pubsub.Topic
}

func newOrderTopic(topic *pubsub.Topic, name string) (orderTopic, error) {
	if topic == nil {
		return orderTopic{}, fmt.Errorf("%s: topic is required", name)
	}
	return orderTopic{topic: topic}, nil
}

// attributes are Pub/Sub message attributes; blank values are left out so subscriptions can
// filter on presence.
type attributes map[string]string

func (a attributes) with(key, value string) attributes {
	if value = strings.TrimSpace(value); value != "" {
		a[key] = value
	}
	return a
}

// send blocks until the server acknowledges the message. A failed ordered publish pauses its key
// until ResumePublish, which send calls so the next message for the order can be attempted.
func (t orderTopic) send(ctx context.Context, orderID string, payload any, attrs attributes) error {
	if t.topic == nil {
		return errors.New("pubsub topic not initialised")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if t.topic.EnableMessageOrdering {
		msg.OrderingKey = orderID
	}
	if _, err := t.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			t.topic.ResumePublish(msg.OrderingKey)
		}
		return err
	}
	return nil
}
