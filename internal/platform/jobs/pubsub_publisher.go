package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/edu-center/api/internal/services"
)

// topicPublisher JSON-encodes a payload and waits for the server-assigned message id.
type topicPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

func (p topicPublisher) publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: compactAttributes(attrs),
	})
	return result.Get(ctx)
}

// PubSubOrderEventPublisher publishes committed outbox events to the order-events topic.
type PubSubOrderEventPublisher struct {
	topicPublisher
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{topicPublisher{topic: topic, marshal: json.Marshal}}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) (string, error) {
	id, err := p.publish(ctx, message, map[string]string{
		"eventId":     message.EventID,
		"eventType":   message.Type,
		"orderId":     message.OrderID,
		"orderNumber": message.OrderNumber,
	})
	if err != nil {
		return "", fmt.Errorf("publish order event %s: %w", message.EventID, err)
	}
	return id, nil
}

// PubSubMailPublisher hands mail requests to the mailer through the mail-requests topic.
type PubSubMailPublisher struct {
	topicPublisher
}

// NewPubSubMailPublisher constructs a Pub/Sub backed mail publisher.
func NewPubSubMailPublisher(topic *pubsub.Topic) (*PubSubMailPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub mail publisher: topic is required")
	}
	return &PubSubMailPublisher{topicPublisher{topic: topic, marshal: json.Marshal}}, nil
}

// PublishMail implements services.MailPublisher. The message id doubles as the mailer's
// deduplication key.
func (p *PubSubMailPublisher) PublishMail(ctx context.Context, message services.MailMessage) (string, error) {
	id, err := p.publish(ctx, message, map[string]string{
		"dedupeKey": message.ID,
		"template":  message.Template,
		"orderId":   message.OrderID,
	})
	if err != nil {
		return "", fmt.Errorf("publish mail %s: %w", message.ID, err)
	}
	return id, nil
}

// compactAttributes trims attribute keys and values and drops empty ones; Pub/Sub rejects empty keys.
func compactAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for key, value := range attrs {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
