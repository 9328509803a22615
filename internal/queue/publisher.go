package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*RabbitMQPublisher)(nil)

type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

// PublishRaw hands an inbound webhook to the raw queue.
func (p *RabbitMQPublisher) PublishRaw(ctx context.Context, msg RawWebhookMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid raw webhook message: %w", err)
	}
	return p.publish(ctx, RawWebhookQueue, msg.ID, msg.CorrelationID, msg)
}

// PublishEvent routes a normalized event to the queue of its event type.
func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, msg EventMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}
	return p.publish(ctx, EventQueueName(msg.Event.Event), msg.ID, msg.CorrelationID, msg)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue, messageID, correlationID string, msg any) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     messageID,
		CorrelationId: correlationID,
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
