package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

const defaultHandlerTimeout = 30 * time.Second

type RabbitMQConsumer struct {
	client         *RabbitMQ
	prefetch       int
	handlerTimeout time.Duration
	logger         *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:         client,
		prefetch:       prefetch,
		handlerTimeout: defaultHandlerTimeout,
		logger:         logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	retryWait := newReconnectBackOff()
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			retryWait.Reset()
			continue
		}

		wait := retryWait.NextBackOff()
		c.logger.Warn("consumer interrupted, reconnecting",
			zap.String("queue", queue),
			zap.Duration("retryIn", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// settlement is how a delivery leaves the queue.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeRawWebhook(d)
	if err != nil {
		c.logger.Warn("rejecting undecodable delivery",
			zap.Error(err),
			zap.String("routingKey", d.RoutingKey),
		)
		return settle(d, settleDeadLetter)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	outcome := settleAck
	if err := handler(handlerCtx, msg); err != nil {
		outcome = settleRequeue
		if errors.Is(err, ErrReject) {
			outcome = settleDeadLetter
		}
		c.logger.Warn("webhook message not processed",
			zap.Error(err),
			zap.String("messageId", msg.ID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Bool("deadLettered", outcome == settleDeadLetter),
		)
	}

	return settle(d, outcome)
}

// decodeRawWebhook fills a missing correlation id from the AMQP property.
func decodeRawWebhook(d amqp.Delivery) (RawWebhookMessage, error) {
	var msg RawWebhookMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return RawWebhookMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if err := msg.Validate(); err != nil {
		return RawWebhookMessage{}, err
	}
	return msg, nil
}

func settle(d amqp.Delivery, outcome settlement) error {
	switch outcome {
	case settleDeadLetter:
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject delivery: %w", err)
		}
	case settleRequeue:
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}
	default:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
