package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

const (
	// RawWebhookQueue receives webhook payloads exactly as brokers sent them.
	RawWebhookQueue = "webhooks.raw"

	eventQueuePrefix = "webhooks."
	dlqPrefix        = "dlq."
)

// ErrReject marks a message that can never be processed. Consumers send it
// to the dead-letter queue instead of requeueing it.
var ErrReject = errors.New("message rejected")

// Publisher publishes webhook messages.
type Publisher interface {
	PublishRaw(ctx context.Context, msg RawWebhookMessage) error
	PublishEvent(ctx context.Context, msg EventMessage) error
	Close() error
}

// MessageHandler handles a consumed raw webhook message.
type MessageHandler func(ctx context.Context, msg RawWebhookMessage) error

// Consumer consumes raw webhook messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

var eventTypes = []domain.WebhookEventType{
	domain.EventMessageReceived,
	domain.EventMessageStatusUpdate,
	domain.EventConnectionUpdate,
	domain.EventCallReceived,
	domain.EventPresenceUpdate,
	domain.EventGroupUpdate,
}

// EventQueueName returns the queue for a normalized event type, e.g.
// webhooks.connection_update.
func EventQueueName(event domain.WebhookEventType) string {
	return eventQueuePrefix + strings.ToLower(event.String())
}

// DLQName returns the dead-letter queue of a queue, e.g. dlq.webhooks.raw.
func DLQName(queue string) string {
	return dlqPrefix + queue
}

// EventQueueNames returns one queue per mapped event type.
func EventQueueNames() []string {
	queues := make([]string, 0, len(eventTypes))
	for _, event := range eventTypes {
		queues = append(queues, EventQueueName(event))
	}
	return queues
}
