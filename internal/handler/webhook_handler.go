package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/queue"
)

// RawWebhookPublisher hands an incoming broker payload to the webhook worker.
type RawWebhookPublisher interface {
	PublishRaw(ctx context.Context, msg queue.RawWebhookMessage) error
}

type WebhookHandler struct {
	publisher RawWebhookPublisher
	now       func() time.Time
}

func NewWebhookHandler(publisher RawWebhookPublisher) (*WebhookHandler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("webhook publisher is required")
	}
	return &WebhookHandler{publisher: publisher, now: time.Now}, nil
}

func RegisterWebhookRoutes(router fiber.Router, publisher RawWebhookPublisher) error {
	h, err := NewWebhookHandler(publisher)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/webhooks", h.ReceiveWebhook)

	return nil
}

// ReceiveWebhook only checks that the body is JSON. Normalization happens in
// the worker so a slow or failing normalizer never delays the broker.
func (h *WebhookHandler) ReceiveWebhook(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 || !json.Valid(body) {
		return fiber.NewError(fiber.StatusBadRequest, "invalid webhook payload")
	}

	msg := queue.NewRawWebhookMessage(body, requestCorrelationID(c), h.now())
	if err := h.publisher.PublishRaw(requestContext(c), msg); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "webhook could not be queued")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id": msg.ID,
	})
}
