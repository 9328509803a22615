package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// InstanceRegistry stores the broker binding of an instance.
type InstanceRegistry interface {
	Create(ctx context.Context, i *domain.Instance) error
}

// InstanceCacheInvalidator drops a cached instance after it was re-registered.
type InstanceCacheInvalidator interface {
	Invalidate(ctx context.Context, id string) error
}

type InstanceHandler struct {
	registry InstanceRegistry
	cache    InstanceCacheInvalidator
	logger   *zap.Logger
}

func NewInstanceHandler(registry InstanceRegistry, cache InstanceCacheInvalidator, logger *zap.Logger) (*InstanceHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("instance registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceHandler{registry: registry, cache: cache, logger: logger}, nil
}

// RegisterInstanceRoutes mounts the instance registration route. cache may be nil.
func RegisterInstanceRoutes(router fiber.Router, registry InstanceRegistry, cache InstanceCacheInvalidator, logger *zap.Logger) error {
	h, err := NewInstanceHandler(registry, cache, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Put("/instances/:id", h.PutInstance)

	return nil
}

type putInstanceRequest struct {
	BrokerType string `json:"brokerType"`
	AuthToken  string `json:"authToken"`
	Status     string `json:"status,omitempty"`
}

type instanceResponse struct {
	ID         string `json:"id"`
	BrokerType string `json:"brokerType"`
	Status     string `json:"status"`
}

func (h *InstanceHandler) PutInstance(c *fiber.Ctx) error {
	var req putInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	broker, err := domain.ParseBrokerType(req.BrokerType)
	if err != nil {
		return toHTTPError(err)
	}
	if strings.TrimSpace(req.AuthToken) == "" {
		return toHTTPError(fmt.Errorf("%w: authToken is required", domain.ErrValidation))
	}

	instance := &domain.Instance{
		ID:         strings.TrimSpace(c.Params("id")),
		BrokerType: broker,
		AuthToken:  strings.TrimSpace(req.AuthToken),
		Status:     domain.InstanceStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	}

	ctx := requestContext(c)
	if err := h.registry.Create(ctx, instance); err != nil {
		return toHTTPError(err)
	}

	if h.cache != nil {
		if err := h.cache.Invalidate(ctx, instance.ID); err != nil {
			h.logger.Warn("instance cache invalidation failed",
				zap.String("instanceId", instance.ID),
				zap.Error(err),
			)
		}
	}

	return c.Status(fiber.StatusOK).JSON(instanceResponse{
		ID:         instance.ID,
		BrokerType: instance.BrokerType.String(),
		Status:     instance.Status.String(),
	})
}
