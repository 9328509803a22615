package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/circuitbreaker"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/observability"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
)

type ProviderOrchestrator interface {
	HealthCheckAll(ctx context.Context) map[domain.BrokerType]provider.HealthStatus
	CircuitStates() []circuitbreaker.CircuitBreakerState
	ResetCircuit(broker domain.BrokerType) (circuitbreaker.CircuitBreakerState, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*provider.InstanceStatus, error)
}

type ProviderHandler struct {
	orchestrator ProviderOrchestrator
}

func NewProviderHandler(orchestrator ProviderOrchestrator) (*ProviderHandler, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	return &ProviderHandler{orchestrator: orchestrator}, nil
}

func RegisterProviderRoutes(router fiber.Router, orchestrator ProviderOrchestrator) error {
	h, err := NewProviderHandler(orchestrator)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/providers/health", h.ProvidersHealth)
	v1.Get("/providers/circuits", h.Circuits)
	v1.Post("/providers/:provider/circuit/reset", h.ResetCircuit)
	v1.Get("/instances/:id/status", h.InstanceStatus)

	return nil
}

type providerHealthItem struct {
	Provider  string `json:"provider"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type providersHealthResponse struct {
	Status    string               `json:"status"`
	Providers []providerHealthItem `json:"providers"`
}

type circuitsResponse struct {
	Data []circuitbreaker.CircuitBreakerState `json:"data"`
}

// ProvidersHealth answers 503 only when no broker is healthy.
func (h *ProviderHandler) ProvidersHealth(c *fiber.Ctx) error {
	results := h.orchestrator.HealthCheckAll(requestContext(c))

	items := make([]providerHealthItem, 0, len(results))
	healthy := 0
	for broker, status := range results {
		if status.Healthy {
			healthy++
		}
		items = append(items, providerHealthItem{
			Provider:  broker.String(),
			Healthy:   status.Healthy,
			LatencyMs: status.Latency.Milliseconds(),
			Error:     status.Error,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Provider < items[j].Provider })

	status := "healthy"
	statusCode := fiber.StatusOK
	switch {
	case healthy == 0:
		status = "down"
		statusCode = fiber.StatusServiceUnavailable
	case healthy < len(items):
		status = "degraded"
	}

	return c.Status(statusCode).JSON(providersHealthResponse{
		Status:    status,
		Providers: items,
	})
}

func (h *ProviderHandler) Circuits(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(circuitsResponse{
		Data: h.orchestrator.CircuitStates(),
	})
}

func (h *ProviderHandler) ResetCircuit(c *fiber.Ctx) error {
	broker, err := domain.ParseBrokerType(c.Params("provider"))
	if err != nil {
		return toHTTPError(err)
	}

	state, err := h.orchestrator.ResetCircuit(broker)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(state)
}

func (h *ProviderHandler) InstanceStatus(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return toHTTPError(fmt.Errorf("%w: instance id is required", domain.ErrValidation))
	}

	status, err := h.orchestrator.GetInstanceStatus(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(status)
}

// requestContext carries the request correlation id into orchestrator logs.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNormalization), errors.Is(err, domain.ErrUnregisteredProvider):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNoAvailableProvider), errors.Is(err, domain.ErrProviderUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
