package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// RawWebhookMessage carries an inbound webhook body until a worker
// normalizes it.
type RawWebhookMessage struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewRawWebhookMessage copies payload and assigns a fresh id.
func NewRawWebhookMessage(payload []byte, correlationID string, receivedAt time.Time) RawWebhookMessage {
	return RawWebhookMessage{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		ReceivedAt:    receivedAt.UTC(),
		Payload:       append(json.RawMessage(nil), payload...),
	}
}

func (m RawWebhookMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// EventMessage is a normalized webhook event routed to its event queue.
type EventMessage struct {
	ID            string                         `json:"id"`
	CorrelationID string                         `json:"correlationId,omitempty"`
	Event         *domain.NormalizedWebhookEvent `json:"event"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if m.Event == nil {
		return fmt.Errorf("event is required")
	}
	return m.Event.Validate()
}
