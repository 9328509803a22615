package provider

import (
	"context"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// Adapter translates between the normalized model and one broker's wire format.
type Adapter interface {
	Provider() domain.BrokerType

	SendTextMessage(ctx context.Context, creds Credentials, req domain.TextMessageRequest) (*domain.NormalizedMessage, error)
	SendMediaMessage(ctx context.Context, creds Credentials, req domain.MediaMessageRequest) (*domain.NormalizedMessage, error)
	SendButtonsMessage(ctx context.Context, creds Credentials, req domain.ButtonsMessageRequest) (*domain.NormalizedMessage, error)
	SendListMessage(ctx context.Context, creds Credentials, req domain.ListMessageRequest) (*domain.NormalizedMessage, error)

	GetInstanceStatus(ctx context.Context, creds Credentials) (*InstanceStatus, error)

	// HealthCheck never fails; unreachable brokers report Healthy=false.
	HealthCheck(ctx context.Context) HealthStatus

	// NormalizeIncomingWebhook is pure: no I/O, same payload in, same event out.
	NormalizeIncomingWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error)
}

// Credentials identify the broker-side instance a call acts on. Broker is the
// broker that issued Token; during fallback it differs from the adapter.
type Credentials struct {
	InstanceID string
	Token      string
	Broker     domain.BrokerType
}

func CredentialsFor(instance *domain.Instance) Credentials {
	if instance == nil {
		return Credentials{}
	}
	return Credentials{InstanceID: instance.ID, Token: instance.AuthToken, Broker: instance.BrokerType}
}

// InstanceStatus is the normalized answer of a broker status call.
type InstanceStatus struct {
	ID       string                 `json:"id"`
	Provider domain.BrokerType      `json:"provider"`
	Status   domain.ConnectionState `json:"status"`
}

// HealthStatus is the outcome of a lightweight broker probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

const (
	defaultSendTimeout   = 15 * time.Second
	defaultHealthTimeout = 5 * time.Second
)
