package domain

import (
	"fmt"
	"strings"
)

// BrokerType identifies the third-party WhatsApp API behind an instance.
type BrokerType string

const (
	BrokerUazapi    BrokerType = "UAZAPI"
	BrokerEvolution BrokerType = "EVOLUTION"
	BrokerBaileys   BrokerType = "BAILEYS"
)

func (b BrokerType) String() string { return string(b) }

func (b BrokerType) IsValid() bool {
	switch b {
	case BrokerUazapi, BrokerEvolution, BrokerBaileys:
		return true
	}
	return false
}

func ParseBrokerType(s string) (BrokerType, error) {
	b := BrokerType(strings.ToUpper(strings.TrimSpace(s)))
	if !b.IsValid() {
		return "", fmt.Errorf("%w: invalid broker type %q", ErrValidation, s)
	}
	return b, nil
}

// InstanceStatus is the connection status stored with an instance.
type InstanceStatus string

const (
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceConnected    InstanceStatus = "connected"
)

func (s InstanceStatus) String() string { return string(s) }

func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceDisconnected, InstanceConnecting, InstanceConnected:
		return true
	}
	return false
}

// ConnectionState is the normalized connection state reported by brokers.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionConnected    ConnectionState = "CONNECTED"
)

func (s ConnectionState) String() string { return string(s) }

func (s ConnectionState) InstanceStatus() InstanceStatus {
	switch s {
	case ConnectionConnected:
		return InstanceConnected
	case ConnectionConnecting:
		return InstanceConnecting
	default:
		return InstanceDisconnected
	}
}

// Instance is a tenant's WhatsApp connection bound to one broker account.
type Instance struct {
	ID         string
	BrokerType BrokerType
	AuthToken  string
	Status     InstanceStatus
}

func (i *Instance) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: instance id is required", ErrValidation)
	}
	if !i.BrokerType.IsValid() {
		return fmt.Errorf("%w: invalid broker type %q", ErrValidation, i.BrokerType)
	}
	if i.Status != "" && !i.Status.IsValid() {
		return fmt.Errorf("%w: invalid instance status %q", ErrValidation, i.Status)
	}
	return nil
}
