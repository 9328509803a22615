package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// WebhookEventType tags a normalized webhook event.
type WebhookEventType string

const (
	EventMessageReceived     WebhookEventType = "MESSAGE_RECEIVED"
	EventMessageStatusUpdate WebhookEventType = "MESSAGE_STATUS_UPDATE"
	EventConnectionUpdate    WebhookEventType = "CONNECTION_UPDATE"
	EventCallReceived        WebhookEventType = "CALL_RECEIVED"
	EventPresenceUpdate      WebhookEventType = "PRESENCE_UPDATE"
	EventGroupUpdate         WebhookEventType = "GROUP_UPDATE"
	EventContactUpdate       WebhookEventType = "CONTACT_UPDATE"
)

func (e WebhookEventType) String() string { return string(e) }

func (e WebhookEventType) IsValid() bool {
	switch e {
	case EventMessageReceived, EventMessageStatusUpdate, EventConnectionUpdate, EventCallReceived,
		EventPresenceUpdate, EventGroupUpdate, EventContactUpdate:
		return true
	}
	return false
}

type InstanceUpdate struct {
	Status ConnectionState `json:"status"`
	Reason string          `json:"reason,omitempty"`
	QRCode string          `json:"qrcode,omitempty"`
}

type CallUpdate struct {
	CallID    string    `json:"callId"`
	From      string    `json:"from"`
	Status    string    `json:"status"`
	IsVideo   bool      `json:"isVideo"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceUpdate struct {
	ChatID      string `json:"chatId"`
	Participant string `json:"participant,omitempty"`
	Presence    string `json:"presence"`
}

type GroupUpdate struct {
	GroupID      string   `json:"groupId"`
	Action       string   `json:"action"`
	Subject      string   `json:"subject,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// NormalizedWebhookEvent is the broker-independent webhook event. Exactly one
// of the sub-fields is set and it matches Event.
type NormalizedWebhookEvent struct {
	Event          WebhookEventType   `json:"event"`
	InstanceID     string             `json:"instanceId"`
	Provider       BrokerType         `json:"provider"`
	Raw            json.RawMessage    `json:"raw"`
	Message        *NormalizedMessage `json:"message,omitempty"`
	InstanceUpdate *InstanceUpdate    `json:"instanceUpdate,omitempty"`
	CallUpdate     *CallUpdate        `json:"callUpdate,omitempty"`
	PresenceUpdate *PresenceUpdate    `json:"presenceUpdate,omitempty"`
	GroupUpdate    *GroupUpdate       `json:"groupUpdate,omitempty"`
}

// PopulatedField returns the name of the single populated sub-field, or an
// empty string when zero or several are set.
func (e *NormalizedWebhookEvent) PopulatedField() string {
	fields := make([]string, 0, 1)
	if e.Message != nil {
		fields = append(fields, "message")
	}
	if e.InstanceUpdate != nil {
		fields = append(fields, "instanceUpdate")
	}
	if e.CallUpdate != nil {
		fields = append(fields, "callUpdate")
	}
	if e.PresenceUpdate != nil {
		fields = append(fields, "presenceUpdate")
	}
	if e.GroupUpdate != nil {
		fields = append(fields, "groupUpdate")
	}

	if len(fields) != 1 {
		return ""
	}
	return fields[0]
}

// SubFieldFor returns the sub-field an event type must populate.
func SubFieldFor(event WebhookEventType) string {
	switch event {
	case EventMessageReceived, EventMessageStatusUpdate:
		return "message"
	case EventConnectionUpdate:
		return "instanceUpdate"
	case EventCallReceived:
		return "callUpdate"
	case EventPresenceUpdate:
		return "presenceUpdate"
	case EventGroupUpdate:
		return "groupUpdate"
	}
	return ""
}

func (e *NormalizedWebhookEvent) Validate() error {
	if !e.Event.IsValid() {
		return fmt.Errorf("%w: invalid event %q", ErrValidation, e.Event)
	}

	want := SubFieldFor(e.Event)
	if want == "" {
		return fmt.Errorf("%w: event %s has no payload mapping", ErrValidation, e.Event)
	}

	got := e.PopulatedField()
	if got == "" {
		return fmt.Errorf("%w: event %s must populate exactly one sub-field", ErrValidation, e.Event)
	}
	if got != want {
		return fmt.Errorf("%w: event %s populated %s, want %s", ErrValidation, e.Event, got, want)
	}
	return nil
}
