package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// UAZAPI webhook event tags.
const (
	uazapiEventMessages       = "messages"
	uazapiEventMessagesUpdate = "messages_update"
	uazapiEventConnection     = "connection"
	uazapiEventCall           = "call"
	uazapiEventPresence       = "presence"
	uazapiEventGroups         = "groups"
)

type uazapiWebhookEnvelope struct {
	Event    string          `json:"event"`
	Instance uazapiInstance  `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type uazapiInstance struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type uazapiMessageData struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"messageid"`
	ChatID           string    `json:"chatid"`
	Sender           string    `json:"sender"`
	SenderName       string    `json:"senderName"`
	IsGroup          bool      `json:"isGroup"`
	FromMe           bool      `json:"fromMe"`
	MessageType      string    `json:"messageType"`
	MessageTimestamp flexInt64 `json:"messageTimestamp"`
	Status           string    `json:"status"`
	Text             string    `json:"text"`
	FileURL          string    `json:"fileURL"`
	MimeType         string    `json:"mimetype"`
	FileName         string    `json:"fileName"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	VCard            string    `json:"vcard"`
}

type uazapiCallData struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Status    string    `json:"status"`
	IsVideo   bool      `json:"isVideo"`
	Timestamp flexInt64 `json:"timestamp"`
}

type uazapiConnectionData struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
	QRCode string `json:"qrcode"`
}

type uazapiPresenceData struct {
	ChatID      string `json:"chatid"`
	Participant string `json:"participant"`
	Presence    string `json:"presence"`
}

type uazapiGroupData struct {
	ID           string   `json:"id"`
	GroupID      string   `json:"groupid"`
	Action       string   `json:"action"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
}

func (a *UazapiAdapter) NormalizeIncomingWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error) {
	var env uazapiWebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, uazapiNormalizationError("", "invalid JSON payload: "+err.Error())
	}

	instanceID := strings.TrimSpace(env.Instance.Name)
	if instanceID == "" {
		return nil, uazapiNormalizationError(env.Event, "instance.name is required")
	}

	event := &domain.NormalizedWebhookEvent{InstanceID: instanceID}

	switch env.Event {
	case uazapiEventMessages:
		var data uazapiMessageData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		msg, err := data.toMessage(instanceID, env.Instance.Owner)
		if err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventMessageReceived
		event.Message = msg

	case uazapiEventMessagesUpdate:
		var data uazapiMessageData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		status := parseMessageStatus(data.Status)
		if status == "" {
			return nil, uazapiNormalizationError(env.Event, fmt.Sprintf("unknown message status %q", data.Status))
		}
		id := firstNonEmpty(data.MessageID, data.ID)
		if id == "" {
			return nil, uazapiNormalizationError(env.Event, "message id is required")
		}
		event.Event = domain.EventMessageStatusUpdate
		event.Message = &domain.NormalizedMessage{
			ID:         id,
			InstanceID: instanceID,
			To:         phoneFromJID(data.ChatID),
			IsGroup:    data.IsGroup || isGroupJID(data.ChatID),
			IsFromMe:   data.FromMe,
			Timestamp:  unixTime(int64(data.MessageTimestamp)),
			Status:     status,
		}

	case uazapiEventConnection:
		var data uazapiConnectionData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		state := uazapiConnectionState(data.State)
		if state == "" {
			return nil, uazapiNormalizationError(env.Event, fmt.Sprintf("unknown connection state %q", data.State))
		}
		event.Event = domain.EventConnectionUpdate
		event.InstanceUpdate = &domain.InstanceUpdate{Status: state, Reason: data.Reason, QRCode: data.QRCode}

	case uazapiEventCall:
		var data uazapiCallData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventCallReceived
		event.CallUpdate = &domain.CallUpdate{
			CallID:    data.ID,
			From:      phoneFromJID(data.From),
			Status:    strings.ToLower(strings.TrimSpace(data.Status)),
			IsVideo:   data.IsVideo,
			Timestamp: unixTime(int64(data.Timestamp)),
		}

	case uazapiEventPresence:
		var data uazapiPresenceData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventPresenceUpdate
		event.PresenceUpdate = &domain.PresenceUpdate{
			ChatID:      data.ChatID,
			Participant: data.Participant,
			Presence:    strings.ToLower(strings.TrimSpace(data.Presence)),
		}

	case uazapiEventGroups:
		var data uazapiGroupData
		if err := decodeData(env.Data, &data); err != nil {
			return nil, uazapiNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventGroupUpdate
		event.GroupUpdate = &domain.GroupUpdate{
			GroupID:      firstNonEmpty(data.GroupID, data.ID),
			Action:       strings.ToLower(strings.TrimSpace(data.Action)),
			Subject:      data.Subject,
			Participants: data.Participants,
		}

	default:
		return nil, uazapiNormalizationError(env.Event, "unmapped event")
	}

	return event, nil
}

func (d uazapiMessageData) toMessage(instanceID, owner string) (*domain.NormalizedMessage, error) {
	id := firstNonEmpty(d.MessageID, d.ID)
	if id == "" {
		return nil, fmt.Errorf("message id is required")
	}

	msgType := messageTypeFromUazapi(d.MessageType)
	status := parseMessageStatus(d.Status)
	if status == "" {
		status = domain.MessageDelivered
	}

	chat := phoneFromJID(d.ChatID)
	from, to := phoneFromJID(firstNonEmpty(d.Sender, d.ChatID)), phoneFromJID(owner)
	if d.FromMe {
		from, to = phoneFromJID(owner), chat
	}

	return &domain.NormalizedMessage{
		ID:         id,
		InstanceID: instanceID,
		From:       from,
		To:         to,
		IsGroup:    d.IsGroup || isGroupJID(d.ChatID),
		Type:       msgType,
		Content:    d.content(msgType),
		Timestamp:  unixTime(int64(d.MessageTimestamp)),
		IsFromMe:   d.FromMe,
		Status:     status,
	}, nil
}

func (d uazapiMessageData) content(msgType domain.MessageType) domain.MessageContent {
	switch {
	case msgType.IsMedia():
		return domain.MessageContent{Media: &domain.MediaContent{
			URL:      d.FileURL,
			MimeType: d.MimeType,
			Caption:  d.Text,
			FileName: d.FileName,
		}}
	case msgType == domain.MessageLocation:
		return domain.MessageContent{Location: &domain.LocationContent{Latitude: d.Latitude, Longitude: d.Longitude}}
	case msgType == domain.MessageContact:
		return domain.MessageContent{Contact: &domain.ContactContent{DisplayName: d.Text, VCard: d.VCard}}
	default:
		return domain.MessageContent{Text: d.Text}
	}
}

func messageTypeFromUazapi(messageType string) domain.MessageType {
	normalized := strings.ToLower(strings.TrimSpace(messageType))
	normalized = strings.TrimSuffix(normalized, "message")

	switch normalized {
	case "image", "sticker":
		return domain.MessageImage
	case "video":
		return domain.MessageVideo
	case "audio", "ptt":
		return domain.MessageAudio
	case "document":
		return domain.MessageDocument
	case "location", "livelocation":
		return domain.MessageLocation
	case "contact", "contactsarray":
		return domain.MessageContact
	case "buttons", "buttonsresponse", "templatebuttonreply":
		return domain.MessageButtons
	case "list", "listresponse":
		return domain.MessageList
	default:
		return domain.MessageText
	}
}

func parseMessageStatus(status string) domain.MessageStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending":
		return domain.MessagePending
	case "sent", "serverack", "server_ack":
		return domain.MessageSent
	case "delivered", "deliveryack", "delivery_ack":
		return domain.MessageDelivered
	case "read", "readack", "read_ack", "played":
		return domain.MessageRead
	case "failed", "error":
		return domain.MessageFailed
	}
	return ""
}

func uazapiNormalizationError(rawEvent, reason string) error {
	return &domain.NormalizationError{Provider: domain.BrokerUazapi, RawEvent: rawEvent, Reason: reason}
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("data is required")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
