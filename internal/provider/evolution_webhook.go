package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// Evolution webhook event names, in their dotted form. Servers configured with
// WEBHOOK_BY_EVENTS send the upper-case variant (MESSAGES_UPSERT), which is
// folded onto these before matching.
const (
	evolutionEventMessagesUpsert    = "messages.upsert"
	evolutionEventMessagesUpdate    = "messages.update"
	evolutionEventConnectionUpdate  = "connection.update"
	evolutionEventCall              = "call"
	evolutionEventPresenceUpdate    = "presence.update"
	evolutionEventGroupsUpsert      = "groups.upsert"
	evolutionEventGroupsUpdate      = "groups.update"
	evolutionEventGroupParticipants = "group-participants.update"
)

type evolutionWebhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Sender   string          `json:"sender"`
	Data     json.RawMessage `json:"data"`
}

type evolutionMessageData struct {
	Key              evolutionKey     `json:"key"`
	PushName         string           `json:"pushName"`
	Message          evolutionMessage `json:"message"`
	MessageType      string           `json:"messageType"`
	MessageTimestamp flexInt64        `json:"messageTimestamp"`
	Status           string           `json:"status"`
}

type evolutionMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
}

type evolutionMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *evolutionMedia `json:"imageMessage"`
	VideoMessage    *evolutionMedia `json:"videoMessage"`
	AudioMessage    *evolutionMedia `json:"audioMessage"`
	DocumentMessage *evolutionMedia `json:"documentMessage"`
	StickerMessage  *evolutionMedia `json:"stickerMessage"`
	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
		Name             string  `json:"name"`
		Address          string  `json:"address"`
	} `json:"locationMessage"`
	ContactMessage *struct {
		DisplayName string `json:"displayName"`
		VCard       string `json:"vcard"`
	} `json:"contactMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		Title string `json:"title"`
	} `json:"listResponseMessage"`
}

type evolutionStatusData struct {
	KeyID            string       `json:"keyId"`
	MessageID        string       `json:"messageId"`
	RemoteJID        string       `json:"remoteJid"`
	FromMe           bool         `json:"fromMe"`
	Status           string       `json:"status"`
	Key              evolutionKey `json:"key"`
	MessageTimestamp flexInt64    `json:"messageTimestamp"`
}

type evolutionConnectionData struct {
	Instance     string `json:"instance"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason"`
}

type evolutionCallData struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Status  string    `json:"status"`
	IsVideo bool      `json:"isVideo"`
	Date    flexInt64 `json:"date"`
}

type evolutionPresenceData struct {
	ID        string `json:"id"`
	Presences map[string]struct {
		LastKnownPresence string `json:"lastKnownPresence"`
	} `json:"presences"`
}

type evolutionGroupData struct {
	ID           string  `json:"id"`
	Subject      string  `json:"subject"`
	Action       string  `json:"action"`
	Participants jidList `json:"participants"`
}

// jidList accepts participant lists given as JIDs or as {"id": ...} objects.
type jidList []string

func (p *jidList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		var jid string
		if err := json.Unmarshal(item, &jid); err == nil {
			out = append(out, jid)
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return err
		}
		out = append(out, obj.ID)
	}
	*p = out
	return nil
}

func (a *EvolutionAdapter) NormalizeIncomingWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error) {
	var env evolutionWebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, evolutionNormalizationError("", "invalid JSON payload: "+err.Error())
	}

	instanceID := strings.TrimSpace(env.Instance)
	if instanceID == "" {
		return nil, evolutionNormalizationError(env.Event, "instance is required")
	}

	event := &domain.NormalizedWebhookEvent{InstanceID: instanceID}

	switch evolutionEventName(env.Event) {
	case evolutionEventMessagesUpsert:
		var data evolutionMessageData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		msg, err := data.toMessage(instanceID, env.Sender)
		if err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventMessageReceived
		event.Message = msg

	case evolutionEventMessagesUpdate:
		var data evolutionStatusData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		status := parseMessageStatus(data.Status)
		if status == "" {
			return nil, evolutionNormalizationError(env.Event, fmt.Sprintf("unknown message status %q", data.Status))
		}
		id := firstNonEmpty(data.KeyID, data.Key.ID, data.MessageID)
		if id == "" {
			return nil, evolutionNormalizationError(env.Event, "message id is required")
		}
		jid := firstNonEmpty(data.RemoteJID, data.Key.RemoteJID)
		event.Event = domain.EventMessageStatusUpdate
		event.Message = &domain.NormalizedMessage{
			ID:         id,
			InstanceID: instanceID,
			To:         phoneFromJID(jid),
			IsGroup:    isGroupJID(jid),
			IsFromMe:   data.FromMe || data.Key.FromMe,
			Timestamp:  unixTime(int64(data.MessageTimestamp)),
			Status:     status,
		}

	case evolutionEventConnectionUpdate:
		var data evolutionConnectionData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		state := evolutionConnectionState(data.State)
		if state == "" {
			return nil, evolutionNormalizationError(env.Event, fmt.Sprintf("unknown connection state %q", data.State))
		}
		update := &domain.InstanceUpdate{Status: state}
		if data.StatusReason != 0 {
			update.Reason = fmt.Sprintf("%d", data.StatusReason)
		}
		event.Event = domain.EventConnectionUpdate
		event.InstanceUpdate = update

	case evolutionEventCall:
		var data evolutionCallData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		event.Event = domain.EventCallReceived
		event.CallUpdate = &domain.CallUpdate{
			CallID:    data.ID,
			From:      phoneFromJID(data.From),
			Status:    strings.ToLower(strings.TrimSpace(data.Status)),
			IsVideo:   data.IsVideo,
			Timestamp: unixTime(int64(data.Date)),
		}

	case evolutionEventPresenceUpdate:
		var data evolutionPresenceData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		update := &domain.PresenceUpdate{ChatID: data.ID}
		if len(data.Presences) > 0 {
			participants := make([]string, 0, len(data.Presences))
			for jid := range data.Presences {
				participants = append(participants, jid)
			}
			sort.Strings(participants)
			update.Participant = participants[0]
			update.Presence = strings.ToLower(data.Presences[participants[0]].LastKnownPresence)
		}
		event.Event = domain.EventPresenceUpdate
		event.PresenceUpdate = update

	case evolutionEventGroupsUpsert, evolutionEventGroupsUpdate, evolutionEventGroupParticipants:
		var data evolutionGroupData
		if err := decodeFirst(env.Data, &data); err != nil {
			return nil, evolutionNormalizationError(env.Event, err.Error())
		}
		action := strings.ToLower(strings.TrimSpace(data.Action))
		if action == "" {
			action = "update"
			if evolutionEventName(env.Event) == evolutionEventGroupsUpsert {
				action = "create"
			}
		}
		event.Event = domain.EventGroupUpdate
		event.GroupUpdate = &domain.GroupUpdate{
			GroupID:      data.ID,
			Action:       action,
			Subject:      data.Subject,
			Participants: []string(data.Participants),
		}

	default:
		return nil, evolutionNormalizationError(env.Event, "unmapped event")
	}

	return event, nil
}

func (d evolutionMessageData) toMessage(instanceID, sender string) (*domain.NormalizedMessage, error) {
	if strings.TrimSpace(d.Key.ID) == "" {
		return nil, fmt.Errorf("message key.id is required")
	}

	msgType, content := d.Message.normalize()
	status := parseMessageStatus(d.Status)
	if status == "" {
		status = domain.MessageDelivered
	}

	chat := phoneFromJID(d.Key.RemoteJID)
	from, to := chat, phoneFromJID(sender)
	if d.Key.FromMe {
		from, to = phoneFromJID(sender), chat
	}

	return &domain.NormalizedMessage{
		ID:         d.Key.ID,
		InstanceID: instanceID,
		From:       from,
		To:         to,
		IsGroup:    isGroupJID(d.Key.RemoteJID),
		Type:       msgType,
		Content:    content,
		Timestamp:  unixTime(int64(d.MessageTimestamp)),
		IsFromMe:   d.Key.FromMe,
		Status:     status,
	}, nil
}

func (m evolutionMessage) normalize() (domain.MessageType, domain.MessageContent) {
	media := func(t domain.MessageType, in *evolutionMedia) (domain.MessageType, domain.MessageContent) {
		return t, domain.MessageContent{Media: &domain.MediaContent{
			URL:      in.URL,
			MimeType: in.MimeType,
			Caption:  in.Caption,
			FileName: in.FileName,
		}}
	}

	switch {
	case m.ImageMessage != nil:
		return media(domain.MessageImage, m.ImageMessage)
	case m.StickerMessage != nil:
		return media(domain.MessageImage, m.StickerMessage)
	case m.VideoMessage != nil:
		return media(domain.MessageVideo, m.VideoMessage)
	case m.AudioMessage != nil:
		return media(domain.MessageAudio, m.AudioMessage)
	case m.DocumentMessage != nil:
		return media(domain.MessageDocument, m.DocumentMessage)
	case m.LocationMessage != nil:
		return domain.MessageLocation, domain.MessageContent{Location: &domain.LocationContent{
			Latitude:  m.LocationMessage.DegreesLatitude,
			Longitude: m.LocationMessage.DegreesLongitude,
			Name:      m.LocationMessage.Name,
			Address:   m.LocationMessage.Address,
		}}
	case m.ContactMessage != nil:
		return domain.MessageContact, domain.MessageContent{Contact: &domain.ContactContent{
			DisplayName: m.ContactMessage.DisplayName,
			VCard:       m.ContactMessage.VCard,
		}}
	case m.ButtonsResponseMessage != nil:
		return domain.MessageText, domain.MessageContent{Text: m.ButtonsResponseMessage.SelectedDisplayText}
	case m.ListResponseMessage != nil:
		return domain.MessageText, domain.MessageContent{Text: m.ListResponseMessage.Title}
	case m.ExtendedTextMessage != nil:
		return domain.MessageText, domain.MessageContent{Text: m.ExtendedTextMessage.Text}
	default:
		return domain.MessageText, domain.MessageContent{Text: m.Conversation}
	}
}

func evolutionEventName(event string) string {
	name := strings.ToLower(strings.TrimSpace(event))
	if name == "group_participants_update" {
		return evolutionEventGroupParticipants
	}
	return strings.ReplaceAll(name, "_", ".")
}

func evolutionNormalizationError(rawEvent, reason string) error {
	return &domain.NormalizationError{Provider: domain.BrokerEvolution, RawEvent: rawEvent, Reason: reason}
}

// decodeFirst decodes data into out, taking the first element when data is an array.
func decodeFirst(data json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("invalid data: %w", err)
		}
		if len(items) == 0 {
			return fmt.Errorf("data is empty")
		}
		trimmed = items[0]
	}
	return decodeData(trimmed, out)
}
