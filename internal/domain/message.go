package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageType is the normalized kind of a WhatsApp message.
type MessageType string

const (
	MessageText     MessageType = "TEXT"
	MessageImage    MessageType = "IMAGE"
	MessageVideo    MessageType = "VIDEO"
	MessageAudio    MessageType = "AUDIO"
	MessageDocument MessageType = "DOCUMENT"
	MessageButtons  MessageType = "BUTTONS"
	MessageList     MessageType = "LIST"
	MessageLocation MessageType = "LOCATION"
	MessageContact  MessageType = "CONTACT"
)

func (t MessageType) String() string { return string(t) }

func (t MessageType) IsValid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument,
		MessageButtons, MessageList, MessageLocation, MessageContact:
		return true
	}
	return false
}

func (t MessageType) IsMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "PENDING"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
	MessageFailed    MessageStatus = "FAILED"
)

func (s MessageStatus) String() string { return string(s) }

func (s MessageStatus) IsValid() bool {
	switch s {
	case MessagePending, MessageSent, MessageDelivered, MessageRead, MessageFailed:
		return true
	}
	return false
}

// Content limits (in characters).
const (
	MaxTextContent   = 4096
	MaxCaption       = 1024
	MaxButtons       = 3
	MaxButtonText    = 20
	MaxListSections  = 10
	MaxListRowsTotal = 10
)

type MediaContent struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ButtonsContent struct {
	Text    string   `json:"text"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListContent struct {
	Text       string        `json:"text"`
	Footer     string        `json:"footer,omitempty"`
	ButtonText string        `json:"buttonText"`
	Sections   []ListSection `json:"sections"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactContent struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard,omitempty"`
}

// MessageContent holds the variant matching the message type. Only the field
// for that type is set.
type MessageContent struct {
	Text     string           `json:"text,omitempty"`
	Media    *MediaContent    `json:"media,omitempty"`
	Buttons  *ButtonsContent  `json:"buttons,omitempty"`
	List     *ListContent     `json:"list,omitempty"`
	Location *LocationContent `json:"location,omitempty"`
	Contact  *ContactContent  `json:"contact,omitempty"`
}

// NormalizedMessage is the broker-independent view of a message. Adapters
// create it per API response and it is not modified afterwards.
type NormalizedMessage struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	IsGroup    bool           `json:"isGroup"`
	Type       MessageType    `json:"type,omitempty"`
	Content    MessageContent `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	IsFromMe   bool           `json:"isFromMe"`
	Status     MessageStatus  `json:"status"`
}

// TextMessageRequest asks for a plain text message.
type TextMessageRequest struct {
	InstanceID string `json:"instanceId"`
	To         string `json:"to"`
	Text       string `json:"text"`
}

func (r TextMessageRequest) Validate() error {
	if err := validateTarget(r.InstanceID, r.To); err != nil {
		return err
	}
	return validateText("text", r.Text, MaxTextContent, true)
}

// MediaMessageRequest asks for an image, video, audio or document message.
type MediaMessageRequest struct {
	InstanceID string      `json:"instanceId"`
	To         string      `json:"to"`
	MediaType  MessageType `json:"mediaType"`
	URL        string      `json:"url"`
	MimeType   string      `json:"mimetype,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
}

func (r MediaMessageRequest) Validate() error {
	if err := validateTarget(r.InstanceID, r.To); err != nil {
		return err
	}
	if !r.MediaType.IsMedia() {
		return fmt.Errorf("%w: invalid media type %q", ErrValidation, r.MediaType)
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: media url is required", ErrValidation)
	}
	return validateText("caption", r.Caption, MaxCaption, false)
}

// ButtonsMessageRequest asks for a reply-buttons message.
type ButtonsMessageRequest struct {
	InstanceID string   `json:"instanceId"`
	To         string   `json:"to"`
	Text       string   `json:"text"`
	Footer     string   `json:"footer,omitempty"`
	Buttons    []Button `json:"buttons"`
}

func (r ButtonsMessageRequest) Validate() error {
	if err := validateTarget(r.InstanceID, r.To); err != nil {
		return err
	}
	if err := validateText("text", r.Text, MaxTextContent, true); err != nil {
		return err
	}
	if len(r.Buttons) == 0 || len(r.Buttons) > MaxButtons {
		return fmt.Errorf("%w: buttons must contain between 1 and %d entries (got %d)", ErrValidation, MaxButtons, len(r.Buttons))
	}
	for i, b := range r.Buttons {
		if err := validateText(fmt.Sprintf("buttons[%d].text", i), b.Text, MaxButtonText, true); err != nil {
			return err
		}
	}
	return nil
}

// ListMessageRequest asks for an interactive list message.
type ListMessageRequest struct {
	InstanceID string        `json:"instanceId"`
	To         string        `json:"to"`
	Text       string        `json:"text"`
	Footer     string        `json:"footer,omitempty"`
	ButtonText string        `json:"buttonText"`
	Sections   []ListSection `json:"sections"`
}

func (r ListMessageRequest) Validate() error {
	if err := validateTarget(r.InstanceID, r.To); err != nil {
		return err
	}
	if err := validateText("text", r.Text, MaxTextContent, true); err != nil {
		return err
	}
	if err := validateText("buttonText", r.ButtonText, MaxButtonText, true); err != nil {
		return err
	}
	if len(r.Sections) == 0 || len(r.Sections) > MaxListSections {
		return fmt.Errorf("%w: sections must contain between 1 and %d entries (got %d)", ErrValidation, MaxListSections, len(r.Sections))
	}

	rows := 0
	for i, s := range r.Sections {
		if len(s.Rows) == 0 {
			return fmt.Errorf("%w: sections[%d] has no rows", ErrValidation, i)
		}
		for j, row := range s.Rows {
			if strings.TrimSpace(row.Title) == "" {
				return fmt.Errorf("%w: sections[%d].rows[%d].title is required", ErrValidation, i, j)
			}
		}
		rows += len(s.Rows)
	}
	if rows > MaxListRowsTotal {
		return fmt.Errorf("%w: list exceeds %d rows (got %d)", ErrValidation, MaxListRowsTotal, rows)
	}
	return nil
}

func validateTarget(instanceID, to string) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: instanceId is required", ErrValidation)
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	return nil
}

func validateText(field, value string, limit int, required bool) error {
	if required && strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if n := len([]rune(value)); n > limit {
		return fmt.Errorf("%w: %s exceeds %d characters (got %d)", ErrValidation, field, limit, n)
	}
	return nil
}
