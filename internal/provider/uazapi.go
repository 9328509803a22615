package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

const (
	uazapiTokenHeader = "token"

	uazapiSendTextPath  = "/send/text"
	uazapiSendMediaPath = "/send/media"
	uazapiSendMenuPath  = "/send/menu"
	uazapiStatusPath    = "/instance/status"
	uazapiHealthPath    = "/status"
)

var _ Adapter = (*UazapiAdapter)(nil)

type uazapiTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type uazapiMediaRequest struct {
	Number   string `json:"number"`
	Type     string `json:"type"`
	File     string `json:"file"`
	Text     string `json:"text,omitempty"`
	DocName  string `json:"docName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

type uazapiMenuRequest struct {
	Number     string   `json:"number"`
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	Choices    []string `json:"choices"`
	FooterText string   `json:"footerText,omitempty"`
	ListButton string   `json:"listButton,omitempty"`
}

type uazapiSendResponse struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"messageid"`
	ChatID           string    `json:"chatid"`
	MessageTimestamp flexInt64 `json:"messageTimestamp"`
}

type uazapiStatusResponse struct {
	Instance struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"instance"`
	Status struct {
		Connected bool `json:"connected"`
		LoggedIn  bool `json:"loggedIn"`
	} `json:"status"`
}

// UazapiAdapter talks to a UAZAPI server. Each instance authenticates with its
// own token header.
type UazapiAdapter struct {
	client        *resty.Client
	healthTimeout time.Duration
	now           func() time.Time
}

func NewUazapiAdapter(baseURL string, sendTimeout, healthTimeout time.Duration) (*UazapiAdapter, error) {
	return NewUazapiAdapterWithClient(baseURL, newRestyClient(sendTimeout), healthTimeout)
}

func NewUazapiAdapterWithClient(baseURL string, client *resty.Client, healthTimeout time.Duration) (*UazapiAdapter, error) {
	if err := prepareClient(baseURL, client); err != nil {
		return nil, err
	}
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	return &UazapiAdapter{
		client:        client,
		healthTimeout: healthTimeout,
		now:           time.Now,
	}, nil
}

func (a *UazapiAdapter) Provider() domain.BrokerType { return domain.BrokerUazapi }

func (a *UazapiAdapter) SendTextMessage(ctx context.Context, creds Credentials, req domain.TextMessageRequest) (*domain.NormalizedMessage, error) {
	body := uazapiTextRequest{Number: req.To, Text: req.Text}
	return a.send(ctx, creds, uazapiSendTextPath, body, req.To, domain.MessageText, domain.MessageContent{Text: req.Text})
}

func (a *UazapiAdapter) SendMediaMessage(ctx context.Context, creds Credentials, req domain.MediaMessageRequest) (*domain.NormalizedMessage, error) {
	body := uazapiMediaRequest{
		Number:   req.To,
		Type:     strings.ToLower(req.MediaType.String()),
		File:     req.URL,
		Text:     req.Caption,
		DocName:  req.FileName,
		MimeType: req.MimeType,
	}
	content := domain.MessageContent{Media: &domain.MediaContent{
		URL:      req.URL,
		MimeType: req.MimeType,
		Caption:  req.Caption,
		FileName: req.FileName,
	}}
	return a.send(ctx, creds, uazapiSendMediaPath, body, req.To, req.MediaType, content)
}

func (a *UazapiAdapter) SendButtonsMessage(ctx context.Context, creds Credentials, req domain.ButtonsMessageRequest) (*domain.NormalizedMessage, error) {
	choices := make([]string, 0, len(req.Buttons))
	for _, b := range req.Buttons {
		choices = append(choices, menuChoice(b.Text, b.ID, ""))
	}

	body := uazapiMenuRequest{
		Number:     req.To,
		Type:       "button",
		Text:       req.Text,
		Choices:    choices,
		FooterText: req.Footer,
	}
	content := domain.MessageContent{Buttons: &domain.ButtonsContent{
		Text:    req.Text,
		Footer:  req.Footer,
		Buttons: append([]domain.Button(nil), req.Buttons...),
	}}
	return a.send(ctx, creds, uazapiSendMenuPath, body, req.To, domain.MessageButtons, content)
}

func (a *UazapiAdapter) SendListMessage(ctx context.Context, creds Credentials, req domain.ListMessageRequest) (*domain.NormalizedMessage, error) {
	choices := make([]string, 0, len(req.Sections)*4)
	for _, s := range req.Sections {
		choices = append(choices, "["+s.Title+"]")
		for _, row := range s.Rows {
			choices = append(choices, menuChoice(row.Title, row.ID, row.Description))
		}
	}

	body := uazapiMenuRequest{
		Number:     req.To,
		Type:       "list",
		Text:       req.Text,
		Choices:    choices,
		FooterText: req.Footer,
		ListButton: req.ButtonText,
	}
	content := domain.MessageContent{List: &domain.ListContent{
		Text:       req.Text,
		Footer:     req.Footer,
		ButtonText: req.ButtonText,
		Sections:   append([]domain.ListSection(nil), req.Sections...),
	}}
	return a.send(ctx, creds, uazapiSendMenuPath, body, req.To, domain.MessageList, content)
}

func (a *UazapiAdapter) GetInstanceStatus(ctx context.Context, creds Credentials) (*InstanceStatus, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	body, statusCode, err := call(ctx, a.client, a.Provider(), http.MethodGet, uazapiStatusPath, a.headers(creds), nil)
	if err != nil {
		return nil, err
	}

	var resp uazapiStatusResponse
	if err := decodeResponse(a.Provider(), statusCode, body, &resp); err != nil {
		return nil, err
	}

	state := uazapiConnectionState(resp.Instance.Status)
	if state == "" {
		state = domain.ConnectionDisconnected
		if resp.Status.Connected {
			state = domain.ConnectionConnected
		}
	}

	id := creds.InstanceID
	if id == "" {
		id = resp.Instance.Name
	}

	return &InstanceStatus{ID: id, Provider: a.Provider(), Status: state}, nil
}

func (a *UazapiAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if err := a.ready(); err != nil {
		return HealthStatus{Healthy: false, Error: err.Error()}
	}
	return probe(ctx, a.client, uazapiHealthPath, a.healthTimeout, a.now)
}

func (a *UazapiAdapter) send(
	ctx context.Context,
	creds Credentials,
	path string,
	payload any,
	to string,
	msgType domain.MessageType,
	content domain.MessageContent,
) (*domain.NormalizedMessage, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	body, statusCode, err := call(ctx, a.client, a.Provider(), http.MethodPost, path, a.headers(creds), payload)
	if err != nil {
		return nil, err
	}

	var resp uazapiSendResponse
	if err := decodeResponse(a.Provider(), statusCode, body, &resp); err != nil {
		return nil, err
	}

	id := resp.MessageID
	if id == "" {
		id = resp.ID
	}
	if chatID := strings.TrimSpace(resp.ChatID); chatID != "" && isGroupJID(chatID) {
		to = chatID
	}

	ts := unixTime(int64(resp.MessageTimestamp))
	if ts.IsZero() {
		ts = a.now().UTC()
	}

	return sentMessage(a.Provider(), creds, id, to, msgType, content, ts)
}

func (a *UazapiAdapter) headers(creds Credentials) map[string]string {
	return map[string]string{uazapiTokenHeader: creds.Token}
}

func (a *UazapiAdapter) ready() error {
	if a == nil || a.client == nil {
		return fmt.Errorf("uazapi adapter is not initialized")
	}
	return nil
}

// menuChoice renders a UAZAPI menu entry: "text|id|description".
func menuChoice(text, id, description string) string {
	parts := []string{text}
	if id != "" || description != "" {
		parts = append(parts, id)
	}
	if description != "" {
		parts = append(parts, description)
	}
	return strings.Join(parts, "|")
}

func uazapiConnectionState(status string) domain.ConnectionState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "connected", "open":
		return domain.ConnectionConnected
	case "connecting", "qrcode", "pairing":
		return domain.ConnectionConnecting
	case "disconnected", "close", "closed", "logout", "loggedout":
		return domain.ConnectionDisconnected
	}
	return ""
}
