package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

const (
	evolutionAPIKeyHeader = "apikey"

	evolutionSendTextPath    = "/message/sendText/"
	evolutionSendMediaPath   = "/message/sendMedia/"
	evolutionSendButtonsPath = "/message/sendButtons/"
	evolutionSendListPath    = "/message/sendList/"
	evolutionStatePath       = "/instance/connectionState/"
	evolutionHealthPath      = "/"
)

var _ Adapter = (*EvolutionAdapter)(nil)

type evolutionTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type evolutionMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

type evolutionButton struct {
	Type        string `json:"type"`
	DisplayText string `json:"displayText"`
	ID          string `json:"id"`
}

type evolutionButtonsRequest struct {
	Number      string            `json:"number"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	Footer      string            `json:"footer,omitempty"`
	Buttons     []evolutionButton `json:"buttons"`
}

type evolutionListRow struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	RowID       string `json:"rowId"`
}

type evolutionListSection struct {
	Title string             `json:"title"`
	Rows  []evolutionListRow `json:"rows"`
}

type evolutionListRequest struct {
	Number      string                 `json:"number"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description"`
	ButtonText  string                 `json:"buttonText"`
	FooterText  string                 `json:"footerText,omitempty"`
	Sections    []evolutionListSection `json:"sections"`
}

type evolutionKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type evolutionSendResponse struct {
	Key              evolutionKey `json:"key"`
	MessageTimestamp flexInt64    `json:"messageTimestamp"`
	Status           string       `json:"status"`
}

type evolutionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// EvolutionAdapter talks to an Evolution API server. Instances owned by
// Evolution authenticate with their own token. Everything else, including
// instances reached through fallback, uses the server-wide API key. The
// Evolution instance name is the orchestrator instance id.
type EvolutionAdapter struct {
	client        *resty.Client
	apiKey        string
	healthTimeout time.Duration
	now           func() time.Time
}

func NewEvolutionAdapter(baseURL, apiKey string, sendTimeout, healthTimeout time.Duration) (*EvolutionAdapter, error) {
	return NewEvolutionAdapterWithClient(baseURL, apiKey, newRestyClient(sendTimeout), healthTimeout)
}

func NewEvolutionAdapterWithClient(baseURL, apiKey string, client *resty.Client, healthTimeout time.Duration) (*EvolutionAdapter, error) {
	if err := prepareClient(baseURL, client); err != nil {
		return nil, err
	}
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	return &EvolutionAdapter{
		client:        client,
		apiKey:        strings.TrimSpace(apiKey),
		healthTimeout: healthTimeout,
		now:           time.Now,
	}, nil
}

func (a *EvolutionAdapter) Provider() domain.BrokerType { return domain.BrokerEvolution }

func (a *EvolutionAdapter) SendTextMessage(ctx context.Context, creds Credentials, req domain.TextMessageRequest) (*domain.NormalizedMessage, error) {
	body := evolutionTextRequest{Number: req.To, Text: req.Text}
	return a.send(ctx, creds, evolutionSendTextPath, body, req.To, domain.MessageText, domain.MessageContent{Text: req.Text})
}

func (a *EvolutionAdapter) SendMediaMessage(ctx context.Context, creds Credentials, req domain.MediaMessageRequest) (*domain.NormalizedMessage, error) {
	body := evolutionMediaRequest{
		Number:    req.To,
		MediaType: strings.ToLower(req.MediaType.String()),
		MimeType:  req.MimeType,
		Caption:   req.Caption,
		Media:     req.URL,
		FileName:  req.FileName,
	}
	content := domain.MessageContent{Media: &domain.MediaContent{
		URL:      req.URL,
		MimeType: req.MimeType,
		Caption:  req.Caption,
		FileName: req.FileName,
	}}
	return a.send(ctx, creds, evolutionSendMediaPath, body, req.To, req.MediaType, content)
}

func (a *EvolutionAdapter) SendButtonsMessage(ctx context.Context, creds Credentials, req domain.ButtonsMessageRequest) (*domain.NormalizedMessage, error) {
	buttons := make([]evolutionButton, 0, len(req.Buttons))
	for _, b := range req.Buttons {
		buttons = append(buttons, evolutionButton{Type: "reply", DisplayText: b.Text, ID: b.ID})
	}

	body := evolutionButtonsRequest{
		Number:      req.To,
		Description: req.Text,
		Footer:      req.Footer,
		Buttons:     buttons,
	}
	content := domain.MessageContent{Buttons: &domain.ButtonsContent{
		Text:    req.Text,
		Footer:  req.Footer,
		Buttons: append([]domain.Button(nil), req.Buttons...),
	}}
	return a.send(ctx, creds, evolutionSendButtonsPath, body, req.To, domain.MessageButtons, content)
}

func (a *EvolutionAdapter) SendListMessage(ctx context.Context, creds Credentials, req domain.ListMessageRequest) (*domain.NormalizedMessage, error) {
	sections := make([]evolutionListSection, 0, len(req.Sections))
	for _, s := range req.Sections {
		rows := make([]evolutionListRow, 0, len(s.Rows))
		for _, row := range s.Rows {
			rows = append(rows, evolutionListRow{Title: row.Title, Description: row.Description, RowID: row.ID})
		}
		sections = append(sections, evolutionListSection{Title: s.Title, Rows: rows})
	}

	body := evolutionListRequest{
		Number:      req.To,
		Description: req.Text,
		ButtonText:  req.ButtonText,
		FooterText:  req.Footer,
		Sections:    sections,
	}
	content := domain.MessageContent{List: &domain.ListContent{
		Text:       req.Text,
		Footer:     req.Footer,
		ButtonText: req.ButtonText,
		Sections:   append([]domain.ListSection(nil), req.Sections...),
	}}
	return a.send(ctx, creds, evolutionSendListPath, body, req.To, domain.MessageList, content)
}

func (a *EvolutionAdapter) GetInstanceStatus(ctx context.Context, creds Credentials) (*InstanceStatus, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	path, err := instancePath(evolutionStatePath, creds)
	if err != nil {
		return nil, err
	}

	body, statusCode, err := call(ctx, a.client, a.Provider(), http.MethodGet, path, a.headers(creds), nil)
	if err != nil {
		return nil, err
	}

	var resp evolutionStateResponse
	if err := decodeResponse(a.Provider(), statusCode, body, &resp); err != nil {
		return nil, err
	}

	state := evolutionConnectionState(resp.Instance.State)
	if state == "" {
		state = domain.ConnectionDisconnected
	}

	return &InstanceStatus{ID: creds.InstanceID, Provider: a.Provider(), Status: state}, nil
}

func (a *EvolutionAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if err := a.ready(); err != nil {
		return HealthStatus{Healthy: false, Error: err.Error()}
	}
	return probe(ctx, a.client, evolutionHealthPath, a.healthTimeout, a.now)
}

func (a *EvolutionAdapter) send(
	ctx context.Context,
	creds Credentials,
	basePath string,
	payload any,
	to string,
	msgType domain.MessageType,
	content domain.MessageContent,
) (*domain.NormalizedMessage, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	path, err := instancePath(basePath, creds)
	if err != nil {
		return nil, err
	}

	body, statusCode, err := call(ctx, a.client, a.Provider(), http.MethodPost, path, a.headers(creds), payload)
	if err != nil {
		return nil, err
	}

	var resp evolutionSendResponse
	if err := decodeResponse(a.Provider(), statusCode, body, &resp); err != nil {
		return nil, err
	}

	if isGroupJID(resp.Key.RemoteJID) {
		to = resp.Key.RemoteJID
	}

	ts := unixTime(int64(resp.MessageTimestamp))
	if ts.IsZero() {
		ts = a.now().UTC()
	}

	return sentMessage(a.Provider(), creds, resp.Key.ID, to, msgType, content, ts)
}

// headers never forwards a token issued by another broker.
func (a *EvolutionAdapter) headers(creds Credentials) map[string]string {
	key := a.apiKey
	if token := strings.TrimSpace(creds.Token); token != "" && creds.Broker == domain.BrokerEvolution {
		key = token
	}
	return map[string]string{evolutionAPIKeyHeader: key}
}

func (a *EvolutionAdapter) ready() error {
	if a == nil || a.client == nil {
		return fmt.Errorf("evolution adapter is not initialized")
	}
	return nil
}

func instancePath(base string, creds Credentials) (string, error) {
	name := strings.TrimSpace(creds.InstanceID)
	if name == "" {
		return "", fmt.Errorf("%w: instance id is required", domain.ErrValidation)
	}
	return base + url.PathEscape(name), nil
}

func evolutionConnectionState(state string) domain.ConnectionState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected":
		return domain.ConnectionConnected
	case "connecting", "qrcode":
		return domain.ConnectionConnecting
	case "close", "closed", "disconnected", "refused", "logout":
		return domain.ConnectionDisconnected
	}
	return ""
}
